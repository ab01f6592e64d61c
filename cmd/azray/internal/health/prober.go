// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Prober performs one end-to-end connectivity check.
//
// # Outputs
//
//   - error: nil on success, *util.ProbeFailure otherwise
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPDoer abstracts the HTTP client used by SOCKSProber.
//
//	type MockHTTPDoer struct {
//	    DoFunc func(*http.Request) (*http.Response, error)
//	}
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// SOCKSProber
// =============================================================================

// SOCKSProber fetches a URL through the local SOCKS5 proxy.
//
// # Description
//
// The request travels the full path: local proxy, tunnel, remote server
// and out to the target. Any response below 500 proves the path works;
// a redirect or a 404 from the target is still connectivity.
//
// # Thread Safety
//
// Safe for concurrent use.
type SOCKSProber struct {
	target  string
	timeout time.Duration
	client  HTTPDoer
}

// NewSOCKSProber builds a prober that dials through socksAddr.
//
// # Inputs
//
//   - socksAddr: host:port of the local SOCKS5 listener
//   - target: URL to fetch
//   - timeout: bound for one probe, raised to util.MinProbeTimeout
func NewSOCKSProber(socksAddr, target string, timeout time.Duration) (*SOCKSProber, error) {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer for %s: %w", socksAddr, err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	transport := &http.Transport{
		DialContext:       contextDialer.DialContext,
		DisableKeepAlives: true,
	}
	return NewSOCKSProberWithClient(target, timeout, &http.Client{Transport: transport}), nil
}

// NewSOCKSProberWithClient builds a prober around an existing client.
func NewSOCKSProberWithClient(target string, timeout time.Duration, client HTTPDoer) *SOCKSProber {
	timeout = util.EnforceMinTimeout(
		util.EnforceDefaultTimeout(timeout, util.DefaultProbeTimeout), util.MinProbeTimeout)
	return &SOCKSProber{target: target, timeout: timeout, client: client}
}

// Probe implements Prober.
func (p *SOCKSProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target, nil)
	if err != nil {
		return &util.ProbeFailure{Target: p.target, Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return &util.ProbeFailure{Target: p.target, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= http.StatusInternalServerError {
		return &util.ProbeFailure{Target: p.target, StatusCode: resp.StatusCode}
	}
	return nil
}

// =============================================================================
// Mock Implementation for Testing
// =============================================================================

// MockProber is a test double for Prober.
//
// ProbeFunc, when nil, makes every probe succeed.
type MockProber struct {
	ProbeFunc func(ctx context.Context) error

	mu    sync.Mutex
	calls int
}

// Probe records the call and delegates to ProbeFunc.
func (m *MockProber) Probe(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	fn := m.ProbeFunc
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// Calls returns the number of probes made.
func (m *MockProber) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Compile-time interface compliance check.
var (
	_ Prober = (*SOCKSProber)(nil)
	_ Prober = (*MockProber)(nil)
)
