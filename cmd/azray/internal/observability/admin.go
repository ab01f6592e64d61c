// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

// StatusFunc returns the JSON body served on /status.
type StatusFunc func() any

// AdminServer serves /healthz, /status and /metrics on a local address.
//
// # Thread Safety
//
// Run must be called once.
type AdminServer struct {
	addr   string
	router *gin.Engine
	logger *slog.Logger
}

// NewAdminServer builds the router.
//
// # Inputs
//
//   - addr: listen address, e.g. "127.0.0.1:9464"
//   - gatherer: registry served on /metrics
//   - status: body for /status
func NewAdminServer(addr string, gatherer prometheus.Gatherer, status StatusFunc, logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(DefaultServiceName))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, status())
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return &AdminServer{addr: addr, router: router, logger: logger.With("component", "admin")}
}

// Handler exposes the router for tests.
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down within
// util.DefaultShutdownWait.
func (s *AdminServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("admin endpoint listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), util.DefaultShutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
