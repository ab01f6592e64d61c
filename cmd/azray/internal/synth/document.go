// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synth builds v2ray configuration documents.
//
// # Description
//
// Synthesize turns a connection descriptor, a domain policy and the
// settings into the complete client document the local proxy runs with.
// Server builds the document the remote container runs with. Both are
// pure: identical inputs always give byte-identical Bytes(), so Digest()
// is a cheap change detector.
//
// Documents are only ever built whole. Nothing in this package mutates a
// document after construction.
package synth

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Outbound and inbound tags.
const (
	TagSOCKSIn  = "socks-in"
	TagProxy    = "proxy"
	TagDirect   = "direct"
	TagVMessIn  = "vmess-in"
	TagFreedom  = "freedom"
	LogLevel    = "warning"
	DomainMatch = "IPOnDemand"
)

// Document is a v2ray JSON configuration.
//
// Field order in the structs below fixes the key order of the encoding.
type Document struct {
	Log       LogConfig  `json:"log"`
	Inbounds  []Inbound  `json:"inbounds"`
	Outbounds []Outbound `json:"outbounds"`
	Routing   *Routing   `json:"routing,omitempty"`
}

type LogConfig struct {
	Level string `json:"loglevel"`
}

type Inbound struct {
	Tag            string          `json:"tag"`
	Listen         string          `json:"listen,omitempty"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Settings       any             `json:"settings"`
	StreamSettings *StreamSettings `json:"streamSettings,omitempty"`
}

type Outbound struct {
	Tag            string          `json:"tag"`
	Protocol       string          `json:"protocol"`
	Settings       any             `json:"settings"`
	StreamSettings *StreamSettings `json:"streamSettings,omitempty"`
}

type StreamSettings struct {
	Network    string      `json:"network"`
	Security   string      `json:"security,omitempty"`
	WSSettings *WSSettings `json:"wsSettings,omitempty"`
}

type WSSettings struct {
	Path string `json:"path"`
}

type SOCKSSettings struct {
	Auth string `json:"auth"`
	UDP  bool   `json:"udp"`
}

type VMessOutboundSettings struct {
	VNext []VMessServer `json:"vnext"`
}

type VMessServer struct {
	Address string      `json:"address"`
	Port    int         `json:"port"`
	Users   []VMessUser `json:"users"`
}

type VMessUser struct {
	ID       string `json:"id"`
	AlterID  int    `json:"alterId"`
	Security string `json:"security,omitempty"`
}

type VMessInboundSettings struct {
	Clients []VMessUser `json:"clients"`
}

type FreedomSettings struct{}

type Routing struct {
	DomainStrategy string `json:"domainStrategy"`
	Rules          []Rule `json:"rules"`
}

// Rule is one routing entry. Rules are evaluated in order.
type Rule struct {
	Type        string   `json:"type"`
	Domain      []string `json:"domain,omitempty"`
	IP          []string `json:"ip,omitempty"`
	Network     string   `json:"network,omitempty"`
	OutboundTag string   `json:"outboundTag"`
}

// Bytes returns the canonical encoding: indented JSON with a trailing
// newline.
func (d *Document) Bytes() []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	// Every field is a plain struct, slice or string; encoding cannot fail.
	if err := enc.Encode(d); err != nil {
		panic("synth: encode document: " + err.Error())
	}
	return buf.Bytes()
}

// Digest returns the hex sha256 of Bytes().
func (d *Document) Digest() string {
	sum := sha256.Sum256(d.Bytes())
	return hex.EncodeToString(sum[:])
}

// ProxiedDomains returns the domain matchers of the proxy rule, in order.
func (d *Document) ProxiedDomains() []string {
	if d.Routing == nil {
		return nil
	}
	for _, r := range d.Routing.Rules {
		if r.OutboundTag == TagProxy && len(r.Domain) > 0 {
			return append([]string(nil), r.Domain...)
		}
	}
	return nil
}

// Equal reports whether a and b encode identically. Nil documents are
// equal only to each other.
func Equal(a, b *Document) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}
