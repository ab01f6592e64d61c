// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synth

import (
	"github.com/peacemakercq/az-ray/cmd/azray/internal/cloud"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/policy"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/settings"
)

// Synthesize builds the client document for the local proxy.
//
// # Description
//
// One SOCKS inbound on the local listen address, a vmess-over-websocket
// outbound to the remote endpoint and a freedom outbound. Routing sends
// the policy's domains to the proxy and everything else direct:
//
//  1. domain:<d> for every policy domain -> proxy (omitted when empty)
//  2. geoip:private -> direct (only with an asset directory, since the
//     matcher needs geoip.dat)
//  3. catch-all tcp,udp -> direct
//
// # Inputs
//
//   - desc: remote endpoint; Address, Port, Path and ClientID are used
//   - p: current domain policy
//   - s: settings; SOCKSListen, SOCKSPort and AssetDir are used
//
// # Outputs
//
//   - *Document: a fresh document sharing no memory with its inputs
func Synthesize(desc cloud.Descriptor, p policy.DomainPolicy, s *settings.Settings) *Document {
	doc := &Document{
		Log: LogConfig{Level: LogLevel},
		Inbounds: []Inbound{{
			Tag:      TagSOCKSIn,
			Listen:   s.SOCKSListen,
			Port:     s.SOCKSPort,
			Protocol: "socks",
			Settings: SOCKSSettings{Auth: "noauth", UDP: true},
		}},
		Outbounds: []Outbound{
			{
				Tag:      TagProxy,
				Protocol: "vmess",
				Settings: VMessOutboundSettings{VNext: []VMessServer{{
					Address: desc.Address,
					Port:    desc.Port,
					Users:   []VMessUser{{ID: desc.ClientID, AlterID: 0, Security: "auto"}},
				}}},
				StreamSettings: &StreamSettings{
					Network:    "ws",
					Security:   "none",
					WSSettings: &WSSettings{Path: desc.Path},
				},
			},
			{
				Tag:      TagDirect,
				Protocol: "freedom",
				Settings: FreedomSettings{},
			},
		},
		Routing: &Routing{
			DomainStrategy: DomainMatch,
			Rules:          routingRules(p, s.AssetDir != ""),
		},
	}
	return doc
}

func routingRules(p policy.DomainPolicy, haveAssets bool) []Rule {
	rules := make([]Rule, 0, 3)
	if p.Len() > 0 {
		domains := p.Domains()
		matchers := make([]string, len(domains))
		for i, d := range domains {
			matchers[i] = "domain:" + d
		}
		rules = append(rules, Rule{Type: "field", Domain: matchers, OutboundTag: TagProxy})
	}
	if haveAssets {
		rules = append(rules, Rule{Type: "field", IP: []string{"geoip:private"}, OutboundTag: TagDirect})
	}
	rules = append(rules, Rule{Type: "field", Network: "tcp,udp", OutboundTag: TagDirect})
	return rules
}

// Server builds the document run by the remote container: a vmess
// websocket inbound on V2RAY_PORT and a freedom outbound.
func Server(s *settings.Settings) *Document {
	return &Document{
		Log: LogConfig{Level: LogLevel},
		Inbounds: []Inbound{{
			Tag:      TagVMessIn,
			Port:     s.V2RayPort,
			Protocol: "vmess",
			Settings: VMessInboundSettings{Clients: []VMessUser{{ID: s.V2RayClientID, AlterID: 0}}},
			StreamSettings: &StreamSettings{
				Network:    "ws",
				WSSettings: &WSSettings{Path: s.V2RayPath},
			},
		}},
		Outbounds: []Outbound{{
			Tag:      TagFreedom,
			Protocol: "freedom",
			Settings: FreedomSettings{},
		}},
	}
}
