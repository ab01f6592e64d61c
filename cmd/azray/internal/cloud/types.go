// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cloud reconciles the remote proxy endpoint.
//
// # Description
//
// The remote side is described declaratively as an ordered list of Specs
// (resource group, storage account, file share, server config file,
// container group). Reconciler.Ensure walks the list, compares each
// desired Spec with what a Backend observes, and only calls Apply for
// resources that are absent, drifted or unhealthy. Running Ensure twice
// with nothing changed in between performs no mutating call the second
// time.
//
// Backends translate Specs into provider calls. The azure subpackage
// talks to Azure Resource Manager; MemoryBackend keeps everything in
// process for tests and dry runs.
package cloud

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/settings"
)

// Kind identifies a resource type.
type Kind string

const (
	KindResourceGroup  Kind = "resource_group"
	KindStorageAccount Kind = "storage_account"
	KindFileShare      Kind = "file_share"
	KindConfigFile     Kind = "config_file"
	KindContainerGroup Kind = "container_group"
)

// Property keys compared for drift. Backends must report observed values
// under the same keys.
const (
	PropLocation     = "location"
	PropSKU          = "sku"
	PropQuotaGiB     = "quota_gib"
	PropSHA256       = "sha256"
	PropImage        = "image"
	PropCPU          = "cpu"
	PropMemoryGB     = "memory_gb"
	PropPort         = "port"
	PropDNSLabel     = "dns_label"
	PropConfigSHA256 = "config_sha256"
)

// Ref names one resource.
//
// Parent is the enclosing resource path for nested kinds: the storage
// account for a file share, "account/share" for a config file.
type Ref struct {
	Kind          Kind
	ResourceGroup string
	Parent        string
	Name          string
}

func (r Ref) String() string {
	if r.Parent != "" {
		return fmt.Sprintf("%s %s/%s/%s", r.Kind, r.ResourceGroup, r.Parent, r.Name)
	}
	if r.Kind == KindResourceGroup {
		return fmt.Sprintf("%s %s", r.Kind, r.Name)
	}
	return fmt.Sprintf("%s %s/%s", r.Kind, r.ResourceGroup, r.Name)
}

// ContainerSpec carries what a backend needs to create the container
// group beyond the compared properties.
type ContainerSpec struct {
	ContainerName  string
	Image          string
	Command        []string
	CPU            float64
	MemoryGB       float64
	Port           int
	DNSLabel       string
	StorageAccount string
	FileShare      string
	MountPath      string
}

// Spec is the desired state of one resource.
type Spec struct {
	Ref      Ref
	Location string

	// Properties are compared key by key against Observed.Properties.
	// Any difference is drift.
	Properties map[string]string

	// Payload is the file content for KindConfigFile.
	Payload []byte

	// Container is set for KindContainerGroup.
	Container *ContainerSpec
}

// Observed is what a backend reports for an existing resource.
type Observed struct {
	Ref        Ref
	Properties map[string]string

	// Healthy is false when the resource exists but is not usable (failed
	// provisioning, stopped container).
	Healthy bool

	// IP and FQDN are set for container groups.
	IP   string
	FQDN string
}

// Drift returns the property keys whose observed value differs from the
// desired value, sorted.
func (s Spec) Drift(obs Observed) []string {
	var drifted []string
	for k, want := range s.Properties {
		if got, ok := obs.Properties[k]; !ok || got != want {
			drifted = append(drifted, k)
		}
	}
	slices.Sort(drifted)
	return drifted
}

// Clone returns a deep copy.
func (o Observed) Clone() Observed {
	o.Properties = maps.Clone(o.Properties)
	return o
}

// Descriptor is the connection description of the remote endpoint.
//
// It is a value: reconciliation replaces it wholesale.
type Descriptor struct {
	// Address is what the client dials: the public IP, or the FQDN when
	// no IP has been assigned.
	Address string
	IP      string
	FQDN    string
	Port    int
	Path    string

	// ClientID references the routing identity shared with the server.
	ClientID string

	SubscriptionID string
	ResourceGroup  string
	StorageAccount string
	ContainerGroup string
}

// Desired is the full desired remote state, in dependency order.
type Desired struct {
	Specs []Spec

	// Descriptor fields that come from settings rather than observation.
	Port           int
	Path           string
	ClientID       string
	SubscriptionID string
}

// ContainerRef returns the Ref of the container group spec.
func (d Desired) ContainerRef() Ref {
	for _, s := range d.Specs {
		if s.Ref.Kind == KindContainerGroup {
			return s.Ref
		}
	}
	return Ref{}
}

// DesiredState derives the desired resources from settings.
//
// # Description
//
// Order matters: storage precedes compute, because the container mounts
// the file share that holds the server config. The container group
// carries the config digest as a property so a changed server config
// counts as container drift and the container picks up the new file.
//
// # Inputs
//
//   - s: validated settings
//   - serverConfig: the server document uploaded to the file share
func DesiredState(s *settings.Settings, serverConfig []byte) Desired {
	sum := sha256.Sum256(serverConfig)
	digest := hex.EncodeToString(sum[:])
	rg := s.ResourceGroup
	account := s.StorageAccountName()
	group := s.ContainerGroupName()
	r := s.Remote

	return Desired{
		Port:           s.V2RayPort,
		Path:           s.V2RayPath,
		ClientID:       s.V2RayClientID,
		SubscriptionID: s.SubscriptionID,
		Specs: []Spec{
			{
				Ref:        Ref{Kind: KindResourceGroup, Name: rg},
				Location:   s.Location,
				Properties: map[string]string{PropLocation: s.Location},
			},
			{
				Ref:      Ref{Kind: KindStorageAccount, ResourceGroup: rg, Name: account},
				Location: s.Location,
				Properties: map[string]string{
					PropLocation: s.Location,
					PropSKU:      "Standard_LRS",
				},
			},
			{
				Ref:        Ref{Kind: KindFileShare, ResourceGroup: rg, Parent: account, Name: r.FileShare},
				Properties: map[string]string{PropQuotaGiB: "1"},
			},
			{
				Ref:        Ref{Kind: KindConfigFile, ResourceGroup: rg, Parent: account + "/" + r.FileShare, Name: r.ConfigFileName},
				Properties: map[string]string{PropSHA256: digest},
				Payload:    slices.Clone(serverConfig),
			},
			{
				Ref:      Ref{Kind: KindContainerGroup, ResourceGroup: rg, Name: group},
				Location: s.Location,
				Properties: map[string]string{
					PropLocation:     s.Location,
					PropImage:        r.Image,
					PropCPU:          strconv.FormatFloat(r.CPU, 'f', -1, 64),
					PropMemoryGB:     strconv.FormatFloat(r.MemoryGB, 'f', -1, 64),
					PropPort:         strconv.Itoa(s.V2RayPort),
					PropDNSLabel:     group,
					PropConfigSHA256: digest,
				},
				Container: &ContainerSpec{
					ContainerName:  r.ContainerName,
					Image:          r.Image,
					Command:        []string{"v2ray", "run", "-c", r.MountPath + "/" + r.ConfigFileName},
					CPU:            r.CPU,
					MemoryGB:       r.MemoryGB,
					Port:           s.V2RayPort,
					DNSLabel:       group,
					StorageAccount: account,
					FileShare:      r.FileShare,
					MountPath:      r.MountPath,
				},
			},
		},
	}
}
