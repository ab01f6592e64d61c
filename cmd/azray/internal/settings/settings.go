// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package settings turns the process environment into an immutable,
// validated Settings snapshot.
//
// # Description
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. Every missing required variable and every
// invalid value is collected before returning, so one failed start tells
// the operator everything that needs fixing.
//
// # Thread Safety
//
// A *Settings is never mutated after Load returns and may be shared
// freely between goroutines.
package settings

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

// Remote resource defaults, matching the published v2fly container layout.
const (
	DefaultResourceGroup      = "az-ray-rg"
	DefaultLocation           = "southeastasia"
	DefaultV2RayPort          = 443
	DefaultV2RayPath          = "/azrayws"
	DefaultSOCKSPort          = 1080
	DefaultSOCKSListen        = "127.0.0.1"
	DefaultStorageAccountBase = "azraystore"
	DefaultFileShare          = "v2ray-config"
	DefaultConfigFileName     = "config.json"
	DefaultContainerGroupBase = "azraycontainer"
	DefaultContainerName      = "azray"
	DefaultImage              = "v2fly/v2fly-core:latest"
	DefaultContainerMountPath = "/etc/v2ray"
	DefaultProbeURL           = "https://www.google.com"
	DefaultProxyBinary        = "v2ray"
	DefaultFailureThreshold   = 3
	DefaultRecreateThreshold  = 6
	DefaultProvisionAttempts  = 3
)

// DefaultBuiltinDomains is the routing list used when the YAML file does
// not supply builtin_domains.
var DefaultBuiltinDomains = []string{
	"google.com", "youtube.com", "facebook.com", "twitter.com",
	"instagram.com", "github.com", "gmail.com", "blogspot.com",
	"wikipedia.org", "t.co", "bit.ly", "dropbox.com", "pinterest.com",
	"tumblr.com", "reddit.com", "vimeo.com", "dailymotion.com",
	"wordpress.com", "flickr.com", "imgur.com",
}

// Remote describes the cloud resources az-ray provisions.
//
// Base names are made unique per deployment with Settings.UniqueName.
type Remote struct {
	StorageAccountBase string  `yaml:"storage_account_base" validate:"required,alphanum,lowercase,max=16"`
	FileShare          string  `yaml:"file_share" validate:"required"`
	ConfigFileName     string  `yaml:"config_file_name" validate:"required"`
	ContainerGroupBase string  `yaml:"container_group_base" validate:"required,alphanum,lowercase,max=40"`
	ContainerName      string  `yaml:"container_name" validate:"required"`
	Image              string  `yaml:"image" validate:"required"`
	MountPath          string  `yaml:"mount_path" validate:"required,startswith=/"`
	CPU                float64 `yaml:"cpu" validate:"gt=0,lte=4"`
	MemoryGB           float64 `yaml:"memory_gb" validate:"gt=0,lte=16"`
}

// Settings is the immutable snapshot of every externally supplied
// parameter.
//
// # Description
//
// Created once by Load and passed by pointer to every component. The
// struct tag `env` names the variable each field is read from; error
// messages use that name so operators see the variable they must set.
//
// The client secret is not a field: it is sealed in a memguard enclave
// and only opened inside WithClientSecret.
type Settings struct {
	AzureClientID  string `env:"AZURE_CLIENT_ID" validate:"required"`
	AzureTenantID  string `env:"AZURE_TENANT_ID" validate:"required"`
	SubscriptionID string `env:"AZURE_SUBSCRIPTION_ID"`
	ResourceGroup  string `env:"AZURE_RESOURCE_GROUP" validate:"required,max=90"`
	Location       string `env:"AZURE_LOCATION" validate:"required"`

	// V2RayClientID is the routing identity shared by client and server.
	V2RayClientID string `env:"V2RAY_CLIENT_ID" validate:"required"`
	V2RayPort     int    `env:"V2RAY_PORT" validate:"min=1,max=65535"`
	V2RayPath     string `env:"V2RAY_PATH" validate:"required,startswith=/"`

	SOCKSListen string `env:"SOCKS5_LISTEN" validate:"required,ip"`
	SOCKSPort   int    `env:"SOCKS5_PORT" validate:"min=1,max=65535"`

	HealthInterval     time.Duration `env:"HEALTH_CHECK_INTERVAL" validate:"gt=0"`
	HealthProbeURL     string        `env:"HEALTH_PROBE_URL" validate:"required,url"`
	HealthProbeTimeout time.Duration `env:"HEALTH_PROBE_TIMEOUT" validate:"gt=0"`
	FailureThreshold   int           `env:"HEALTH_FAILURE_THRESHOLD" validate:"min=1"`
	RecreateThreshold  int           `env:"HEALTH_RECREATE_THRESHOLD" validate:"gtfield=FailureThreshold"`

	DomainFile         string        `env:"DOMAIN_FILE"`
	DomainPollInterval time.Duration `env:"DOMAIN_POLL_INTERVAL" validate:"gt=0"`
	BuiltinDomains     []string      `env:"-"`

	ProxyBinary string `env:"V2RAY_BINARY" validate:"required"`
	AssetDir    string `env:"V2RAY_ASSET_DIR"`
	StateDir    string `env:"AZRAY_STATE_DIR" validate:"required"`

	ProvisionMaxAttempts int `env:"PROVISION_MAX_ATTEMPTS" validate:"min=1,max=10"`

	MetricsAddr   string `env:"AZRAY_METRICS_ADDR" validate:"omitempty,hostname_port"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceExporter string `env:"OTEL_TRACES_EXPORTER" validate:"omitempty,oneof=otlp stdout none"`
	LogDir        string `env:"AZRAY_LOG_DIR"`

	Remote Remote `env:"-"`

	clientSecret *memguard.Enclave
}

// Defaults returns Settings populated with every optional default and no
// credentials.
//
// Tests in other packages build their fixtures from this.
func Defaults() *Settings {
	return &Settings{
		ResourceGroup:        DefaultResourceGroup,
		Location:             DefaultLocation,
		V2RayPort:            DefaultV2RayPort,
		V2RayPath:            DefaultV2RayPath,
		SOCKSListen:          DefaultSOCKSListen,
		SOCKSPort:            DefaultSOCKSPort,
		HealthInterval:       600 * time.Second,
		HealthProbeURL:       DefaultProbeURL,
		HealthProbeTimeout:   30 * time.Second,
		FailureThreshold:     DefaultFailureThreshold,
		RecreateThreshold:    DefaultRecreateThreshold,
		DomainPollInterval:   2 * time.Second,
		ProxyBinary:          DefaultProxyBinary,
		StateDir:             filepath.Join(os.TempDir(), "azray"),
		ProvisionMaxAttempts: DefaultProvisionAttempts,
		Remote: Remote{
			StorageAccountBase: DefaultStorageAccountBase,
			FileShare:          DefaultFileShare,
			ConfigFileName:     DefaultConfigFileName,
			ContainerGroupBase: DefaultContainerGroupBase,
			ContainerName:      DefaultContainerName,
			Image:              DefaultImage,
			MountPath:          DefaultContainerMountPath,
			CPU:                1,
			MemoryGB:           1,
		},
	}
}

// UniqueName derives a deterministic, globally distinct resource name.
//
// # Description
//
// Appends the first eight hex characters of the client id (hyphens
// removed) to the lowercased base. Storage account names and DNS labels
// are global in Azure, so two deployments with different client ids never
// collide, while one deployment always finds its own resources again.
//
// # Examples
//
//	// V2RayClientID = "550e8400-e29b-41d4-a716-446655440000"
//	s.UniqueName("azraystore") // "azraystore550e8400"
func (s *Settings) UniqueName(base string) string {
	suffix := strings.ToLower(strings.ReplaceAll(s.V2RayClientID, "-", ""))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return strings.ToLower(base) + suffix
}

// StorageAccountName is the unique storage account name.
func (s *Settings) StorageAccountName() string {
	return s.UniqueName(s.Remote.StorageAccountBase)
}

// ContainerGroupName is the unique container group name, also used as DNS label.
func (s *Settings) ContainerGroupName() string {
	return s.UniqueName(s.Remote.ContainerGroupBase)
}

// SOCKSAddr is the local listening address of the proxy.
func (s *Settings) SOCKSAddr() string {
	return fmt.Sprintf("%s:%d", s.SOCKSListen, s.SOCKSPort)
}

// HasClientSecret reports whether a secret was loaded.
func (s *Settings) HasClientSecret() bool {
	return s.clientSecret != nil
}

// WithClientSecret opens the sealed secret, passes it to fn, and destroys
// the plaintext copy afterwards.
//
// # Inputs
//
//   - fn: receives the plaintext secret. It must not retain the string.
//
// # Outputs
//
//   - error: fn's error, or an error if no secret is loaded or the
//     enclave cannot be opened.
func (s *Settings) WithClientSecret(fn func(secret string) error) error {
	if s.clientSecret == nil {
		return fmt.Errorf("client secret not loaded")
	}
	buf, err := s.clientSecret.Open()
	if err != nil {
		return fmt.Errorf("open client secret: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// WithSecret returns a copy of s holding secret. Used by tests and by Load.
func (s *Settings) WithSecret(secret string) *Settings {
	clone := *s
	clone.BuiltinDomains = append([]string(nil), s.BuiltinDomains...)
	if secret != "" {
		clone.clientSecret = memguard.NewEnclave([]byte(secret))
	} else {
		clone.clientSecret = nil
	}
	return &clone
}

// WithSubscription returns a copy of s bound to a discovered subscription.
// The sealed secret is shared, not copied.
func (s *Settings) WithSubscription(id string) *Settings {
	clone := *s
	clone.BuiltinDomains = append([]string(nil), s.BuiltinDomains...)
	clone.SubscriptionID = id
	return &clone
}

// LogValue renders a redacted view for structured logging.
func (s *Settings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("resource_group", s.ResourceGroup),
		slog.String("location", s.Location),
		slog.String("subscription_id", s.SubscriptionID),
		slog.Bool("client_secret_present", s.HasClientSecret()),
		slog.String("socks", s.SOCKSAddr()),
		slog.Int("v2ray_port", s.V2RayPort),
		slog.Duration("health_interval", s.HealthInterval),
		slog.Int("failure_threshold", s.FailureThreshold),
		slog.Int("recreate_threshold", s.RecreateThreshold),
		slog.String("domain_file", s.DomainFile),
		slog.String("storage_account", s.StorageAccountName()),
		slog.String("container_group", s.ContainerGroupName()),
	)
}

var _ slog.LogValuer = (*Settings)(nil)
