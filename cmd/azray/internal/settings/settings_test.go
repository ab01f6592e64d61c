// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package settings

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

const testClientID = "550e8400-e29b-41d4-a716-446655440000"

// envLookup returns a LookupEnv backed by a map.
func envLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func requiredEnv() map[string]string {
	return map[string]string{
		"AZURE_CLIENT_ID":     "app-id",
		"AZURE_CLIENT_SECRET": "s3cret",
		"AZURE_TENANT_ID":     "tenant-id",
		"V2RAY_CLIENT_ID":     testClientID,
	}
}

// =============================================================================
// Load
// =============================================================================

func TestLoad_AppliesDefaults(t *testing.T) {
	s, err := Load(LoadOptions{LookupEnv: envLookup(requiredEnv())})
	require.NoError(t, err)

	assert.Equal(t, "az-ray-rg", s.ResourceGroup)
	assert.Equal(t, "southeastasia", s.Location)
	assert.Equal(t, 1080, s.SOCKSPort)
	assert.Equal(t, 600*time.Second, s.HealthInterval)
	assert.Equal(t, 3, s.FailureThreshold)
	assert.Equal(t, 6, s.RecreateThreshold)
	assert.Equal(t, 443, s.V2RayPort)
	assert.Equal(t, "/azrayws", s.V2RayPath)
	assert.Empty(t, s.DomainFile)
	assert.True(t, s.HasClientSecret())
	assert.Equal(t, DefaultBuiltinDomains, s.BuiltinDomains)
}

func TestLoad_BatchesEveryMissingRequiredVariable(t *testing.T) {
	_, err := Load(LoadOptions{LookupEnv: envLookup(map[string]string{
		"AZURE_TENANT_ID": "tenant-id",
	})})
	require.Error(t, err)

	var cfgErr *util.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, []string{"AZURE_CLIENT_ID", "AZURE_CLIENT_SECRET", "V2RAY_CLIENT_ID"}, cfgErr.Missing)
	assert.Empty(t, cfgErr.Invalid, "required-but-missing fields must not be reported twice")
}

func TestLoad_BlankRequiredValueCountsAsMissing(t *testing.T) {
	env := requiredEnv()
	env["AZURE_CLIENT_SECRET"] = "   "
	_, err := Load(LoadOptions{LookupEnv: envLookup(env)})

	var cfgErr *util.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, []string{"AZURE_CLIENT_SECRET"}, cfgErr.Missing)
}

func TestLoad_ReportsMissingAndInvalidTogether(t *testing.T) {
	env := requiredEnv()
	delete(env, "AZURE_CLIENT_ID")
	env["SOCKS5_PORT"] = "70000"
	env["HEALTH_CHECK_INTERVAL"] = "soon"

	_, err := Load(LoadOptions{LookupEnv: envLookup(env)})
	var cfgErr *util.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, []string{"AZURE_CLIENT_ID"}, cfgErr.Missing)
	require.Len(t, cfgErr.Invalid, 2)
	assert.Contains(t, cfgErr.Error(), "SOCKS5_PORT")
	assert.Contains(t, cfgErr.Error(), "HEALTH_CHECK_INTERVAL")
}

func TestLoad_RejectsMalformedClientID(t *testing.T) {
	env := requiredEnv()
	env["V2RAY_CLIENT_ID"] = "not-a-uuid"
	_, err := Load(LoadOptions{LookupEnv: envLookup(env)})

	var cfgErr *util.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Len(t, cfgErr.Invalid, 1)
	assert.True(t, strings.HasPrefix(cfgErr.Invalid[0], "V2RAY_CLIENT_ID"))
}

func TestLoad_CanonicalizesClientID(t *testing.T) {
	env := requiredEnv()
	env["V2RAY_CLIENT_ID"] = "{550E8400-E29B-41D4-A716-446655440000}"
	s, err := Load(LoadOptions{LookupEnv: envLookup(env)})
	require.NoError(t, err)
	assert.Equal(t, testClientID, s.V2RayClientID)
}

func TestLoad_NormalizesLocation(t *testing.T) {
	env := requiredEnv()
	env["AZURE_LOCATION"] = " Southeast Asia "
	s, err := Load(LoadOptions{LookupEnv: envLookup(env)})
	require.NoError(t, err)
	assert.Equal(t, "southeastasia", s.Location)
}

func TestNormalizeLocation(t *testing.T) {
	assert.Equal(t, "eastus2", NormalizeLocation("East US 2"))
	assert.Equal(t, "westeurope", NormalizeLocation("westeurope"))
	assert.Equal(t, "", NormalizeLocation("   "))
}

func TestLoad_DurationsAcceptSecondsOrGoSyntax(t *testing.T) {
	env := requiredEnv()
	env["HEALTH_CHECK_INTERVAL"] = "30"
	env["DOMAIN_POLL_INTERVAL"] = "500ms"
	s, err := Load(LoadOptions{LookupEnv: envLookup(env)})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, s.HealthInterval)
	assert.Equal(t, 500*time.Millisecond, s.DomainPollInterval)
}

func TestLoad_RecreateThresholdMustExceedFailureThreshold(t *testing.T) {
	env := requiredEnv()
	env["HEALTH_FAILURE_THRESHOLD"] = "4"
	env["HEALTH_RECREATE_THRESHOLD"] = "4"
	_, err := Load(LoadOptions{LookupEnv: envLookup(env)})

	var cfgErr *util.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Error(), "HEALTH_RECREATE_THRESHOLD")
}

func TestLoad_MissingDomainFileIsConfigurationError(t *testing.T) {
	env := requiredEnv()
	env["DOMAIN_FILE"] = "/non/existent/file.txt"
	_, err := Load(LoadOptions{LookupEnv: envLookup(env)})

	var cfgErr *util.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Error(), "DOMAIN_FILE")
}

func TestLoad_ExistingDomainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domains.txt")
	require.NoError(t, os.WriteFile(path, []byte("google.com\n"), 0o644))
	env := requiredEnv()
	env["DOMAIN_FILE"] = path
	s, err := Load(LoadOptions{LookupEnv: envLookup(env)})
	require.NoError(t, err)
	assert.Equal(t, path, s.DomainFile)
}

// =============================================================================
// YAML layer
// =============================================================================

func TestLoad_YAMLFileUnderEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "azray.yaml")
	content := `
env:
  AZURE_LOCATION: eastasia
  SOCKS5_PORT: 1081
  azure_resource_group: from-file-rg
builtin_domains:
  - example.org
remote:
  image: v2fly/v2fly-core:v5.16.1
  memory_gb: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	env := requiredEnv()
	env["AZURE_RESOURCE_GROUP"] = "from-env-rg"
	s, err := Load(LoadOptions{ConfigFile: path, LookupEnv: envLookup(env)})
	require.NoError(t, err)

	assert.Equal(t, "eastasia", s.Location)
	assert.Equal(t, 1081, s.SOCKSPort)
	assert.Equal(t, "from-env-rg", s.ResourceGroup, "environment wins over file")
	assert.Equal(t, []string{"example.org"}, s.BuiltinDomains)
	assert.Equal(t, "v2fly/v2fly-core:v5.16.1", s.Remote.Image)
	assert.Equal(t, 0.5, s.Remote.MemoryGB)
	assert.Equal(t, 1.0, s.Remote.CPU)
}

func TestLoad_YAMLMayNotCarrySecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "azray.yaml")
	require.NoError(t, os.WriteFile(path, []byte("env:\n  AZURE_CLIENT_SECRET: oops\n"), 0o644))
	_, err := Load(LoadOptions{ConfigFile: path, LookupEnv: envLookup(requiredEnv())})

	var cfgErr *util.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Error(), "AZURE_CLIENT_SECRET")
}

func TestLoad_UnreadableYAML(t *testing.T) {
	_, err := Load(LoadOptions{ConfigFile: "/no/such/azray.yaml", LookupEnv: envLookup(requiredEnv())})
	var cfgErr *util.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Error(t, cfgErr.Err)
}

// =============================================================================
// Naming and secrets
// =============================================================================

func TestUniqueName(t *testing.T) {
	s := Defaults()
	s.V2RayClientID = testClientID

	assert.Equal(t, "azraystore550e8400", s.StorageAccountName())
	assert.Equal(t, "azraycontainer550e8400", s.ContainerGroupName())
	assert.Equal(t, "mixedcase550e8400", s.UniqueName("MixedCase"))
}

func TestWithClientSecret(t *testing.T) {
	s := Defaults().WithSecret("s3cret")
	var seen string
	err := s.WithClientSecret(func(secret string) error {
		seen = strings.Clone(secret)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", seen)

	empty := Defaults()
	assert.Error(t, empty.WithClientSecret(func(string) error { return nil }))
}

func TestLogValue_DoesNotLeakSecret(t *testing.T) {
	s := Defaults().WithSecret("s3cret")
	s.V2RayClientID = testClientID
	rendered := s.LogValue().String()
	assert.NotContains(t, rendered, "s3cret")
	assert.Contains(t, rendered, "client_secret_present")
}

func TestWithSubscription_KeepsSecretAndOriginal(t *testing.T) {
	s := Defaults().WithSecret("s3cret")

	bound := s.WithSubscription("00000000-1111-2222-3333-444444444444")

	assert.Empty(t, s.SubscriptionID)
	assert.Equal(t, "00000000-1111-2222-3333-444444444444", bound.SubscriptionID)
	assert.True(t, bound.HasClientSecret())
}
