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
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

// Environment variable names that are not plain struct fields.
const (
	EnvClientSecret = "AZURE_CLIENT_SECRET"
)

// requiredVars lists every variable that has no default, in report order.
var requiredVars = []string{
	"AZURE_CLIENT_ID",
	EnvClientSecret,
	"AZURE_TENANT_ID",
	"V2RAY_CLIENT_ID",
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// ConfigFile is an optional YAML file layered under the environment.
	ConfigFile string

	// LookupEnv replaces os.LookupEnv. Tests supply a map-backed lookup.
	LookupEnv func(key string) (string, bool)
}

// Load builds a validated Settings snapshot.
//
// # Description
//
// Applies defaults, the optional YAML file, then environment variables.
// Every missing required variable and every invalid value is collected
// into a single *util.ConfigurationError.
//
// # Inputs
//
//   - opts: sources to read. A zero value reads the real environment only.
//
// # Outputs
//
//   - *Settings: immutable snapshot, never nil on success
//   - error: *util.ConfigurationError listing every problem found
//
// # Examples
//
//	s, err := settings.Load(settings.LoadOptions{ConfigFile: cfgPath})
//	if err != nil {
//	    return err // exit code 2
//	}
func Load(opts LoadOptions) (*Settings, error) {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	s := Defaults()
	s.BuiltinDomains = append([]string(nil), DefaultBuiltinDomains...)
	cfgErr := &util.ConfigurationError{}

	values := map[string]string{}
	if opts.ConfigFile != "" {
		fc, err := readFile(opts.ConfigFile)
		if err != nil {
			return nil, &util.ConfigurationError{Err: err}
		}
		for k, v := range fc.Env {
			values[strings.ToUpper(k)] = v
		}
		if fc.BuiltinDomains != nil {
			s.BuiltinDomains = fc.BuiltinDomains
		}
		if fc.Remote != nil {
			fc.Remote.mergeInto(&s.Remote)
		}
	}
	for _, key := range knownVars() {
		if v, ok := lookup(key); ok {
			values[key] = v
		}
	}

	for _, key := range requiredVars {
		if strings.TrimSpace(values[key]) == "" {
			cfgErr.Missing = append(cfgErr.Missing, key)
		}
	}

	assignFields(s, values, cfgErr)
	s.Location = NormalizeLocation(s.Location)
	secret := strings.TrimSpace(values[EnvClientSecret])

	if s.V2RayClientID != "" {
		id, err := uuid.Parse(s.V2RayClientID)
		if err != nil {
			cfgErr.Invalid = append(cfgErr.Invalid, fmt.Sprintf("V2RAY_CLIENT_ID: %v", err))
		} else {
			s.V2RayClientID = id.String()
		}
	}
	validateStruct(s, cfgErr)
	checkPaths(s, cfgErr)

	if !cfgErr.Empty() {
		sort.Strings(cfgErr.Invalid)
		return nil, cfgErr
	}
	return s.WithSecret(secret), nil
}

// NormalizeLocation maps a region display name such as "Southeast Asia"
// onto the canonical form ARM reports back ("southeastasia").
func NormalizeLocation(loc string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(loc), " ", ""))
}

// knownVars returns every variable name Load reads, secret included.
func knownVars() []string {
	vars := []string{EnvClientSecret}
	t := reflect.TypeOf(Settings{})
	for i := 0; i < t.NumField(); i++ {
		if name := t.Field(i).Tag.Get("env"); name != "" && name != "-" {
			vars = append(vars, name)
		}
	}
	return vars
}

// assignFields parses raw values into the typed fields named by their env tag.
func assignFields(s *Settings, values map[string]string, cfgErr *util.ConfigurationError) {
	v := reflect.ValueOf(s).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := t.Field(i).Tag.Get("env")
		if name == "" || name == "-" {
			continue
		}
		raw, ok := values[name]
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		field := v.Field(i)
		switch field.Interface().(type) {
		case string:
			field.SetString(raw)
		case int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				cfgErr.Invalid = append(cfgErr.Invalid, fmt.Sprintf("%s: %q is not an integer", name, raw))
				continue
			}
			field.SetInt(int64(n))
		case time.Duration:
			d, err := parseSeconds(raw)
			if err != nil {
				cfgErr.Invalid = append(cfgErr.Invalid, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			field.SetInt(int64(d))
		}
	}
}

// parseSeconds accepts a bare integer number of seconds or a Go duration.
func parseSeconds(raw string) (time.Duration, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is neither seconds nor a duration", raw)
	}
	return d, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("env"); name != "" && name != "-" {
			return name
		}
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs tag validation and records one entry per violation.
func validateStruct(s *Settings, cfgErr *util.ConfigurationError) {
	err := validate.Struct(s)
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		cfgErr.Invalid = append(cfgErr.Invalid, err.Error())
		return
	}
	for _, fe := range verrs {
		name := fe.Field()
		if strings.Contains(fe.Namespace(), ".Remote.") {
			name = "remote." + name
		}
		if fe.Tag() == "required" && slices.Contains(cfgErr.Missing, name) {
			continue
		}
		cfgErr.Invalid = append(cfgErr.Invalid, fmt.Sprintf("%s: %s", name, describe(fe)))
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "must not be empty"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gtfield":
		return "must be greater than HEALTH_FAILURE_THRESHOLD"
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// checkPaths verifies files the operator pointed at actually exist.
func checkPaths(s *Settings, cfgErr *util.ConfigurationError) {
	if s.DomainFile != "" {
		info, err := os.Stat(s.DomainFile)
		switch {
		case err != nil:
			cfgErr.Invalid = append(cfgErr.Invalid, fmt.Sprintf("DOMAIN_FILE: cannot read %s: %v", s.DomainFile, err))
		case info.IsDir():
			cfgErr.Invalid = append(cfgErr.Invalid, fmt.Sprintf("DOMAIN_FILE: %s is a directory", s.DomainFile))
		}
	}
	if s.AssetDir != "" {
		for _, name := range []string{"geoip.dat", "geosite.dat"} {
			if _, err := os.Stat(filepath.Join(s.AssetDir, name)); err != nil {
				cfgErr.Invalid = append(cfgErr.Invalid, fmt.Sprintf("V2RAY_ASSET_DIR: %s missing", name))
			}
		}
	}
}
