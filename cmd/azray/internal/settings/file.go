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
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML layer.
//
// Example:
//
//	env:
//	  AZURE_LOCATION: eastasia
//	  SOCKS5_PORT: 1081
//	builtin_domains:
//	  - google.com
//	  - github.com
//	remote:
//	  image: v2fly/v2fly-core:v5.16.1
//	  memory_gb: 0.5
type fileConfig struct {
	Env            map[string]string `yaml:"-"`
	RawEnv         map[string]any    `yaml:"env"`
	BuiltinDomains []string          `yaml:"builtin_domains"`
	Remote         *remoteOverrides  `yaml:"remote"`
}

// remoteOverrides holds the subset of Remote that may be set from YAML.
// Zero values mean "keep the default".
type remoteOverrides struct {
	StorageAccountBase string  `yaml:"storage_account_base"`
	FileShare          string  `yaml:"file_share"`
	ConfigFileName     string  `yaml:"config_file_name"`
	ContainerGroupBase string  `yaml:"container_group_base"`
	ContainerName      string  `yaml:"container_name"`
	Image              string  `yaml:"image"`
	MountPath          string  `yaml:"mount_path"`
	CPU                float64 `yaml:"cpu"`
	MemoryGB           float64 `yaml:"memory_gb"`
}

func (o *remoteOverrides) mergeInto(r *Remote) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&r.StorageAccountBase, o.StorageAccountBase)
	setString(&r.FileShare, o.FileShare)
	setString(&r.ConfigFileName, o.ConfigFileName)
	setString(&r.ContainerGroupBase, o.ContainerGroupBase)
	setString(&r.ContainerName, o.ContainerName)
	setString(&r.Image, o.Image)
	setString(&r.MountPath, o.MountPath)
	if o.CPU > 0 {
		r.CPU = o.CPU
	}
	if o.MemoryGB > 0 {
		r.MemoryGB = o.MemoryGB
	}
}

// readFile parses the YAML layer. Scalar env values of any YAML type are
// rendered to strings so they go through the same parsing as real
// environment variables.
func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	fc.Env = make(map[string]string, len(fc.RawEnv))
	for k, v := range fc.RawEnv {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("config file %s: env.%s must be a scalar", path, k)
		case nil:
			fc.Env[strings.ToUpper(k)] = ""
		default:
			fc.Env[strings.ToUpper(k)] = fmt.Sprint(v)
		}
	}
	if fc.RawEnv != nil {
		if _, ok := fc.Env[EnvClientSecret]; ok {
			return nil, fmt.Errorf("config file %s: %s must come from the environment", path, EnvClientSecret)
		}
	}
	return &fc, nil
}
