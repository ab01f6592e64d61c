// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

// LoadOverrides parses a domain file.
//
// # Description
//
// One domain per line. Surrounding whitespace is trimmed, blank lines and
// lines starting with '#' are skipped silently. Lines that fail the
// domain grammar are skipped and recorded in the returned warning; they
// never fail the load. Duplicates are kept here and removed by Merge.
//
// # Inputs
//
//   - r: file contents (UTF-8)
//   - source: name used in the warning, usually the file path
//
// # Outputs
//
//   - []DomainRule: valid rules in file order, Source = SourceFile
//   - *util.PolicyLoadWarning: nil when every non-comment line was valid
//   - error: read failures only
func LoadOverrides(r io.Reader, source string) ([]DomainRule, *util.PolicyLoadWarning, error) {
	var (
		rules  []DomainRule
		issues []util.LineIssue
	)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d := Normalize(line)
		if reason, ok := check(d); !ok {
			issues = append(issues, util.LineIssue{Line: lineNo, Text: line, Reason: reason})
			continue
		}
		rules = append(rules, DomainRule{Domain: d, Source: SourceFile, Valid: true})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read domain file %s: %w", source, err)
	}

	if len(issues) == 0 {
		return rules, nil, nil
	}
	return rules, &util.PolicyLoadWarning{Source: source, Issues: issues}, nil
}

// LoadOverridesFile opens path and calls LoadOverrides.
func LoadOverridesFile(path string) ([]DomainRule, *util.PolicyLoadWarning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open domain file: %w", err)
	}
	defer f.Close()
	return LoadOverrides(f, path)
}

// =============================================================================
// Store
// =============================================================================

// Store produces the current DomainPolicy from the builtin defaults and
// the optional override file.
//
// # Thread Safety
//
// Store holds no mutable state after construction; Load may be called
// from any goroutine.
type Store struct {
	defaults DomainPolicy
	path     string
	logger   *slog.Logger
}

// NewStore creates a Store.
//
// # Inputs
//
//   - builtin: default domains; invalid names are dropped
//   - path: override file, or "" for defaults only
//   - logger: receives one warning per load with skipped lines
func NewStore(builtin []string, path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		defaults: LoadDefaults(builtin),
		path:     path,
		logger:   logger.With("component", "policy"),
	}
}

// Path returns the override file path, or "".
func (s *Store) Path() string {
	return s.path
}

// Defaults returns the builtin policy.
func (s *Store) Defaults() DomainPolicy {
	return s.defaults
}

// Load reads the override file and merges it after the defaults.
//
// # Outputs
//
//   - DomainPolicy: the merged policy. On a read error this is the
//     defaults-only policy, so callers that choose to continue still
//     route the builtin domains.
//   - *util.PolicyLoadWarning: skipped lines, already logged
//   - error: the file could not be opened or read (wraps fs.ErrNotExist
//     when it is missing)
func (s *Store) Load() (DomainPolicy, *util.PolicyLoadWarning, error) {
	if s.path == "" {
		return s.defaults, nil, nil
	}
	overrides, warning, err := LoadOverridesFile(s.path)
	if err != nil {
		return s.defaults, nil, err
	}
	if warning != nil {
		s.logger.Warn("skipped malformed domain lines",
			"path", s.path,
			"skipped", len(warning.Issues),
			"detail", warning.Error(),
		)
	}
	merged := Merge(s.defaults, overrides)
	s.logger.Debug("domain policy loaded",
		"path", s.path,
		"builtin", merged.CountBySource(SourceBuiltin),
		"file", merged.CountBySource(SourceFile),
	)
	return merged, warning, nil
}
