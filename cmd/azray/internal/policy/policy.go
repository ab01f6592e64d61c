// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy holds the ordered set of domains routed through the proxy.
//
// # Description
//
// A DomainPolicy is built from built-in defaults followed by entries read
// from the operator's domain file. It is a value: every reload produces a
// new policy and the old one is discarded. Diff tells the watcher whether
// a reload actually changed anything, so touching the file without editing
// it never restarts the proxy.
//
// # Invariants
//
//   - no two rules share a normalized domain
//   - insertion order is preserved (defaults first, then file order)
//   - every rule is syntactically valid
package policy

import (
	"slices"
	"strings"
)

// Source records where a rule came from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceFile    Source = "file"
)

// DomainRule is one routing entry.
type DomainRule struct {
	// Domain is the normalized domain name.
	Domain string

	// Source is builtin or file.
	Source Source

	// Valid is false for entries rejected by the grammar. Invalid rules
	// never enter a DomainPolicy.
	Valid bool
}

// DomainPolicy is an ordered, deduplicated list of valid rules.
//
// The zero value is an empty policy.
type DomainPolicy struct {
	rules []DomainRule
}

// NewPolicy builds a policy from rules, dropping invalid entries and later
// duplicates.
func NewPolicy(rules ...DomainRule) DomainPolicy {
	seen := make(map[string]struct{}, len(rules))
	out := make([]DomainRule, 0, len(rules))
	for _, r := range rules {
		if !r.Valid {
			continue
		}
		if _, dup := seen[r.Domain]; dup {
			continue
		}
		seen[r.Domain] = struct{}{}
		out = append(out, r)
	}
	return DomainPolicy{rules: out}
}

// LoadDefaults builds the builtin policy from a list of domain names.
// Names that fail the grammar are dropped.
func LoadDefaults(domains []string) DomainPolicy {
	rules := make([]DomainRule, 0, len(domains))
	for _, d := range domains {
		rules = append(rules, newRule(d, SourceBuiltin))
	}
	return NewPolicy(rules...)
}

// Merge appends overrides after defaults. Overrides whose normalized
// domain is already present are silently dropped.
func Merge(defaults DomainPolicy, overrides []DomainRule) DomainPolicy {
	all := make([]DomainRule, 0, len(defaults.rules)+len(overrides))
	all = append(all, defaults.rules...)
	all = append(all, overrides...)
	return NewPolicy(all...)
}

// Diff reports whether next differs from prev in content or order.
func Diff(prev, next DomainPolicy) bool {
	return !slices.Equal(prev.Domains(), next.Domains())
}

// Rules returns a copy of the rules in order.
func (p DomainPolicy) Rules() []DomainRule {
	return slices.Clone(p.rules)
}

// Domains returns the normalized domains in order.
func (p DomainPolicy) Domains() []string {
	out := make([]string, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.Domain
	}
	return out
}

// Len returns the number of rules.
func (p DomainPolicy) Len() int {
	return len(p.rules)
}

// Contains reports whether domain (normalized first) is in the policy.
func (p DomainPolicy) Contains(domain string) bool {
	n := Normalize(domain)
	return slices.ContainsFunc(p.rules, func(r DomainRule) bool { return r.Domain == n })
}

// CountBySource returns how many rules came from src.
func (p DomainPolicy) CountBySource(src Source) int {
	n := 0
	for _, r := range p.rules {
		if r.Source == src {
			n++
		}
	}
	return n
}

// =============================================================================
// Grammar
// =============================================================================

const (
	maxDomainLength = 253
	maxLabelLength  = 63
)

// Normalize lowercases, trims and strips one trailing dot.
func Normalize(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimSuffix(d, ".")
}

// Valid reports whether domain matches the domain-name grammar: labels of
// letters, digits and hyphens separated by dots, no label starting or
// ending with a hyphen.
func Valid(domain string) bool {
	_, ok := check(Normalize(domain))
	return ok
}

// check returns a reason when d is not a valid normalized domain.
func check(d string) (string, bool) {
	if d == "" {
		return "empty domain", false
	}
	if len(d) > maxDomainLength {
		return "domain longer than 253 characters", false
	}
	for _, label := range strings.Split(d, ".") {
		if label == "" {
			return "empty label", false
		}
		if len(label) > maxLabelLength {
			return "label longer than 63 characters", false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return "label starts or ends with a hyphen", false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return "invalid character in label", false
			}
		}
	}
	return "", true
}

func newRule(raw string, src Source) DomainRule {
	d := Normalize(raw)
	_, ok := check(d)
	return DomainRule{Domain: d, Source: src, Valid: ok}
}
