// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxErrorLength bounds a sanitized message in runes.
const DefaultMaxErrorLength = 200

// SanitizationPattern is one redaction rule.
type SanitizationPattern struct {
	// Name is a human-readable pattern identifier.
	Name string

	// Pattern is the compiled regex to match.
	Pattern *regexp.Regexp

	// Replacement is the string to replace matches with.
	Replacement string
}

// DefaultSanitizationPatterns covers what storage and driver errors leak.
//
// # Description
//
// Connection strings come first so their embedded credentials and hosts
// are removed as a whole before the narrower rules run.
func DefaultSanitizationPatterns() []SanitizationPattern {
	return []SanitizationPattern{
		{
			Name:        "dsn",
			Pattern:     regexp.MustCompile(`(?i)\b(postgres(?:ql)?|mysql|redis|mongodb(?:\+srv)?)://\S+`),
			Replacement: "[DSN_REDACTED]",
		},
		{
			Name:        "kv_secret",
			Pattern:     regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_\-]?key)\s*[=:]\s*\S+`),
			Replacement: "$1=[REDACTED]",
		},
		{
			Name:        "bearer",
			Pattern:     regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
			Replacement: "Bearer [TOKEN_REDACTED]",
		},
		{
			Name:        "jwt",
			Pattern:     regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: "[JWT_REDACTED]",
		},
		{
			Name:        "email",
			Pattern:     regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
			Replacement: "[EMAIL_REDACTED]",
		},
		{
			Name:        "ipv4",
			Pattern:     regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?\b`),
			Replacement: "[IP_REDACTED]",
		},
		{
			Name:        "home_path",
			Pattern:     regexp.MustCompile(`/(?:home|Users)/[a-zA-Z0-9_\-]+/`),
			Replacement: "/[USER]/",
		},
	}
}

// Sanitizer scrubs error text before it is logged.
//
// # Description
//
// Keeps only the first line (no stack traces or driver detail blocks),
// applies the redaction patterns in order, then truncates.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Sanitizer struct {
	patterns  []SanitizationPattern
	maxLength int
}

// NewSanitizer creates a sanitizer. nil patterns uses the defaults.
func NewSanitizer(patterns []SanitizationPattern, maxLength int) *Sanitizer {
	if patterns == nil {
		patterns = DefaultSanitizationPatterns()
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxErrorLength
	}
	return &Sanitizer{patterns: patterns, maxLength: maxLength}
}

// Sanitize returns the scrubbed first line of msg.
func (s *Sanitizer) Sanitize(msg string) string {
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)
	for _, p := range s.patterns {
		msg = p.Pattern.ReplaceAllString(msg, p.Replacement)
	}
	if utf8.RuneCountInString(msg) > s.maxLength {
		runes := []rune(msg)
		msg = string(runes[:s.maxLength]) + "…"
	}
	return msg
}

// SanitizeError is Sanitize for an error value; nil yields "".
func (s *Sanitizer) SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return s.Sanitize(err.Error())
}
