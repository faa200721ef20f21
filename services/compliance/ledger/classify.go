// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import "strings"

var (
	criticalKeywords = []string{"delete", "revoke", "suspend", "purge"}
	warningKeywords  = []string{"export", "rotate", "remove"}
)

var categoryByPrefix = map[string]Category{
	"auth":         CategoryAuthentication,
	"login":        CategoryAuthentication,
	"session":      CategoryData,
	"data":         CategoryData,
	"export":       CategoryData,
	"team":         CategoryAdministration,
	"member":       CategoryAdministration,
	"user":         CategoryAdministration,
	"role":         CategoryAdministration,
	"key":          CategorySecurity,
	"token":        CategorySecurity,
	"secret":       CategorySecurity,
	"billing":      CategoryBilling,
	"subscription": CategoryBilling,
}

// ClassifySeverity applies the keyword rules to an action name.
//
// Critical beats warning: "session.export_delete" is critical.
func ClassifySeverity(action string) Severity {
	a := strings.ToLower(action)
	if a == ActionAuthLoginFailed {
		return SeverityCritical
	}
	for _, kw := range criticalKeywords {
		if strings.Contains(a, kw) {
			return SeverityCritical
		}
	}
	for _, kw := range warningKeywords {
		if strings.Contains(a, kw) {
			return SeverityWarning
		}
	}
	return SeverityInfo
}

// ClassifyCategory maps the first dot-separated segment of action.
func ClassifyCategory(action string) Category {
	prefix, _, _ := strings.Cut(strings.ToLower(action), ".")
	if c, ok := categoryByPrefix[prefix]; ok {
		return c
	}
	return CategorySystem
}
