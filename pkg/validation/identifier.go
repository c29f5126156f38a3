// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for identifiers that end
// up in database queries or report output. Host names and issue ids
// arrive from run output and CLI arguments; validating them here keeps
// injection-shaped garbage out of the stores.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// hostPattern matches RFC 952/1123-style host identifiers: labels of
// letters, digits, and hyphens joined by dots. Max 253 characters.
var hostPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,62})?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,62})?)*$`)

// issueIDPattern matches the hex content-hash ids the issue store uses.
var issueIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// ValidateHost validates one host identifier.
func ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("host identifier cannot be empty")
	}
	if len(host) > 253 {
		return fmt.Errorf("host identifier too long: %d chars", len(host))
	}
	if !hostPattern.MatchString(host) {
		return fmt.Errorf("invalid host identifier: %q", host)
	}
	return nil
}

// FilterHosts returns the valid subset of host identifiers and the list
// of rejects. Run output is untrusted; one mangled recap line must not
// fail the whole cycle.
func FilterHosts(hosts []string) (valid, rejected []string) {
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if err := ValidateHost(host); err != nil {
			rejected = append(rejected, host)
			continue
		}
		valid = append(valid, host)
	}
	return valid, rejected
}

// ValidateIssueID validates an issue id supplied on the command line.
func ValidateIssueID(id string) error {
	if !issueIDPattern.MatchString(id) {
		return fmt.Errorf("invalid issue id: %q (expected 16 hex chars)", id)
	}
	return nil
}
