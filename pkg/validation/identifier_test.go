// Copyright (C) 2025 Opsforge Labs (oss@opsforge.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateHost(t *testing.T) {
	cases := []struct {
		name    string
		host    string
		wantErr bool
	}{
		{"simple", "node-01", false},
		{"fqdn", "node-01.prod.example.com", false},
		{"single char", "a", false},
		{"digits", "10.0.0.5", false},
		{"empty", "", true},
		{"leading hyphen", "-node", true},
		{"spaces", "node 01", true},
		{"injection", "node'; DROP TABLE issues;--", true},
		{"path traversal", "../etc/passwd", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateHost(tc.host)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFilterHosts(t *testing.T) {
	valid, rejected := FilterHosts([]string{"node-01", " node-02 ", "bad host", ""})
	assert.Equal(t, []string{"node-01", "node-02"}, valid)
	assert.Len(t, rejected, 2)
}

func TestValidateIssueID(t *testing.T) {
	assert.NoError(t, ValidateIssueID("0123456789abcdef"))
	assert.Error(t, ValidateIssueID("short"))
	assert.Error(t, ValidateIssueID("0123456789ABCDEF"))
	assert.Error(t, ValidateIssueID("0123456789abcdef0"))
}
