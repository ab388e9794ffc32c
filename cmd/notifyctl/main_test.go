package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestTargetsArgValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown platform", []string{"add", "--platform", "myspace", "--external-id", "1", "--guild", "g", "--channel", "c"}, "unknown platform"},
		{"missing channel", []string{"add", "--platform", "twitch", "--external-id", "1", "--guild", "g"}, "channel"},
		{"remove unknown platform", []string{"remove", "--platform", "x", "--external-id", "1", "--guild", "g", "--channel", "c"}, "unknown platform"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := targetsCmd()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs(tt.args)
			err := cmd.Execute()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Execute() error = %v, want one containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestFeedsListRejectsUnknownPlatform(t *testing.T) {
	cmd := feedsCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"list", "--platform", "friendster"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "unknown platform") {
		t.Fatalf("Execute() error = %v", err)
	}
}
