package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func envFrom(values map[string]string) func(string) string {
	return func(key string) string {
		return values[key]
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		env      map[string]string
		expected *shimConfig
	}{
		{
			name: "defaults",
			expected: &shimConfig{
				ListenAddress:   ":6653",
				CoreUrl:         "ws://127.0.0.1:5555/netip",
				FeatureTimeout:  30 * time.Second,
				Workers:         4,
				AllowedSwitches: []string{},
			},
		},
		{
			name: "environment",
			env: map[string]string{
				"NETIDE_SHIM_LISTEN":           ":7000",
				"NETIDE_SHIM_FEATURE_TIMEOUT":  "5s",
				"NETIDE_SHIM_ALLOWED_SWITCHES": "10.0.0.1, 10.0.0.2,",
				"NETIDE_SHIM_MAX_SWITCHES":     "16",
			},
			expected: &shimConfig{
				ListenAddress:   ":7000",
				CoreUrl:         "ws://127.0.0.1:5555/netip",
				FeatureTimeout:  5 * time.Second,
				Workers:         4,
				MaxSwitches:     16,
				AllowedSwitches: []string{"10.0.0.1", "10.0.0.2"},
			},
		},
		{
			name: "flags win over environment",
			args: []string{"-listen", ":8000", "-workers", "2", "-status-addr", ":8080", "-max-switches", "3"},
			env:  map[string]string{"NETIDE_SHIM_LISTEN": ":7000", "NETIDE_SHIM_MAX_SWITCHES": "16"},
			expected: &shimConfig{
				ListenAddress:   ":8000",
				CoreUrl:         "ws://127.0.0.1:5555/netip",
				StatusAddress:   ":8080",
				FeatureTimeout:  30 * time.Second,
				Workers:         2,
				MaxSwitches:     3,
				AllowedSwitches: []string{},
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			actual, err := loadConfig(test.args, envFrom(test.env))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(test.expected, actual); diff != "" {
				t.Fatalf("unexpected config (-expected +actual):\n%v", diff)
			}
		})
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"bad timeout env", nil, map[string]string{"NETIDE_SHIM_FEATURE_TIMEOUT": "soon"}},
		{"bad workers env", nil, map[string]string{"NETIDE_SHIM_WORKERS": "many"}},
		{"zero workers", []string{"-workers", "0"}, nil},
		{"negative timeout", []string{"-feature-timeout", "-1s"}, nil},
		{"bad max switches env", nil, map[string]string{"NETIDE_SHIM_MAX_SWITCHES": "lots"}},
		{"negative max switches", []string{"-max-switches", "-1"}, nil},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := loadConfig(test.args, envFrom(test.env)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
