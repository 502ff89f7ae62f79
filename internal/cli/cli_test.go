package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestParsePositive(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"4.60", false},
		{"", true},
		{"abc", true},
		{"0", true},
		{"-1", true},
	}
	for _, tc := range cases {
		_, err := parsePositive("--leg-a", tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("parsePositive(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
	}
}

func TestVersionSkipsConfig(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--config", "/does/not/exist.yaml"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version should not load config: %v", err)
	}
	if !strings.HasPrefix(out.String(), "spreadwatch dev") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
