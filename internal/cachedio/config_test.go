package cachedio

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in       string
		fallback int64
		want     int64
	}{
		{"", 7, 7},
		{"65536", 1, 65536},
		{"64KiB", 1, 65536},
		{"1MB", 1, 1000000},
		{" 2 KiB ", 1, 2048},
		{"garbage", 9, 9},
		{"0", 9, 9},
		{"-5", 9, 9},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseSize(tt.in, tt.fallback); got != tt.want {
				t.Errorf("ParseSize(%q, %d) = %d, want %d", tt.in, tt.fallback, got, tt.want)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	dir := t.TempDir()
	env := map[string]string{
		EnvThreshold: "1KiB",
		EnvOutputDir: dir,
		EnvMaxSize:   "10MiB",
		EnvCipher:    "true",
	}
	got := ConfigFromEnv(func(k string) string { return env[k] })
	want := Config{Threshold: 1024, OutputDir: dir, MaxSize: 10 << 20, Cipher: true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	env := map[string]string{
		EnvThreshold: "not-a-size",
		EnvOutputDir: "/definitely/not/here",
		EnvCipher:    "maybe",
	}
	got := ConfigFromEnv(func(k string) string { return env[k] })
	want := Config{Threshold: DefaultThreshold}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigNormalize(t *testing.T) {
	got := Config{Threshold: -1, OutputDir: "/definitely/not/here"}.Normalize()
	if got.Threshold != DefaultThreshold {
		t.Errorf("expected default threshold, got %d", got.Threshold)
	}
	if got.OutputDir != "" {
		t.Errorf("expected invalid dir to be cleared, got %q", got.OutputDir)
	}
}
