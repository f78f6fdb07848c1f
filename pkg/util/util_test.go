// util_test.go — EscapeLike / ClampInt / LoadFromEnv 表驱动测试。
package util

import (
	"reflect"
	"testing"
)

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"percent", "100%", `100\%`},
		{"underscore", "a_b", `a\_b`},
		{"backslash", `a\b`, `a\\b`},
		{"combined", `%_\`, `\%\_\\`},
		{"no_special", "hello", "hello"},
		{"empty", "", ""},
		{"multiple_percent", "%%", `\%\%`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EscapeLike(tt.in)
			if got != tt.want {
				t.Errorf("EscapeLike(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		name      string
		v, lo, hi int
		want      int
	}{
		{"below_min", -1, 0, 10, 0},
		{"above_max", 20, 0, 10, 10},
		{"in_range", 5, 0, 10, 5},
		{"at_min", 0, 0, 10, 0},
		{"at_max", 10, 0, 10, 10},
		{"negative_range", -5, -10, -1, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClampInt(tt.v, tt.lo, tt.hi)
			if got != tt.want {
				t.Errorf("ClampInt(%d, %d, %d) = %d, want %d", tt.v, tt.lo, tt.hi, got, tt.want)
			}
		})
	}
}

type envFixture struct {
	Name      string   `env:"UTIL_TEST_NAME" default:"stream"`
	Threshold int      `env:"UTIL_TEST_THRESHOLD" default:"1" min:"1"`
	Ratio     float64  `env:"UTIL_TEST_RATIO" default:"0.5" min:"0"`
	Enabled   bool     `env:"UTIL_TEST_ENABLED" default:"true"`
	Origins   []string `env:"UTIL_TEST_ORIGINS" default:"http://localhost"`
	Untagged  string
}

func TestLoadFromEnvDefaults(t *testing.T) {
	var cfg envFixture
	LoadFromEnv(&cfg)

	if cfg.Name != "stream" || cfg.Threshold != 1 || cfg.Ratio != 0.5 || !cfg.Enabled {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Origins, []string{"http://localhost"}) {
		t.Fatalf("Origins = %v", cfg.Origins)
	}
}

func TestLoadFromEnvOverrideAndMin(t *testing.T) {
	t.Setenv("UTIL_TEST_NAME", "replay")
	t.Setenv("UTIL_TEST_THRESHOLD", "-3")
	t.Setenv("UTIL_TEST_ENABLED", "off")
	t.Setenv("UTIL_TEST_ORIGINS", " http://a , ,http://b ")

	var cfg envFixture
	LoadFromEnv(&cfg)

	if cfg.Name != "replay" {
		t.Errorf("Name = %q, want replay", cfg.Name)
	}
	if cfg.Threshold != 1 {
		t.Errorf("Threshold = %d, want clamped to min 1", cfg.Threshold)
	}
	if cfg.Enabled {
		t.Error("Enabled = true, want false")
	}
	if !reflect.DeepEqual(cfg.Origins, []string{"http://a", "http://b"}) {
		t.Errorf("Origins = %v", cfg.Origins)
	}
}

func TestLoadFromEnvRejectsNonPointer(t *testing.T) {
	var cfg envFixture
	LoadFromEnv(cfg) // 只记录错误, 不 panic
	LoadFromEnv(nil)
}
