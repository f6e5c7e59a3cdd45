package config

import "testing"

func TestDefaultsWhenFieldsNil(t *testing.T) {
	f := &File{}
	if f.SessionStartupTimeoutSecondsOrDefault() != DefaultSessionStartupTimeoutSeconds {
		t.Fatalf("expected default startup timeout, got %v", f.SessionStartupTimeoutSecondsOrDefault())
	}
	if f.GeneralToolCallTimeoutSecondsOrDefault() != DefaultGeneralToolCallTimeoutSeconds {
		t.Fatalf("expected default tool call timeout, got %v", f.GeneralToolCallTimeoutSecondsOrDefault())
	}
	if f.WidthOrDefault() != DefaultWidth || f.HeightOrDefault() != DefaultHeight {
		t.Fatalf("expected default dimensions, got %dx%d", f.WidthOrDefault(), f.HeightOrDefault())
	}
	if f.Password() != "" {
		t.Fatalf("expected empty password by default, got %q", f.Password())
	}
}

func TestOverridesWhenFieldsSet(t *testing.T) {
	width := 100
	height := 30
	pw := "hunter2"
	f := &File{Width: &width, Height: &height, RootPassword: &pw}

	if f.WidthOrDefault() != 100 || f.HeightOrDefault() != 30 {
		t.Fatalf("expected overridden dimensions, got %dx%d", f.WidthOrDefault(), f.HeightOrDefault())
	}
	if f.Password() != "hunter2" {
		t.Fatalf("expected overridden password, got %q", f.Password())
	}
}

func TestLoadNeverErrorsOnMissingFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load should never hard-fail on a missing config: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected a non-nil default config")
	}
}
