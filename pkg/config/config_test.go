package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig verifies that the defaults pass validation
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default configuration should be valid: %v", err)
	}

	if cfg.Kernel.BasisType != "delta" {
		t.Errorf("Expected delta basis by default, got %q", cfg.Kernel.BasisType)
	}
	if cfg.Fit.StampSize != 64 {
		t.Errorf("Expected stamp size 64, got %d", cfg.Fit.StampSize)
	}
	if cfg.Fit.MaxConditionNumber != 5.0e7 {
		t.Errorf("Expected max condition number 5e7, got %g", cfg.Fit.MaxConditionNumber)
	}
	if cfg.Fit.Workers < 1 {
		t.Errorf("Expected at least one worker, got %d", cfg.Fit.Workers)
	}
}

// TestLoadConfigMissing verifies that a missing file yields the defaults
func TestLoadConfigMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig should default on a missing file: %v", err)
	}
	want := DefaultConfig()
	if cfg.Kernel.BasisType != want.Kernel.BasisType || cfg.Fit.StampSize != want.Fit.StampSize {
		t.Error("Missing file should produce the default configuration")
	}
}

// TestConfigRoundTrip verifies save and reload
func TestConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kernel.BasisType = "gaussian"
	cfg.Kernel.HalfWidth = 5
	cfg.Kernel.Sigmas = []float64{1.0, 2.5}
	cfg.Kernel.Degrees = []int{3, 2}
	cfg.Fit.StampSize = 48
	cfg.Regularization.Enabled = true
	cfg.Regularization.LambdaType = "minimizeUnbiasedRisk"
	cfg.Spatial.KernelOrder = 2
	cfg.Spatial.ConstantFirstTerm = true

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Kernel.BasisType != "gaussian" || loaded.Kernel.HalfWidth != 5 {
		t.Error("Kernel section did not round-trip")
	}
	if len(loaded.Kernel.Sigmas) != 2 || loaded.Kernel.Sigmas[1] != 2.5 {
		t.Error("Sigma list did not round-trip")
	}
	if loaded.Fit.StampSize != 48 {
		t.Errorf("Expected stamp size 48, got %d", loaded.Fit.StampSize)
	}
	if !loaded.Regularization.Enabled || loaded.Regularization.LambdaType != "minimizeUnbiasedRisk" {
		t.Error("Regularization section did not round-trip")
	}
	if loaded.Spatial.KernelOrder != 2 || !loaded.Spatial.ConstantFirstTerm {
		t.Error("Spatial section did not round-trip")
	}
}

// TestLoadConfigPartial verifies that an incomplete file keeps defaults for
// the unmentioned fields
func TestLoadConfigPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	data := []byte("fit:\n  stampSize: 32\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Fit.StampSize != 32 {
		t.Errorf("Expected stamp size 32, got %d", cfg.Fit.StampSize)
	}
	if cfg.Kernel.BasisType != "delta" {
		t.Errorf("Unmentioned fields should keep defaults, got basis %q", cfg.Kernel.BasisType)
	}
}

// TestValidateRejections verifies the validation failure cases
func TestValidateRejections(t *testing.T) {
	wreck := []func(*Config){
		func(c *Config) { c.Kernel.BasisType = "fourier" },
		func(c *Config) { c.Kernel.Width = 0 },
		func(c *Config) {
			c.Kernel.BasisType = "gaussian"
			c.Kernel.Sigmas = []float64{1.0}
			c.Kernel.Degrees = []int{1, 2}
		},
		func(c *Config) { c.Fit.StampSize = -1 },
		func(c *Config) { c.Fit.MaxConditionNumber = 0 },
		func(c *Config) { c.Fit.ConditionType = "determinant" },
		func(c *Config) { c.Fit.Workers = 0 },
		func(c *Config) { c.Spatial.KernelOrder = -1 },
	}
	for i, f := range wreck {
		cfg := DefaultConfig()
		f(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("Case %d: expected a validation error", i)
		}
	}
}
