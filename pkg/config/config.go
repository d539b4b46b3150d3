// Package config provides configuration loading and management for the
// difference-imaging kernel fit. It handles loading configuration from YAML
// files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the kernel-matching configuration loaded from YAML.
type Config struct {
	// Kernel describes the basis set the fitted kernel is built from.
	Kernel struct {
		// BasisType selects the basis family: "delta" or "gaussian".
		BasisType string `yaml:"basisType"`

		// Width and Height of the delta-function basis grid.
		Width  int `yaml:"width"`
		Height int `yaml:"height"`

		// HalfWidth, Sigmas and Degrees configure the gaussian basis;
		// kernels are (2*halfWidth+1) square.
		HalfWidth int       `yaml:"halfWidth"`
		Sigmas    []float64 `yaml:"sigmas"`
		Degrees   []int     `yaml:"degrees"`

		// Renormalize rescales the basis so the first kernel sums to one
		// and the rest sum to zero.
		Renormalize bool `yaml:"renormalize"`
	} `yaml:"kernel"`

	// Fit controls the per-candidate local fits.
	Fit struct {
		// FitForBackground adds a constant background term to each fit.
		FitForBackground bool `yaml:"fitForBackground"`

		// StampSize is the side length of the candidate stamps carved out
		// of the frame.
		StampSize int `yaml:"stampSize"`

		// MaxConditionNumber rejects candidates whose normal equations are
		// too ill-conditioned.
		MaxConditionNumber float64 `yaml:"maxConditionNumber"`

		// ConditionType selects the diagnostic: "eigenvalue" or "svd".
		ConditionType string `yaml:"conditionType"`

		// Workers bounds how many candidates are fit concurrently.
		Workers int `yaml:"workers"`
	} `yaml:"fit"`

	// Regularization controls the Tikhonov penalty on the basis
	// coefficients.
	Regularization struct {
		// Enabled switches regularized local fits on.
		Enabled bool `yaml:"enabled"`

		// LambdaType selects the strength: "absolute", "relative",
		// "minimizeBiasedRisk" or "minimizeUnbiasedRisk".
		LambdaType string `yaml:"lambdaType"`

		// LambdaValue is the fixed lambda or the relative trace ratio.
		LambdaValue float64 `yaml:"lambdaValue"`

		// LambdaStepType steps the risk-search grid: "linear" or "log".
		LambdaStepType string  `yaml:"lambdaStepType"`
		LambdaMin      float64 `yaml:"lambdaMin"`
		LambdaMax      float64 `yaml:"lambdaMax"`
		LambdaStep     float64 `yaml:"lambdaStep"`

		// Order is the discrete derivative order penalized by the
		// finite-difference regularization matrix.
		Order int `yaml:"order"`

		// BoundaryStyle: "wrapped" or "unwrapped".
		BoundaryStyle string `yaml:"boundaryStyle"`

		// DifferenceStyle: "forward" or "central".
		DifferenceStyle string `yaml:"differenceStyle"`
	} `yaml:"regularization"`

	// Spatial controls how the per-candidate fits generalize across the
	// frame.
	Spatial struct {
		// KernelOrder is the polynomial order of kernel spatial variation.
		KernelOrder int `yaml:"kernelOrder"`

		// BackgroundOrder is the polynomial order of background variation.
		BackgroundOrder int `yaml:"backgroundOrder"`

		// ConstantFirstTerm pins the first basis function's coefficient,
		// letting only the remaining terms vary spatially.
		ConstantFirstTerm bool `yaml:"constantFirstTerm"`
	} `yaml:"spatial"`

	// Output parameters.
	Output struct {
		// SaveDiagnostics dumps per-candidate matrices alongside results.
		SaveDiagnostics bool `yaml:"saveDiagnostics"`

		// DiagnosticsDir receives the diagnostic dumps.
		DiagnosticsDir string `yaml:"diagnosticsDir"`

		// Verbose controls the level of logging output.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Kernel.BasisType = "delta"
	cfg.Kernel.Width = 7
	cfg.Kernel.Height = 7
	cfg.Kernel.HalfWidth = 3
	cfg.Kernel.Sigmas = []float64{0.7, 1.5, 3.0}
	cfg.Kernel.Degrees = []int{4, 3, 2}
	cfg.Kernel.Renormalize = false

	cfg.Fit.FitForBackground = true
	cfg.Fit.StampSize = 64
	cfg.Fit.MaxConditionNumber = 5.0e7
	cfg.Fit.ConditionType = "eigenvalue"
	cfg.Fit.Workers = runtime.NumCPU()

	cfg.Regularization.Enabled = false
	cfg.Regularization.LambdaType = "absolute"
	cfg.Regularization.LambdaValue = 1.0
	cfg.Regularization.LambdaStepType = "log"
	cfg.Regularization.LambdaMin = -1
	cfg.Regularization.LambdaMax = 2
	cfg.Regularization.LambdaStep = 0.1
	cfg.Regularization.Order = 1
	cfg.Regularization.BoundaryStyle = "wrapped"
	cfg.Regularization.DifferenceStyle = "forward"

	cfg.Spatial.KernelOrder = 1
	cfg.Spatial.BackgroundOrder = 1
	cfg.Spatial.ConstantFirstTerm = false

	cfg.Output.SaveDiagnostics = false
	cfg.Output.DiagnosticsDir = "diffim_diagnostics"
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks the configuration for values the pipeline cannot use.
func (c *Config) Validate() error {
	switch c.Kernel.BasisType {
	case "delta":
		if c.Kernel.Width < 1 || c.Kernel.Height < 1 {
			return fmt.Errorf("config: delta basis needs positive dimensions, got %dx%d",
				c.Kernel.Width, c.Kernel.Height)
		}
	case "gaussian":
		if c.Kernel.HalfWidth < 1 {
			return fmt.Errorf("config: gaussian basis needs positive halfWidth, got %d",
				c.Kernel.HalfWidth)
		}
		if len(c.Kernel.Sigmas) == 0 || len(c.Kernel.Sigmas) != len(c.Kernel.Degrees) {
			return fmt.Errorf("config: gaussian basis needs matching sigmas and degrees")
		}
	default:
		return fmt.Errorf("config: unrecognized basis type %q", c.Kernel.BasisType)
	}

	if c.Fit.StampSize < 1 {
		return fmt.Errorf("config: stamp size must be positive, got %d", c.Fit.StampSize)
	}
	if c.Fit.MaxConditionNumber <= 0 {
		return fmt.Errorf("config: max condition number must be positive, got %g",
			c.Fit.MaxConditionNumber)
	}
	switch c.Fit.ConditionType {
	case "eigenvalue", "svd":
	default:
		return fmt.Errorf("config: unrecognized condition type %q", c.Fit.ConditionType)
	}
	if c.Fit.Workers < 1 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Fit.Workers)
	}

	if c.Spatial.KernelOrder < 0 || c.Spatial.BackgroundOrder < 0 {
		return fmt.Errorf("config: spatial orders must be non-negative, got kernel %d background %d",
			c.Spatial.KernelOrder, c.Spatial.BackgroundOrder)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
