package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Default values for the service configuration.
const (
	DefaultHTTPPort            = 8080
	DefaultAPIPrefix           = "/api/v1"
	DefaultModelDir            = "models"
	DefaultConsentDir          = "data/consented"
	DefaultConfidenceThreshold = 0.60
)

// DefaultDisclaimer is attached to every prediction response.
const DefaultDisclaimer = "This system is a research-based decision support tool and not a replacement " +
	"for professional medical diagnosis."

// Config holds the full service configuration parsed from config.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Models    ModelsConfig    `yaml:"models"`
	Inference InferenceConfig `yaml:"inference"`
	Consent   ConsentConfig   `yaml:"consent"`
}

// ServerConfig holds HTTP transport settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API listens on (default 8080).
	// The XRAY_PORT environment variable overrides it.
	HTTPPort int `yaml:"http_port"`

	// APIPrefix is prepended to all inference routes (default "/api/v1").
	APIPrefix string `yaml:"api_prefix"`

	// CORSAllowOrigins lists origins allowed to call the API from a browser.
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// ModelsConfig locates trained checkpoints on disk.
type ModelsConfig struct {
	// Dir is the directory holding <name>.json manifests and <name>.bin
	// weight blobs for every supported model.
	Dir string `yaml:"dir"`
}

// InferenceConfig holds prediction-interpretation settings.
type InferenceConfig struct {
	// ConfidenceLowThreshold is the confidence below which a low-confidence
	// warning is attached to the prediction (default 0.60).
	ConfidenceLowThreshold float64 `yaml:"confidence_low_threshold"`

	// Disclaimer is returned verbatim with every prediction.
	Disclaimer string `yaml:"disclaimer"`
}

// ConsentConfig controls consent-based storage of uploaded images.
type ConsentConfig struct {
	// Dir is where consented uploads are written as PNG artifacts.
	Dir string `yaml:"dir"`
}

// Load reads and parses the config file at path. Missing fields are filled
// with defaults before validation. A missing file is not an error: the
// defaults are returned, so the service can run without a config file.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:  DefaultHTTPPort,
			APIPrefix: DefaultAPIPrefix,
			CORSAllowOrigins: []string{
				"http://localhost:5173",
				"http://127.0.0.1:5173",
			},
		},
		Models: ModelsConfig{
			Dir: DefaultModelDir,
		},
		Inference: InferenceConfig{
			ConfidenceLowThreshold: DefaultConfidenceThreshold,
			Disclaimer:             DefaultDisclaimer,
		},
		Consent: ConsentConfig{
			Dir: DefaultConsentDir,
		},
	}
}

// applyEnv applies environment overrides after file parsing.
func applyEnv(cfg *Config) {
	if v := os.Getenv("XRAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = p
		}
	}
	if v := os.Getenv("XRAY_MODEL_DIR"); v != "" {
		cfg.Models.Dir = v
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Models.Dir == "" {
		return fmt.Errorf("models.dir must not be empty")
	}
	if t := cfg.Inference.ConfidenceLowThreshold; t < 0.5 || t > 1.0 {
		return fmt.Errorf("inference.confidence_low_threshold %.2f is out of range [0.5, 1.0]", t)
	}
	return nil
}
