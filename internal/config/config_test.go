package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.Server.HTTPPort, DefaultHTTPPort)
	}
	if cfg.Inference.ConfidenceLowThreshold != DefaultConfidenceThreshold {
		t.Errorf("ConfidenceLowThreshold = %v, want %v",
			cfg.Inference.ConfidenceLowThreshold, DefaultConfidenceThreshold)
	}
	if cfg.Models.Dir != DefaultModelDir {
		t.Errorf("Models.Dir = %q, want %q", cfg.Models.Dir, DefaultModelDir)
	}
}

func TestLoadParsesAndValidates(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "overrides",
			yaml: "server:\n  http_port: 9000\nmodels:\n  dir: /opt/checkpoints\ninference:\n  confidence_low_threshold: 0.7\n",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.HTTPPort != 9000 {
					t.Errorf("HTTPPort = %d, want 9000", cfg.Server.HTTPPort)
				}
				if cfg.Models.Dir != "/opt/checkpoints" {
					t.Errorf("Models.Dir = %q", cfg.Models.Dir)
				}
				if cfg.Inference.ConfidenceLowThreshold != 0.7 {
					t.Errorf("threshold = %v, want 0.7", cfg.Inference.ConfidenceLowThreshold)
				}
			},
		},
		{
			name:    "bad port",
			yaml:    "server:\n  http_port: -1\n",
			wantErr: true,
		},
		{
			name:    "threshold out of range",
			yaml:    "inference:\n  confidence_low_threshold: 0.2\n",
			wantErr: true,
		},
		{
			name:    "empty model dir",
			yaml:    "models:\n  dir: \"\"\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Load: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}
