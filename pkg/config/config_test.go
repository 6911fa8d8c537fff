package config

import "testing"

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.TraceFileName = "/tmp/trace.txt"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.Mode != ModeRecord {
		t.Errorf("Mode = %v, want %v", cfg.Mode, ModeRecord)
	}
	if cfg.TorControlPort != 9051 {
		t.Errorf("TorControlPort = %v, want 9051", cfg.TorControlPort)
	}
	if cfg.HeartbeatIntervalSeconds != 1 {
		t.Errorf("HeartbeatIntervalSeconds = %v, want 1", cfg.HeartbeatIntervalSeconds)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default", func(c *Config) {}, false},
		{"missing trace file", func(c *Config) { c.TraceFileName = "" }, true},
		{"invalid mode", func(c *Config) { c.Mode = "bogus" }, true},
		{"zero control port", func(c *Config) { c.TorControlPort = 0 }, true},
		{"zero heartbeat", func(c *Config) { c.HeartbeatIntervalSeconds = 0 }, true},
		{"negative metrics port", func(c *Config) { c.MetricsPort = -1 }, true},
		{"metrics enabled without port", func(c *Config) { c.EnableMetrics = true; c.MetricsPort = 0 }, true},
		{"metrics enabled with port", func(c *Config) { c.EnableMetrics = true; c.MetricsPort = 9100 }, false},
		{"invalid log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"play mode valid", func(c *Config) { c.Mode = ModePlay }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigClone(t *testing.T) {
	cfg := validConfig()
	clone := cfg.Clone()

	clone.TraceFileName = "/tmp/other.txt"
	if cfg.TraceFileName == clone.TraceFileName {
		t.Error("Clone should be independent of the original")
	}
}
