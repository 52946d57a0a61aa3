package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	yaml := `
source:
  kind: "blob"
  name: "drive-42"
  blob:
    endpoint: "http://localhost:9000"
    bucket: "recordings"
    key: "2024/drive-42.mcap"
    force_path_style: true

loader:
  max_blocks: 200
  min_block_duration: "250ms"
  cache_size: "512MB"
  start: 2024-01-02T03:04:05Z

metadata:
  path: "/tmp/playback/test-meta.db"

problems:
  retention: "1h"
`
	tmpFile, err := os.CreateTemp("", "playback-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.WriteString(yaml)
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Source.Kind != "blob" || cfg.Source.Name != "drive-42" {
		t.Errorf("unexpected source: %+v", cfg.Source)
	}
	if cfg.Source.Blob.Region != "us-east-1" {
		t.Errorf("expected default region to survive, got %q", cfg.Source.Blob.Region)
	}
	if cfg.Loader.MaxBlocks != 200 {
		t.Errorf("unexpected max_blocks: %d", cfg.Loader.MaxBlocks)
	}
	if cfg.Loader.MinBlockDuration.Duration() != 250*time.Millisecond {
		t.Errorf("unexpected min_block_duration: %v", cfg.Loader.MinBlockDuration.Duration())
	}
	if int64(cfg.Loader.CacheSize) != 512*1024*1024 {
		t.Errorf("unexpected cache_size: %d", cfg.Loader.CacheSize)
	}
	if want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC); !cfg.Loader.Start.Equal(want) {
		t.Errorf("unexpected start: %v", cfg.Loader.Start)
	}
	if !cfg.Loader.End.IsZero() {
		t.Errorf("expected end unset, got %v", cfg.Loader.End)
	}
	if cfg.Problems.Retention.Duration() != time.Hour {
		t.Errorf("unexpected retention: %v", cfg.Problems.Retention.Duration())
	}
	if cfg.UsesNATS() {
		t.Error("blob source without responder should not need NATS")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"file without path", func(c *Config) {}, false},
		{"file with path", func(c *Config) { c.Source.File.Path = "/data/a.mcap" }, true},
		{"memory", func(c *Config) { c.Source.Kind = "memory" }, true},
		{"unknown kind", func(c *Config) { c.Source.Kind = "tape" }, false},
		{"blob without key", func(c *Config) {
			c.Source.Kind = "blob"
			c.Source.Blob.Bucket = "b"
		}, false},
		{"stream without name", func(c *Config) { c.Source.Kind = "stream" }, false},
		{"stream without nats url", func(c *Config) {
			c.Source.Kind = "stream"
			c.Source.Stream.Stream = "TELEMETRY"
			c.NATS.URL = ""
		}, false},
		{"stream", func(c *Config) {
			c.Source.Kind = "stream"
			c.Source.Stream.Stream = "TELEMETRY"
		}, true},
		{"responder prefix under stream subjects", func(c *Config) {
			c.Source.Kind = "stream"
			c.Source.Stream.Stream = "ROBOT"
			c.Source.Stream.Subjects = []string{"robot.>"}
			c.API.NATSResponder.Enabled = true
			c.API.NATSResponder.SubjectPrefix = "robot"
		}, false},
		{"default responder prefix under wildcard subjects", func(c *Config) {
			c.Source.Kind = "stream"
			c.Source.Stream.Stream = "ROBOT"
			c.Source.Stream.Subjects = []string{"*.seek"}
			c.API.NATSResponder.Enabled = true
		}, false},
		{"responder prefix outside stream subjects", func(c *Config) {
			c.Source.Kind = "stream"
			c.Source.Stream.Stream = "ROBOT"
			c.Source.Stream.Subjects = []string{"robot.>"}
			c.API.NATSResponder.Enabled = true
			c.API.NATSResponder.SubjectPrefix = "player.robot"
		}, true},
		{"zero max blocks", func(c *Config) {
			c.Source.Kind = "memory"
			c.Loader.MaxBlocks = 0
		}, false},
		{"zero cache size", func(c *Config) {
			c.Source.Kind = "memory"
			c.Loader.CacheSize = 0
		}, false},
		{"end before start", func(c *Config) {
			c.Source.Kind = "memory"
			c.Loader.Start = time.Unix(10, 0)
			c.Loader.End = time.Unix(5, 0)
		}, false},
		{"no metadata path", func(c *Config) {
			c.Source.Kind = "memory"
			c.Metadata.Path = ""
		}, false},
		{"retention without interval", func(c *Config) {
			c.Source.Kind = "memory"
			c.Problems.EvalInterval = 0
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected valid config, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParseByteSizes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1KB", 1024},
		{"256MB", 256 * 1024 * 1024},
		{"10GB", 10 * 1024 * 1024 * 1024},
		{"1TB", 1024 * 1024 * 1024 * 1024},
		{"100B", 100},
	}
	for _, tt := range tests {
		result, err := parseByteSize(tt.input)
		if err != nil {
			t.Errorf("parseByteSize(%q) error: %v", tt.input, err)
			continue
		}
		if result != tt.expected {
			t.Errorf("parseByteSize(%q) = %d, want %d", tt.input, result, tt.expected)
		}
	}
}
