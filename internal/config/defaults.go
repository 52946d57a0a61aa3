package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "playback-loader",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Source: SourceConfig{
			Kind: "file",
			Name: "default",
			Blob: BlobSourceConfig{
				Region: "us-east-1",
			},
			Stream: StreamSourceConfig{
				FetchBatch:   256,
				FetchTimeout: Duration(2 * time.Second),
			},
		},
		Loader: LoaderConfig{
			MaxBlocks:        100,
			MinBlockDuration: Duration(100 * time.Millisecond),
			CacheSize:        ByteSize(1024 * 1024 * 1024), // 1GB
		},
		Metadata: MetadataConfig{
			Path: "/var/lib/playback-loader/meta.db",
		},
		Problems: ProblemsConfig{
			Retention:    Duration(24 * time.Hour),
			EvalInterval: Duration(5 * time.Minute),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "playback",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
