package config

import (
	"fmt"
	"os"
	"time"

	"github.com/gftdcojp/playback-loader/internal/subject"
	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS          NATSConfig          `yaml:"nats"`
	Source        SourceConfig        `yaml:"source"`
	Loader        LoaderConfig        `yaml:"loader"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Problems      ProblemsConfig      `yaml:"problems"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SourceConfig selects the backend messages are played back from.
type SourceConfig struct {
	Kind   string             `yaml:"kind"` // memory | file | blob | stream
	Name   string             `yaml:"name"`
	File   FileSourceConfig   `yaml:"file"`
	Blob   BlobSourceConfig   `yaml:"blob"`
	Stream StreamSourceConfig `yaml:"stream"`
}

type FileSourceConfig struct {
	Path string `yaml:"path"`
}

type BlobSourceConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Key             string `yaml:"key"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type StreamSourceConfig struct {
	Stream       string   `yaml:"stream"`
	Subjects     []string `yaml:"subjects"`
	FetchBatch   int      `yaml:"fetch_batch"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
}

// LoaderConfig sizes the block cache. Start and End, when set, narrow the
// range reported by the source.
type LoaderConfig struct {
	MaxBlocks        int       `yaml:"max_blocks"`
	MinBlockDuration Duration  `yaml:"min_block_duration"`
	CacheSize        ByteSize  `yaml:"cache_size"`
	Start            time.Time `yaml:"start"`
	End              time.Time `yaml:"end"`
}

type MetadataConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

type ProblemsConfig struct {
	Retention    Duration `yaml:"retention"`
	EvalInterval Duration `yaml:"eval_interval"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ResponderOperations are the request subjects served under the prefix.
var ResponderOperations = []string{"status", "progress", "seek", "topics"}

// Prefix returns the subject prefix, defaulting to "playback".
func (c NATSResponderConfig) Prefix() string {
	if c.SubjectPrefix == "" {
		return "playback"
	}
	return c.SubjectPrefix
}

// OperationSubjects lists the full request subjects of the responder.
func (c NATSResponderConfig) OperationSubjects() []string {
	out := make([]string, len(ResponderOperations))
	for i, op := range ResponderOperations {
		out[i] = c.Prefix() + "." + op
	}
	return out
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// UsesNATS reports whether any configured component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.Source.Kind == "stream" || (c.API.Enabled && c.API.NATSResponder.Enabled)
}

func (c *Config) Validate() error {
	switch c.Source.Kind {
	case "memory":
	case "file":
		if c.Source.File.Path == "" {
			return fmt.Errorf("source.file.path is required for file sources")
		}
	case "blob":
		if c.Source.Blob.Bucket == "" {
			return fmt.Errorf("source.blob.bucket is required for blob sources")
		}
		if c.Source.Blob.Key == "" {
			return fmt.Errorf("source.blob.key is required for blob sources")
		}
	case "stream":
		if c.Source.Stream.Stream == "" {
			return fmt.Errorf("source.stream.stream is required for stream sources")
		}
		if c.Source.Stream.FetchBatch <= 0 {
			return fmt.Errorf("source.stream.fetch_batch must be > 0")
		}
	default:
		return fmt.Errorf("source.kind must be one of memory, file, blob, stream; got %q", c.Source.Kind)
	}

	if c.UsesNATS() && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}

	if c.Source.Kind == "stream" && c.API.Enabled && c.API.NATSResponder.Enabled {
		for _, subj := range c.API.NATSResponder.OperationSubjects() {
			if subject.MatchesAny(c.Source.Stream.Subjects, subj) {
				return fmt.Errorf("api.nats_responder.subject_prefix %q overlaps source.stream.subjects: %s would be captured by the stream",
					c.API.NATSResponder.Prefix(), subj)
			}
		}
	}

	if c.Loader.MaxBlocks <= 0 {
		return fmt.Errorf("loader.max_blocks must be > 0, got %d", c.Loader.MaxBlocks)
	}
	if c.Loader.MinBlockDuration <= 0 {
		return fmt.Errorf("loader.min_block_duration must be > 0")
	}
	if c.Loader.CacheSize <= 0 {
		return fmt.Errorf("loader.cache_size must be > 0, got %d", c.Loader.CacheSize)
	}
	if !c.Loader.Start.IsZero() && !c.Loader.End.IsZero() && c.Loader.End.Before(c.Loader.Start) {
		return fmt.Errorf("loader.end must not be before loader.start")
	}

	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}

	if c.Problems.Retention > 0 && c.Problems.EvalInterval <= 0 {
		return fmt.Errorf("problems.eval_interval must be > 0 when retention is set")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
