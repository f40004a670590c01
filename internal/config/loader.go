package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] when the file omits a value.
const (
	defaultListenAddr     = ":8080"
	defaultMaxFileSize    = 50 << 20 // 50 MiB
	defaultSessionTTL     = 24 * time.Hour
	defaultParseTimeout   = 2 * time.Minute
	defaultPurgeAfter     = 30 * 24 * time.Hour
	defaultRingingTimeout = 30 * time.Second
	defaultMaxCallTime    = time.Hour
	defaultMaxConcurrent  = 50
	defaultShutdown       = 30 * time.Second
	defaultEmbeddingDims  = 1536
	defaultCacheSize      = 512
	defaultCacheTTL       = 5 * time.Minute
	defaultTopK           = 8
	defaultBaseThreshold  = 0.72
	defaultMaxExpansions  = 3
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR} references,
// applies defaults, and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		// Preserve unknown references so validation can report them in place.
		return "${" + key + "}"
	})

	cfg := &Config{Pipeline: DefaultPipeline()}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdown
	}
	if cfg.Database.EmbeddingDimensions == 0 {
		cfg.Database.EmbeddingDimensions = defaultEmbeddingDims
	}
	if cfg.Telephony.MaxConcurrentCalls == 0 {
		cfg.Telephony.MaxConcurrentCalls = defaultMaxConcurrent
	}
	if cfg.Telephony.RingingTimeout == 0 {
		cfg.Telephony.RingingTimeout = defaultRingingTimeout
	}
	if cfg.Telephony.MaxCallDuration == 0 {
		cfg.Telephony.MaxCallDuration = defaultMaxCallTime
	}
	if cfg.Ingest.MaxFileSize == 0 {
		cfg.Ingest.MaxFileSize = defaultMaxFileSize
	}
	if cfg.Ingest.SessionTTL == 0 {
		cfg.Ingest.SessionTTL = defaultSessionTTL
	}
	if cfg.Ingest.ParseTimeout == 0 {
		cfg.Ingest.ParseTimeout = defaultParseTimeout
	}
	if cfg.Ingest.PurgeAfter == 0 {
		cfg.Ingest.PurgeAfter = defaultPurgeAfter
	}
	if cfg.Knowledge.CacheSize == 0 {
		cfg.Knowledge.CacheSize = defaultCacheSize
	}
	if cfg.Knowledge.CacheTTL == 0 {
		cfg.Knowledge.CacheTTL = defaultCacheTTL
	}
	if cfg.Knowledge.TopK == 0 {
		cfg.Knowledge.TopK = defaultTopK
	}
	if cfg.Knowledge.BaseThreshold == 0 {
		cfg.Knowledge.BaseThreshold = defaultBaseThreshold
	}
	if cfg.Knowledge.MaxExpansions == 0 {
		cfg.Knowledge.MaxExpansions = defaultMaxExpansions
	}
	if cfg.Pipeline.MaxToolSteps == 0 {
		cfg.Pipeline.MaxToolSteps = DefaultPipeline().MaxToolSteps
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.postgres_dsn is required"))
	}
	if cfg.LiveKit.URL != "" && (cfg.LiveKit.APIKey == "" || cfg.LiveKit.APISecret == "") {
		errs = append(errs, errors.New("livekit.api_key and livekit.api_secret are required when livekit.url is set"))
	}
	if cfg.Pipeline.MinEndpointingDelay > cfg.Pipeline.MaxEndpointingDelay {
		errs = append(errs, fmt.Errorf("pipeline.min_endpointing_delay %s exceeds max_endpointing_delay %s",
			cfg.Pipeline.MinEndpointingDelay, cfg.Pipeline.MaxEndpointingDelay))
	}
	if th := cfg.Pipeline.VAD.ActivationThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("pipeline.vad.activation_threshold %g must be within [0, 1]", th))
	}
	if th := cfg.Knowledge.BaseThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("knowledge.base_threshold %g must be within [0, 1]", th))
	}
	if cfg.Ingest.MaxFileSize < 0 {
		errs = append(errs, fmt.Errorf("ingest.max_file_size %d must not be negative", cfg.Ingest.MaxFileSize))
	}

	seen := make(map[string]int, len(cfg.Tools.Servers))
	for i, srv := range cfg.Tools.Servers {
		prefix := fmt.Sprintf("tools.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := seen[srv.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.servers[%d]", prefix, srv.Name, prev))
		} else {
			seen[srv.Name] = i
		}
		if srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required", prefix))
		}
	}

	return errors.Join(errs...)
}
