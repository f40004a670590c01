package config

import (
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
database:
  postgres_dsn: postgres://localhost/vocalis
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Ingest.MaxFileSize != 50<<20 {
		t.Errorf("max file size = %d; want 50 MiB", cfg.Ingest.MaxFileSize)
	}
	if cfg.Ingest.SessionTTL != 24*time.Hour {
		t.Errorf("session ttl = %s", cfg.Ingest.SessionTTL)
	}
	if cfg.Telephony.RingingTimeout != 30*time.Second {
		t.Errorf("ringing timeout = %s", cfg.Telephony.RingingTimeout)
	}
	if cfg.Telephony.MaxCallDuration != time.Hour {
		t.Errorf("max call duration = %s", cfg.Telephony.MaxCallDuration)
	}
	if cfg.Pipeline.MinEndpointingDelay != 400*time.Millisecond {
		t.Errorf("min endpointing delay = %s", cfg.Pipeline.MinEndpointingDelay)
	}
	if cfg.Pipeline.MaxToolSteps != 5 {
		t.Errorf("max tool steps = %d", cfg.Pipeline.MaxToolSteps)
	}
	if cfg.Pipeline.VAD.ActivationThreshold != 0.5 {
		t.Errorf("vad activation threshold = %g", cfg.Pipeline.VAD.ActivationThreshold)
	}
}

func TestLoadRejectsMissingDSN(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`server: {listen_addr: ":9000"}`))
	if err == nil || !strings.Contains(err.Error(), "postgres_dsn") {
		t.Errorf("err = %v; want postgres_dsn requirement", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
database: {postgres_dsn: x}
no_such_section: true
`))
	if err == nil {
		t.Error("unknown top-level field must be rejected")
	}
}

func TestLoadRejectsInvertedEndpointing(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
database: {postgres_dsn: x}
pipeline:
  min_endpointing_delay: 2s
  max_endpointing_delay: 1s
`))
	if err == nil || !strings.Contains(err.Error(), "min_endpointing_delay") {
		t.Errorf("err = %v; want endpointing delay validation", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("VOCALIS_TEST_DSN", "postgres://fromenv/db")
	cfg, err := LoadFromReader(strings.NewReader(`
database:
  postgres_dsn: ${VOCALIS_TEST_DSN}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.PostgresDSN != "postgres://fromenv/db" {
		t.Errorf("dsn = %q", cfg.Database.PostgresDSN)
	}
}

func TestValidateDuplicateToolServer(t *testing.T) {
	err := Validate(&Config{
		Server:   ServerConfig{LogLevel: LogInfo},
		Database: DatabaseConfig{PostgresDSN: "x"},
		Tools: ToolsConfig{Servers: []ToolServerConfig{
			{Name: "crm", URL: "https://a"},
			{Name: "crm", URL: "https://b"},
		}},
	})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("err = %v; want duplicate tool server error", err)
	}
}
