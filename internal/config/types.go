package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Auth        AuthConfig        `json:"auth,omitempty"`
	Limits      LimitsConfig      `json:"limits,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Pprof       PprofConfig       `json:"pprof,omitempty"`
}

// ServerConfig controls the public HTTP listener.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	Addr string `json:"addr"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store (dev/tests; data is lost on restart)
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./larsd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AuthConfig controls clinician (doctor) endpoint authentication.
// TokenSecret is the HMAC key for bearer tokens; do not log it.
type AuthConfig struct {
	TokenSecret string `json:"token_secret,omitempty"`
	Issuer      string `json:"issuer,omitempty"`
}

// LimitsConfig throttles patient-facing requests per patient code.
// Zero values disable throttling.
type LimitsConfig struct {
	PatientRatePerMin int `json:"patient_rate_per_min,omitempty"`
	PatientBurst      int `json:"patient_burst,omitempty"`
}

// MaintenanceConfig controls the nightly housekeeping job.
//
// Enabled is a pointer so we can distinguish "omitted" (default true
// when storage is sqlite) from an explicit false.
type MaintenanceConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Schedule       string `json:"schedule,omitempty"`        // cron spec, default "0 3 * * *"
	AuditRetention string `json:"audit_retention,omitempty"` // Go duration string, default 90 days
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// Validate checks cross-field constraints the strict decoder cannot
// express. It is also installed as the Watch() validator.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.idle_timeout", c.Server.IdleTimeout},
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"maintenance.audit_retention", c.Maintenance.AuditRetention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required for sqlite")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	if c.Limits.PatientRatePerMin < 0 || c.Limits.PatientBurst < 0 {
		return errors.New("limits: rates must be >= 0")
	}
	return nil
}
