// Package config holds the tracker configuration: defaults, file loading
// through a CUE schema, and TRACELOG_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nacorga/tracelog/internal/election"
	"github.com/nacorga/tracelog/internal/model"
	"github.com/nacorga/tracelog/internal/pipeline"
	"github.com/nacorga/tracelog/internal/recovery"
	"github.com/nacorga/tracelog/internal/session"
)

// Config is the complete tracker configuration.
type Config struct {
	ProjectID string `env:"PROJECT_ID"`
	Endpoint  string `env:"ENDPOINT"`
	Device    string `env:"DEVICE"`

	SamplingRate      float64 `env:"SAMPLING_RATE"`
	ErrorSamplingRate float64 `env:"ERROR_SAMPLING_RATE"`

	SessionTimeout    time.Duration `env:"SESSION_TIMEOUT"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL"`
	ElectionTimeout   time.Duration `env:"ELECTION_TIMEOUT"`
	FlushInterval     time.Duration `env:"FLUSH_INTERVAL"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT"`

	QueueCapacity int `env:"QUEUE_CAPACITY"`
	RateLimit     int `env:"RATE_LIMIT"`
	// MaxRecoveryAttempts bounds how often one session may be resumed.
	MaxRecoveryAttempts int `env:"MAX_RECOVERY_ATTEMPTS"`

	// Codec selects the wire encoding: "json" or "cbor".
	Codec string `env:"CODEC"`
	// StorePath is the SQLite database shared by contexts of one origin.
	// Empty keeps state in memory.
	StorePath  string `env:"STORE_PATH"`
	StoreQuota int    `env:"STORE_QUOTA"`
	// BusDir is the spool directory for cross-process coordination. Empty
	// runs the context on its own.
	BusDir string `env:"BUS_DIR"`

	GlobalMetadata map[string]any
}

// Default returns the standard configuration. ProjectID is left empty and
// must be set.
func Default() Config {
	return Config{
		Device:              model.DeviceUnknown,
		SamplingRate:        1,
		ErrorSamplingRate:   1,
		SessionTimeout:      15 * time.Minute,
		HeartbeatInterval:   5 * time.Second,
		ElectionTimeout:     2 * time.Second,
		FlushInterval:       10 * time.Second,
		RequestTimeout:      10 * time.Second,
		QueueCapacity:       100,
		RateLimit:           50,
		MaxRecoveryAttempts: 3,
		Codec:               "json",
	}
}

var projectPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if !projectPattern.MatchString(c.ProjectID) {
		errs = append(errs, fmt.Errorf("project_id %q must match %s", c.ProjectID, projectPattern))
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("sampling_rate %v out of [0,1]", c.SamplingRate))
	}
	if c.ErrorSamplingRate < 0 || c.ErrorSamplingRate > 1 {
		errs = append(errs, fmt.Errorf("error_sampling_rate %v out of [0,1]", c.ErrorSamplingRate))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"session_timeout", c.SessionTimeout},
		{"heartbeat_interval", c.HeartbeatInterval},
		{"election_timeout", c.ElectionTimeout},
		{"flush_interval", c.FlushInterval},
		{"request_timeout", c.RequestTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.HeartbeatInterval > 0 && c.SessionTimeout > 0 && 3*c.HeartbeatInterval >= c.SessionTimeout {
		errs = append(errs, errors.New("heartbeat_interval must be under a third of session_timeout"))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, errors.New("queue_capacity must be positive"))
	}
	if c.MaxRecoveryAttempts < 0 {
		errs = append(errs, errors.New("max_recovery_attempts must not be negative"))
	}
	if c.Codec != "json" && c.Codec != "cbor" {
		errs = append(errs, fmt.Errorf("codec %q must be json or cbor", c.Codec))
	}
	if c.StoreQuota < 0 {
		errs = append(errs, errors.New("store_quota must not be negative"))
	}
	return errors.Join(errs...)
}

// Pipeline derives the delivery pipeline settings.
func (c Config) Pipeline() pipeline.Config {
	p := pipeline.DefaultConfig()
	p.Endpoint = c.Endpoint
	p.QueueCapacity = c.QueueCapacity
	p.FlushInterval = c.FlushInterval
	p.RequestTimeout = c.RequestTimeout
	p.RateLimit = c.RateLimit
	p.TabStaleAfter = 3 * c.HeartbeatInterval
	p.Device = c.Device
	p.GlobalMetadata = c.GlobalMetadata
	return p
}

// Session derives the lifecycle timings.
func (c Config) Session() session.Config {
	s := session.DefaultConfig()
	s.SessionTimeout = c.SessionTimeout
	s.HeartbeatInterval = c.HeartbeatInterval
	s.OrphanAfter = 3 * c.HeartbeatInterval
	return s
}

// Election derives the protocol timings.
func (c Config) Election() election.Config {
	e := election.DefaultConfig()
	e.HeartbeatInterval = c.HeartbeatInterval
	e.ElectionTimeout = c.ElectionTimeout
	e.StaleAfter = 3 * c.HeartbeatInterval
	e.SessionTimeout = c.SessionTimeout
	return e
}

// Recovery derives the recovery limits.
func (c Config) Recovery() recovery.Config {
	r := recovery.DefaultConfig()
	r.SessionTimeout = c.SessionTimeout
	r.MaxAttempts = c.MaxRecoveryAttempts
	return r
}
