package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"
)

//go:embed schema.cue
var schemaSrc string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRACELOG_"

// file mirrors the schema. Durations are Go duration strings.
type file struct {
	ProjectID           string         `json:"project_id"`
	Endpoint            string         `json:"endpoint"`
	Device              string         `json:"device"`
	SamplingRate        *float64       `json:"sampling_rate"`
	ErrorSamplingRate   *float64       `json:"error_sampling_rate"`
	SessionTimeout      string         `json:"session_timeout"`
	HeartbeatInterval   string         `json:"heartbeat_interval"`
	ElectionTimeout     string         `json:"election_timeout"`
	FlushInterval       string         `json:"flush_interval"`
	RequestTimeout      string         `json:"request_timeout"`
	QueueCapacity       int            `json:"queue_capacity"`
	RateLimit           *int           `json:"rate_limit"`
	MaxRecoveryAttempts *int           `json:"max_recovery_attempts"`
	Codec               string         `json:"codec"`
	Store               storeFile      `json:"store"`
	BusDir              string         `json:"bus_dir"`
	GlobalMetadata      map[string]any `json:"global_metadata"`
}

type storeFile struct {
	Path  string `json:"path"`
	Quota int    `json:"quota"`
}

// Load reads a CUE (or JSON) file, checks it against the schema, and
// applies it over Default. Environment overrides are not applied.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse is Load for in-memory source. name is used in error positions.
func Parse(name string, data []byte) (Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename(name))
	if err := value.Err(); err != nil {
		return Config{}, fmt.Errorf("compile config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	var f file
	if err := unified.Decode(&f); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return f.apply(Default())
}

func (f file) apply(cfg Config) (Config, error) {
	cfg.ProjectID = f.ProjectID
	setString(&cfg.Endpoint, f.Endpoint)
	setString(&cfg.Device, f.Device)
	setString(&cfg.Codec, f.Codec)
	setString(&cfg.StorePath, f.Store.Path)
	setString(&cfg.BusDir, f.BusDir)
	if f.SamplingRate != nil {
		cfg.SamplingRate = *f.SamplingRate
	}
	if f.ErrorSamplingRate != nil {
		cfg.ErrorSamplingRate = *f.ErrorSamplingRate
	}
	if f.QueueCapacity > 0 {
		cfg.QueueCapacity = f.QueueCapacity
	}
	if f.RateLimit != nil {
		cfg.RateLimit = *f.RateLimit
	}
	if f.MaxRecoveryAttempts != nil {
		cfg.MaxRecoveryAttempts = *f.MaxRecoveryAttempts
	}
	if f.Store.Quota > 0 {
		cfg.StoreQuota = f.Store.Quota
	}
	if f.GlobalMetadata != nil {
		cfg.GlobalMetadata = f.GlobalMetadata
	}

	for _, d := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"session_timeout", f.SessionTimeout, &cfg.SessionTimeout},
		{"heartbeat_interval", f.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"election_timeout", f.ElectionTimeout, &cfg.ElectionTimeout},
		{"flush_interval", f.FlushInterval, &cfg.FlushInterval},
		{"request_timeout", f.RequestTimeout, &cfg.RequestTimeout},
	} {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ApplyEnv overrides cfg from TRACELOG_* variables. A nil environ reads the
// process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Resolve loads path (when not empty) over Default, applies environment
// overrides and validates the result.
func Resolve(path string, environ map[string]string) (Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}
	if err := ApplyEnv(&cfg, environ); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
