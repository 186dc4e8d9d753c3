package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/faanross/simulacra_vid/internal/logging"
	"github.com/faanross/simulacra_vid/internal/registry"
	"github.com/faanross/simulacra_vid/internal/spec"
	"github.com/faanross/simulacra_vid/internal/transport"
	"github.com/faanross/simulacra_vid/internal/video"
)

// EnvPrefix is the prefix the binaries read overrides from
const EnvPrefix = "SIMULACRA_"

// Config is shared by the binaries: defaults, then the environment, then flags.
type Config struct {
	Addr         string        // sender listen address, receiver dial address
	Transport    string        // tcp or quic
	VideoBackend string        // ffmpeg or archive
	WorkDir      string        // parent of per-session workspaces
	OutputDir    string        // received videos
	Timeout      time.Duration // per network phase
	Convert      bool          // produce a playable mp4 after decoding

	HTTPAddr string
	DNSAddr  string // empty disables the status server
	Domain   string

	Registry     string // memory, file or sqlite
	RegistryPath string
	RegistryTTL  time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Addr:         spec.DEFAULT_ADDR,
		Transport:    transport.KindTCP,
		VideoBackend: video.BackendFFmpeg,
		OutputDir:    "received",
		Timeout:      spec.DEFAULT_TIMEOUT * time.Second,
		Convert:      true,
		HTTPAddr:     spec.DEFAULT_HTTP_ADDR,
		DNSAddr:      "",
		Domain:       spec.DEFAULT_DOMAIN,
		Registry:     registry.BackendMemory,
		RegistryTTL:  24 * time.Hour,
		LogLevel:     "info",
		LogFormat:    logging.FormatText,
	}
}

// Validate rejects unknown enum values and impossible combinations
func (c Config) Validate() error {
	var errs []error

	switch c.Transport {
	case transport.KindTCP, transport.KindQUIC:
	default:
		errs = append(errs, fmt.Errorf("transport must be %q or %q, got %q", transport.KindTCP, transport.KindQUIC, c.Transport))
	}

	switch c.VideoBackend {
	case video.BackendFFmpeg, video.BackendArchive:
	default:
		errs = append(errs, fmt.Errorf("video backend must be %q or %q, got %q", video.BackendFFmpeg, video.BackendArchive, c.VideoBackend))
	}

	switch c.Registry {
	case registry.BackendMemory:
	case registry.BackendFile, registry.BackendSQLite:
		if c.RegistryPath == "" {
			errs = append(errs, fmt.Errorf("registry %q needs a path", c.Registry))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry %q", c.Registry))
	}

	if c.Addr == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout cannot be negative"))
	}
	if c.DNSAddr != "" && c.Domain == "" {
		errs = append(errs, errors.New("dns status server needs a domain"))
	}

	return errors.Join(errs...)
}

// FromEnv overrides fields from prefix-named variables, e.g. SIMULACRA_ADDR
func (c *Config) FromEnv(prefix string) error {
	return c.fromLookup(prefix, os.LookupEnv)
}

func (c *Config) fromLookup(prefix string, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ADDR":          &c.Addr,
		"TRANSPORT":     &c.Transport,
		"VIDEO_BACKEND": &c.VideoBackend,
		"WORK_DIR":      &c.WorkDir,
		"OUTPUT_DIR":    &c.OutputDir,
		"HTTP_ADDR":     &c.HTTPAddr,
		"DNS_ADDR":      &c.DNSAddr,
		"DOMAIN":        &c.Domain,
		"REGISTRY":      &c.Registry,
		"REGISTRY_PATH": &c.RegistryPath,
		"LOG_LEVEL":     &c.LogLevel,
		"LOG_FORMAT":    &c.LogFormat,
	}
	for name, dst := range strs {
		if v, ok := lookup(prefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	durations := map[string]*time.Duration{
		"TIMEOUT":      &c.Timeout,
		"REGISTRY_TTL": &c.RegistryTTL,
	}
	for name, dst := range durations {
		v, ok := lookup(prefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", prefix, name, err)
		}
		*dst = d
	}

	if v, ok := lookup(prefix + "CONVERT"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sCONVERT: %w", prefix, err)
		}
		c.Convert = b
	}
	return nil
}
