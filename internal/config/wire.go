package config

import (
	"flag"

	"github.com/faanross/simulacra_vid/internal/protocol"
	"github.com/faanross/simulacra_vid/internal/registry"
	"github.com/faanross/simulacra_vid/internal/transport"
	"github.com/faanross/simulacra_vid/internal/video"
	"github.com/sirupsen/logrus"
)

// BindFlags registers the shared flags on fs, using the current values as
// defaults. Call it after FromEnv so flags win over the environment.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "Sender listen address / receiver dial address")
	fs.StringVar(&c.Transport, "transport", c.Transport, "Transport: tcp or quic")
	fs.StringVar(&c.VideoBackend, "video", c.VideoBackend, "Video backend: ffmpeg or archive")
	fs.StringVar(&c.WorkDir, "workdir", c.WorkDir, "Parent directory for session workspaces")
	fs.StringVar(&c.OutputDir, "output-dir", c.OutputDir, "Directory for received videos")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "Timeout for each network phase")
	fs.BoolVar(&c.Convert, "convert", c.Convert, "Convert received videos to mp4")
	fs.StringVar(&c.DNSAddr, "dns-addr", c.DNSAddr, "DNS status server address (empty disables)")
	fs.StringVar(&c.Domain, "domain", c.Domain, "Domain for DNS status records")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text or json")
}

// BindServerFlags registers the flags only the control server uses
func (c *Config) BindServerFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "Control API address")
	fs.StringVar(&c.Registry, "registry", c.Registry, "Session registry: memory, file or sqlite")
	fs.StringVar(&c.RegistryPath, "registry-path", c.RegistryPath, "Registry file or database path")
	fs.DurationVar(&c.RegistryTTL, "registry-ttl", c.RegistryTTL, "Forget finished sessions after this long")
}

// VideoIO returns the configured video backend
func (c Config) VideoIO() (video.IO, error) {
	return video.New(c.VideoBackend)
}

// Converter returns the mp4 converter, or nil when conversion is off,
// the backend is not ffmpeg, or ffmpeg is missing
func (c Config) Converter() video.Converter {
	if !c.Convert || c.VideoBackend != video.BackendFFmpeg {
		return nil
	}
	ff := video.NewFFmpeg()
	if !ff.Available() {
		logrus.WithField("function", "Config.Converter").Warn("ffmpeg not found, playable conversion disabled")
		return nil
	}
	return ff
}

// Sender builds a sender from the configuration
func (c Config) Sender() (*protocol.Sender, error) {
	vio, err := c.VideoIO()
	if err != nil {
		return nil, err
	}
	return &protocol.Sender{Video: vio, WorkDir: c.WorkDir, Timeout: c.Timeout}, nil
}

// Receiver builds a receiver from the configuration
func (c Config) Receiver() (*protocol.Receiver, error) {
	vio, err := c.VideoIO()
	if err != nil {
		return nil, err
	}
	dialer, err := transport.NewDialer(c.Transport)
	if err != nil {
		return nil, err
	}
	return &protocol.Receiver{
		Dialer:    dialer,
		Video:     vio,
		Converter: c.Converter(),
		OutputDir: c.OutputDir,
		WorkDir:   c.WorkDir,
		Timeout:   c.Timeout,
	}, nil
}

// OpenRegistry opens the configured session store
func (c Config) OpenRegistry() (registry.Store, error) {
	return registry.Open(c.Registry, c.RegistryPath)
}
