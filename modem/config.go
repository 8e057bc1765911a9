package modem

import (
	"log/slog"
	"time"

	"i4.energy/across/nbgw/at"
)

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	if c.CertChunkSize > at.MaxChunkSize {
		return at.ErrChunkTooLarge
	}
	return nil
}

// Config holds the driver settings. Build it with NewConfigBuilder.
type Config struct {
	Dialer Dialer
	// ATTimeout bounds a single command/response exchange.
	ATTimeout time.Duration
	// InitTimeout bounds the whole initialisation sequence.
	InitTimeout time.Duration
	// ReadTimeout is the default per-handle bound on waiting for each byte
	// of a receive once it has been requested from the module.
	ReadTimeout time.Duration
	// VerboseErrors enables +CME/+CMS categorised error terminators.
	VerboseErrors bool
	// Newline terminates every command line.
	Newline string
	// CertChunkSize is the number of raw credential bytes per upload command.
	CertChunkSize int
	Logger        *slog.Logger
	// Yield is called on every iteration of a wait loop.
	Yield   func()
	Metrics *Metrics
}

func (c *Config) setDefaults() {
	if c.ATTimeout == 0 {
		c.ATTimeout = time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = time.Second
	}
	if c.Newline == "" {
		c.Newline = at.CRLF
	}
	if c.CertChunkSize == 0 {
		c.CertChunkSize = at.MaxChunkSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Yield == nil {
		c.Yield = func() {}
	}
}

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

func (b *ConfigBuilder) WithReadTimeout(d time.Duration) *ConfigBuilder {
	b.config.ReadTimeout = d
	return b
}

func (b *ConfigBuilder) WithVerboseErrors(on bool) *ConfigBuilder {
	b.config.VerboseErrors = on
	return b
}

func (b *ConfigBuilder) WithNewline(nl string) *ConfigBuilder {
	b.config.Newline = nl
	return b
}

func (b *ConfigBuilder) WithCertChunkSize(n int) *ConfigBuilder {
	b.config.CertChunkSize = n
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

// WithYield installs the hook called on every wait loop iteration, letting
// a host scheduler interleave other work.
func (b *ConfigBuilder) WithYield(fn func()) *ConfigBuilder {
	b.config.Yield = fn
	return b
}

func (b *ConfigBuilder) WithMetrics(m *Metrics) *ConfigBuilder {
	b.config.Metrics = m
	return b
}

// Build applies defaults and validates the configuration.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	c.setDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
