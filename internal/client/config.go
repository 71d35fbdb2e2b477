// Package client implements the session-level state machine described
// by §4.G/§5: one connection, one control goroutine, and the public
// Connect/Disconnect/Send* surface layered over internal/transport,
// internal/pipeline, and internal/session.
//
// Configuration follows the source's functional with_* builder style:
// Option values mutate a Config before New constructs a Client, the
// same shape as the Rust SDK's chained with_* methods.
package client

import "time"

// ReconnectStrategy bounds the exponential backoff used between
// unintended disconnects and the next connect attempt.
type ReconnectStrategy struct {
	MaxRetries  int
	BaseDelayMS int64
	MaxDelayMS  int64
}

func defaultReconnectStrategy() ReconnectStrategy {
	return ReconnectStrategy{MaxRetries: 5, BaseDelayMS: 1000, MaxDelayMS: 30000}
}

// Delay returns the backoff for the given zero-based attempt count, per
// §4.G: min(base * 2^attempts, max).
func (r ReconnectStrategy) Delay(attempts int) time.Duration {
	base := r.BaseDelayMS
	if base <= 0 {
		base = 1000
	}
	max := r.MaxDelayMS
	if max <= 0 {
		max = 30000
	}
	shift := attempts
	if shift > 32 {
		shift = 32
	}
	ms := base << shift
	if ms > max || ms <= 0 {
		ms = max
	}
	return time.Duration(ms) * time.Millisecond
}

// HeartbeatOptions controls the ping/pong liveness check run while a
// session is Active.
type HeartbeatOptions struct {
	Enabled    bool
	IntervalMS int64
	TimeoutMS  int64
}

func defaultHeartbeatOptions() HeartbeatOptions {
	return HeartbeatOptions{Enabled: true, IntervalMS: 15000, TimeoutMS: 45000}
}

// Config carries every configuration knob listed in §6.
type Config struct {
	URL               string
	ClientID          string
	DeviceFingerprint string
	Intent            string
	Capabilities      []string
	Metadata          map[string]any

	DefaultContextTag string
	DefaultAffect     map[string]float64

	StoragePath string

	ReconnectStrategy ReconnectStrategy
	HeartbeatOptions  HeartbeatOptions

	// SecretKey is the long-term symmetric secret: a fallback MAC key
	// when ECDH is disabled, and the key used to sign/verify the ECDH
	// handshake contribution when it is enabled.
	SecretKey string

	RequireSignatureVerification *bool
	MaxMessageAgeMS              int64

	EnableECDHKeyExchange    bool
	EnableMetadataEncryption bool

	LTPVersion string

	// InsecureSkipVerify accepts the peer's TLS certificate without
	// validation; intended for local development and test transports
	// dialing a server with no shared CA.
	InsecureSkipVerify bool
}

func defaultConfig(url string) Config {
	return Config{
		URL:               url,
		Intent:            "resonant_link",
		Capabilities:      []string{"state-update", "events", "ping-pong"},
		Metadata:          map[string]any{},
		ReconnectStrategy: defaultReconnectStrategy(),
		HeartbeatOptions:  defaultHeartbeatOptions(),
		MaxMessageAgeMS:   60000,
		LTPVersion:        "0.6",
	}
}

// requireSignatureVerification resolves the default: true iff a MAC key
// is configured, per §6, unless explicitly overridden.
func (c Config) requireSignatureVerification() bool {
	if c.RequireSignatureVerification != nil {
		return *c.RequireSignatureVerification
	}
	return c.SecretKey != ""
}

// Option mutates a Config under construction. Mirrors the source's
// with_client_id/with_capabilities/... builder chain.
type Option func(*Config)

func WithClientID(id string) Option { return func(c *Config) { c.ClientID = id } }

func WithDeviceFingerprint(fp string) Option {
	return func(c *Config) { c.DeviceFingerprint = fp }
}

func WithIntent(intent string) Option { return func(c *Config) { c.Intent = intent } }

func WithCapabilities(caps []string) Option {
	return func(c *Config) { c.Capabilities = caps }
}

func WithMetadata(meta map[string]any) Option {
	return func(c *Config) { c.Metadata = meta }
}

func WithDefaultContextTag(tag string) Option {
	return func(c *Config) { c.DefaultContextTag = tag }
}

func WithDefaultAffect(affect map[string]float64) Option {
	return func(c *Config) { c.DefaultAffect = affect }
}

func WithStoragePath(path string) Option {
	return func(c *Config) { c.StoragePath = path }
}

func WithReconnectStrategy(strategy ReconnectStrategy) Option {
	return func(c *Config) { c.ReconnectStrategy = strategy }
}

func WithHeartbeatOptions(opts HeartbeatOptions) Option {
	return func(c *Config) { c.HeartbeatOptions = opts }
}

// WithSecretKey sets the long-term symmetric secret, used as a
// fallback MAC key and for ECDH handshake signing.
func WithSecretKey(key string) Option { return func(c *Config) { c.SecretKey = key } }

// WithSessionMACKey is an alias for WithSecretKey: the source accepts
// both names for the same configuration slot.
func WithSessionMACKey(key string) Option { return WithSecretKey(key) }

func WithRequireSignatureVerification(require bool) Option {
	return func(c *Config) { c.RequireSignatureVerification = &require }
}

func WithMaxMessageAgeMS(ms int64) Option {
	return func(c *Config) { c.MaxMessageAgeMS = ms }
}

func WithECDHKeyExchange(enabled bool) Option {
	return func(c *Config) { c.EnableECDHKeyExchange = enabled }
}

func WithMetadataEncryption(enabled bool) Option {
	return func(c *Config) { c.EnableMetadataEncryption = enabled }
}

func WithLTPVersion(version string) Option {
	return func(c *Config) { c.LTPVersion = version }
}

func WithInsecureSkipVerify(skip bool) Option {
	return func(c *Config) { c.InsecureSkipVerify = skip }
}
