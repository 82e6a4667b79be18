package powerauth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Configuration is the process-wide, write-once setup for one engine
// instance. It is immutable after Configure succeeds.
type Configuration struct {
	// InstanceID scopes persisted state; one activation exists per instance.
	InstanceID string `yaml:"instance_id"`

	// ApplicationKey identifies the application version to the server.
	ApplicationKey string `yaml:"application_key"`

	// ApplicationSecret authenticates the application version. Also feeds
	// the integrity key protecting the persisted activation record.
	ApplicationSecret string `yaml:"application_secret"`

	// MasterServerPublicKey is the base64 Ed25519 key used to verify
	// server-signed payloads (activation responses, offline data).
	MasterServerPublicKey string `yaml:"master_server_public_key"`

	// BaseEndpointURL is the PowerAuth REST base, e.g.
	// "https://api.example.com/enrollment-server".
	BaseEndpointURL string `yaml:"base_endpoint_url"`

	// Client configures the default HTTP transport.
	Client ClientConfig `yaml:"client"`

	// Keychain configures secure storage expectations.
	Keychain KeychainConfig `yaml:"keychain"`

	// Biometry configures biometric factor policy.
	Biometry BiometryConfig `yaml:"biometry"`

	// MaxFailedAttempts is how many consecutive wrong-password signatures
	// move the activation to Blocked.
	MaxFailedAttempts uint32 `yaml:"max_failed_attempts"`
}

// ClientConfig holds transport settings for the default HTTP client.
type ClientConfig struct {
	TimeoutSeconds           int  `yaml:"timeout_seconds"`
	AllowUnsecuredConnection bool `yaml:"allow_unsecured_connection"`
}

// KeychainConfig holds secure storage settings.
type KeychainConfig struct {
	// RequireEncryption rejects storage backends that do not encrypt at
	// rest. Disable only in tests.
	RequireEncryption bool   `yaml:"require_encryption"`
	AccessGroup       string `yaml:"access_group"`
}

// BiometryConfig holds biometric factor policy.
type BiometryConfig struct {
	// LinkItemsToCurrentSet invalidates the biometry factor when the
	// platform biometric enrollment changes.
	LinkItemsToCurrentSet    bool `yaml:"link_items_to_current_set"`
	FallbackToDevicePasscode bool `yaml:"fallback_to_device_passcode"`
}

// DefaultConfiguration returns a configuration with defaults applied.
// ApplicationKey, ApplicationSecret, MasterServerPublicKey, BaseEndpointURL
// and InstanceID must still be supplied by the caller.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		Client: ClientConfig{
			TimeoutSeconds: 20,
		},
		Keychain: KeychainConfig{
			RequireEncryption: true,
		},
		Biometry: BiometryConfig{
			LinkItemsToCurrentSet: true,
		},
		MaxFailedAttempts: 5,
	}
}

// LoadConfiguration loads a configuration from a YAML file, applying
// defaults for unset fields.
func LoadConfiguration(path string) (*Configuration, error) {
	cfg := DefaultConfiguration()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and key formats.
func (c *Configuration) Validate() error {
	if c.InstanceID == "" {
		return newError(ErrInvalidParameter, "instance_id is required")
	}
	if c.ApplicationKey == "" {
		return newError(ErrInvalidParameter, "application_key is required")
	}
	if c.ApplicationSecret == "" {
		return newError(ErrInvalidParameter, "application_secret is required")
	}
	if c.BaseEndpointURL == "" {
		return newError(ErrInvalidParameter, "base_endpoint_url is required")
	}
	key, err := b64decode(c.MasterServerPublicKey)
	if err != nil || len(key) != 32 {
		return newError(ErrInvalidParameter, "master_server_public_key must be a base64 32-byte key")
	}
	if c.MaxFailedAttempts == 0 {
		return newError(ErrInvalidParameter, "max_failed_attempts must be positive")
	}
	if c.Client.TimeoutSeconds <= 0 {
		return newError(ErrInvalidParameter, "client timeout must be positive")
	}
	return nil
}

func (c *Configuration) masterServerKey() []byte {
	key, _ := b64decode(c.MasterServerPublicKey)
	return key
}

// stateIntegrityKey derives the HMAC key protecting the persisted record.
// Bound to the application secret and instance identifier so a record copied
// between instances fails verification.
func (c *Configuration) stateIntegrityKey() []byte {
	return hmacSHA256([]byte(c.ApplicationSecret), []byte("pa-state-integrity&"+c.InstanceID))
}

// ConfigurationBuilder is the positional convenience form on top of the
// configuration struct.
type ConfigurationBuilder struct {
	cfg *Configuration
}

// NewConfigurationBuilder starts a builder from the required positional
// parameters.
func NewConfigurationBuilder(instanceID, appKey, appSecret, masterServerPublicKey string) *ConfigurationBuilder {
	cfg := DefaultConfiguration()
	cfg.InstanceID = instanceID
	cfg.ApplicationKey = appKey
	cfg.ApplicationSecret = appSecret
	cfg.MasterServerPublicKey = masterServerPublicKey
	return &ConfigurationBuilder{cfg: cfg}
}

// BaseEndpointURL sets the server base URL.
func (b *ConfigurationBuilder) BaseEndpointURL(url string) *ConfigurationBuilder {
	b.cfg.BaseEndpointURL = url
	return b
}

// TimeoutSeconds overrides the transport timeout.
func (b *ConfigurationBuilder) TimeoutSeconds(seconds int) *ConfigurationBuilder {
	b.cfg.Client.TimeoutSeconds = seconds
	return b
}

// MaxFailedAttempts overrides the wrong-password threshold.
func (b *ConfigurationBuilder) MaxFailedAttempts(n uint32) *ConfigurationBuilder {
	b.cfg.MaxFailedAttempts = n
	return b
}

// DisableStorageEncryptionRequirement allows unencrypted storage backends.
// Test use only.
func (b *ConfigurationBuilder) DisableStorageEncryptionRequirement() *ConfigurationBuilder {
	b.cfg.Keychain.RequireEncryption = false
	return b
}

// Build validates and returns the configuration.
func (b *ConfigurationBuilder) Build() (*Configuration, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	return b.cfg, nil
}
