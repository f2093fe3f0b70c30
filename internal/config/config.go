package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the per-profile config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	Messaging MessagingConfig `toml:"messaging"`
	Transfer  TransferConfig  `toml:"transfer"`
	Group     GroupConfig     `toml:"group"`
}

// MessagingConfig holds chat-session and message delivery knobs.
type MessagingConfig struct {
	// MaxChatSessions caps the total number of concurrent chat sessions.
	MaxChatSessions int `toml:"max_chat_sessions"`
	// MaxMessageLength caps outgoing text message length in bytes.
	MaxMessageLength int `toml:"max_message_length"`
	// DeliveryTimeoutSec is the delivery-expiration period for outgoing
	// messages. 0 disables expiration.
	DeliveryTimeoutSec int `toml:"delivery_timeout_sec"`
	// AlwaysOn indicates store-and-forward messaging; when set, outgoing
	// messages never carry a delivery expiration.
	AlwaysOn bool `toml:"always_on"`
}

// TransferConfig holds file transfer knobs.
type TransferConfig struct {
	// MaxConcurrentOutgoing caps concurrently active outgoing transfers.
	MaxConcurrentOutgoing int `toml:"max_concurrent_outgoing"`
	// MaxFileSize caps transfer size in bytes. 0 means unlimited.
	MaxFileSize int64 `toml:"max_file_size"`
	// DeliveryTimeoutSec mirrors messaging.delivery_timeout_sec for
	// file transfers.
	DeliveryTimeoutSec int `toml:"delivery_timeout_sec"`
}

// GroupConfig holds group conversation knobs.
type GroupConfig struct {
	// MaxParticipants is the maximum participant count for a group
	// conversation initiated locally.
	MaxParticipants int `toml:"max_participants"`
	// SubjectMaxLength caps group subject length.
	SubjectMaxLength int `toml:"subject_max_length"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Messaging: MessagingConfig{
			MaxChatSessions:    5,
			MaxMessageLength:   2048,
			DeliveryTimeoutSec: 300,
		},
		Transfer: TransferConfig{
			MaxConcurrentOutgoing: 3,
			DeliveryTimeoutSec:    300,
		},
		Group: GroupConfig{
			MaxParticipants:  100,
			SubjectMaxLength: 50,
		},
	}
}

// DeliveryTimeout returns the message delivery-expiration period, zero when
// expiration is disabled or the profile runs in always-on mode.
func (c *Config) DeliveryTimeout() time.Duration {
	if c.Messaging.AlwaysOn {
		return 0
	}
	return time.Duration(c.Messaging.DeliveryTimeoutSec) * time.Second
}

// TransferDeliveryTimeout returns the delivery-expiration period for
// transfers, honoring always-on mode the same way DeliveryTimeout does.
func (c *Config) TransferDeliveryTimeout() time.Duration {
	if c.Messaging.AlwaysOn {
		return 0
	}
	return time.Duration(c.Transfer.DeliveryTimeoutSec) * time.Second
}

// Load reads config from the given path. A missing file yields the default
// configuration; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) validate() error {
	if c.Messaging.MaxChatSessions < 1 {
		return fmt.Errorf("messaging.max_chat_sessions must be >= 1, got %d", c.Messaging.MaxChatSessions)
	}
	if c.Transfer.MaxConcurrentOutgoing < 1 {
		return fmt.Errorf("transfer.max_concurrent_outgoing must be >= 1, got %d", c.Transfer.MaxConcurrentOutgoing)
	}
	if c.Group.MaxParticipants < 2 {
		return fmt.Errorf("group.max_participants must be >= 2, got %d", c.Group.MaxParticipants)
	}
	return nil
}
