// Package config provides functions to read in the login front-end's
// TOML configuration and the accompanying .env secrets file into
// defined types.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/go-pluto/imaplogind/types"
)

// Defaults mirror the fixed budgets of the protocol engine itself
// (§3/§6 of the design) rather than anything deployment specific,
// so they are filled in whenever a TOML file leaves the
// corresponding field at its zero value.
const (
	DefaultIdleTimeoutSeconds        = 60
	DefaultAuthRequestTimeoutSeconds = 90
	DefaultMaxBadCommands            = 10
	DefaultDestroyOldestCount        = 16
	DefaultMaxInputLineBytes         = 8192
	DefaultMaxIOBufferBytes          = 4096
	DefaultCapabilityString          = "IMAP4rev1"
)

// Load takes in the path to the main config file of the login
// front-end in TOML syntax and returns the populated config struct.
func Load(configFile string) (*types.Config, error) {

	conf := new(types.Config)

	if _, err := toml.DecodeFile(configFile, conf); err != nil {
		return nil, fmt.Errorf("config: failed to read TOML config file at %q: %w", configFile, err)
	}

	applyDefaults(conf)

	if err := validate(conf); err != nil {
		return nil, err
	}

	return conf, nil
}

func applyDefaults(conf *types.Config) {

	if conf.IdleTimeoutSeconds == 0 {
		conf.IdleTimeoutSeconds = DefaultIdleTimeoutSeconds
	}

	if conf.AuthRequestTimeoutSeconds == 0 {
		conf.AuthRequestTimeoutSeconds = DefaultAuthRequestTimeoutSeconds
	}

	if conf.MaxBadCommands == 0 {
		conf.MaxBadCommands = DefaultMaxBadCommands
	}

	if conf.DestroyOldestCount == 0 {
		conf.DestroyOldestCount = DefaultDestroyOldestCount
	}

	if conf.MaxInputLineBytes == 0 {
		conf.MaxInputLineBytes = DefaultMaxInputLineBytes
	}

	if conf.MaxIOBufferBytes == 0 {
		conf.MaxIOBufferBytes = DefaultMaxIOBufferBytes
	}

	if conf.CapabilityString == "" {
		conf.CapabilityString = DefaultCapabilityString
	}
}

// validate rejects configurations that would violate an invariant
// the rest of the system relies on without checking at runtime.
func validate(conf *types.Config) error {

	if conf.AuthRequestTimeoutSeconds <= conf.IdleTimeoutSeconds {
		return fmt.Errorf("config: auth_request_timeout (%ds) must be strictly greater than idle_timeout (%ds)", conf.AuthRequestTimeoutSeconds, conf.IdleTimeoutSeconds)
	}

	return nil
}
