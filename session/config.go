// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package session

import (
	"fmt"

	"github.com/teleclinic/rtckit/logger"
	"github.com/teleclinic/rtckit/quality"
	"github.com/teleclinic/rtckit/recovery"
	"github.com/teleclinic/rtckit/rtc"
	"github.com/teleclinic/rtckit/transport"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

type StoreConfig struct {
	// DataSource is the path to the local session store. Leaving it empty
	// disables persistence and pending-queue replay.
	DataSource string `toml:"data_source"`
}

type Config struct {
	// SessionID identifies the consultation session to join.
	SessionID string `toml:"session_id"`
	// UserID identifies the local participant within the session.
	UserID string `toml:"user_id"`

	Signaling transport.WSClientConfig `toml:"signaling"`
	RTC       rtc.Config               `toml:"rtc"`
	Monitor   quality.MonitorConfig    `toml:"monitor"`
	Recovery  recovery.Config          `toml:"recovery"`
	Store     StoreConfig              `toml:"store"`
	Logger    logger.Config            `toml:"logger"`
}

// Parse validates the config, filling in defaults for anything unset. The
// session and user ids are propagated to the signaling section so they only
// need to be set once.
func (c *Config) Parse() error {
	if c.SessionID == "" {
		return fmt.Errorf("invalid SessionID value: should not be empty")
	}

	if c.UserID == "" {
		return fmt.Errorf("invalid UserID value: should not be empty")
	}

	c.Signaling.SessionID = c.SessionID
	c.Signaling.UserID = c.UserID
	c.Signaling.SetDefaults()

	// The signaling section may legally be empty when a custom transport is
	// injected through an option.
	if c.Signaling.URL != "" {
		if err := c.Signaling.IsValid(); err != nil {
			return fmt.Errorf("failed to validate signaling config: %w", err)
		}
	}

	c.RTC.SetDefaults()
	if err := c.RTC.IsValid(); err != nil {
		return fmt.Errorf("failed to validate rtc config: %w", err)
	}

	c.Monitor.SetDefaults()
	if err := c.Monitor.IsValid(); err != nil {
		return fmt.Errorf("failed to validate monitor config: %w", err)
	}

	c.Recovery.SetDefaults()
	if err := c.Recovery.IsValid(); err != nil {
		return fmt.Errorf("failed to validate recovery config: %w", err)
	}

	c.Logger.SetDefaults()
	if err := c.Logger.IsValid(); err != nil {
		return fmt.Errorf("failed to validate logger config: %w", err)
	}

	return nil
}

// LoadConfig reads the config from the given TOML file. Values can be
// overridden through environment variables corresponding to a specific
// setting.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config file: %w", err)
	}
	if err := envconfig.Process("rtckit", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
