// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// MaxICEServers caps how many servers are handed to a peer connection.
// Large server lists slow down gathering without improving connectivity.
const MaxICEServers = 3

const (
	DefaultNegotiationTimeout = 15 * time.Second
	DefaultFailedGraceDelay   = 5 * time.Second
)

type Config struct {
	// A list of ICE server (STUN/TURN) configurations to use.
	ICEServers ICEServers `toml:"ice_servers"`
	TURNConfig TURNConfig `toml:"turn"`
	// NegotiationTimeout bounds a single offer/answer round trip.
	NegotiationTimeout time.Duration `toml:"negotiation_timeout"`
	// FailedGraceDelay is how long a peer in failed state is kept around
	// before being torn down, giving in-flight recovery a chance to land.
	FailedGraceDelay time.Duration `toml:"failed_grace_delay"`
}

func (c *Config) SetDefaults() {
	if c.NegotiationTimeout == 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.FailedGraceDelay == 0 {
		c.FailedGraceDelay = DefaultFailedGraceDelay
	}
}

func (c Config) IsValid() error {
	if err := c.ICEServers.IsValid(); err != nil {
		return fmt.Errorf("invalid ICEServers value: %w", err)
	}

	if err := c.TURNConfig.IsValid(); err != nil {
		return fmt.Errorf("invalid TURNConfig: %w", err)
	}

	if c.NegotiationTimeout <= 0 {
		return fmt.Errorf("invalid NegotiationTimeout value: should be greater than zero")
	}

	if c.FailedGraceDelay < 0 {
		return fmt.Errorf("invalid FailedGraceDelay value: should not be negative")
	}

	return nil
}

type ICEServerConfig struct {
	URLs       []string `toml:"urls" json:"urls"`
	Username   string   `toml:"username,omitempty" json:"username,omitempty"`
	Credential string   `toml:"credential,omitempty" json:"credential,omitempty"`
}

type ICEServers []ICEServerConfig

func (c ICEServerConfig) IsValid() error {
	if len(c.URLs) == 0 {
		return fmt.Errorf("invalid empty URLs")
	}
	for _, u := range c.URLs {
		if u == "" {
			return fmt.Errorf("invalid empty URL")
		}

		if _, err := stun.ParseURI(u); err != nil {
			return fmt.Errorf("invalid URL %q: %w", u, err)
		}
	}
	return nil
}

func (c ICEServerConfig) IsTURN() bool {
	for _, u := range c.URLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return false
		}
	}
	return len(c.URLs) > 0
}

func (c ICEServerConfig) IsSTUN() bool {
	for _, u := range c.URLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return false
		}
	}
	return len(c.URLs) > 0
}

func (s ICEServers) IsValid() error {
	for _, cfg := range s {
		if err := cfg.IsValid(); err != nil {
			return err
		}
	}
	return nil
}

func (s ICEServers) getSTUN() ICEServers {
	for _, cfg := range s {
		if cfg.IsSTUN() {
			return ICEServers{cfg}
		}
	}
	return nil
}

func (s ICEServers) getTURN() ICEServers {
	var out ICEServers
	for _, cfg := range s {
		if cfg.IsTURN() {
			out = append(out, cfg)
		}
	}
	return out
}

func (s *ICEServers) Decode(value string) error {
	var urls []string
	err := json.Unmarshal([]byte(value), &urls)
	if err == nil {
		*s = ICEServers{
			{
				URLs: urls,
			},
		}
		return nil
	}

	return json.Unmarshal([]byte(value), s)
}

func (s *ICEServers) UnmarshalTOML(data interface{}) error {
	d, ok := data.([]interface{})
	if !ok {
		return fmt.Errorf("invalid type %T", data)
	}

	var iceServers ICEServers
	for _, obj := range d {
		var server ICEServerConfig

		switch t := obj.(type) {
		case string:
			server.URLs = append(server.URLs, t)
		case map[string]interface{}:
			urls, _ := t["urls"].([]interface{})
			for _, u := range urls {
				uVal, _ := u.(string)
				server.URLs = append(server.URLs, uVal)
			}
			server.Username, _ = t["username"].(string)
			server.Credential, _ = t["credential"].(string)
		default:
			return fmt.Errorf("unknown type %T", t)
		}

		iceServers = append(iceServers, server)
	}

	*s = iceServers

	return nil
}
