// SPDX-License-Identifier: MIT

package cmd

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// Config supplies defaults for connection flags. Flags given on the command
// line always win.
type Config struct {
	Port        string `toml:"port"`
	Baud        int    `toml:"baud"`
	URL         string `toml:"url"`
	Username    string `toml:"username"`
	NoSSLVerify bool   `toml:"no_ssl_verify"`
	MQTT        string `toml:"mqtt"`
}

// defaultConfigPath is consulted when --config is not given.
const defaultConfigPath = "luatt.toml"

// cfg holds the loaded config; zero-valued when no file was found.
var cfg Config

// applyConfig loads the TOML config (if any) and fills in flags the user
// did not set explicitly.
func applyConfig(cmd *cobra.Command) error {
	path := configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			return nil
		}
		path = defaultConfigPath
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}

	flags := cmd.Flags()
	if !flags.Changed("port") && cfg.Port != "" {
		portName = cfg.Port
	}
	if !flags.Changed("baud") && cfg.Baud != 0 {
		baudRate = cfg.Baud
	}
	if !flags.Changed("url") && cfg.URL != "" {
		wsURL = cfg.URL
	}
	if !flags.Changed("username") && cfg.Username != "" {
		wsUsername = cfg.Username
	}
	if !flags.Changed("no-ssl-verify") {
		wsNoSSLVerify = wsNoSSLVerify || cfg.NoSSLVerify
	}
	return nil
}
