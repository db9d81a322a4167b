// SPDX-License-Identifier: MIT

package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func resetFlagState(t *testing.T) {
	t.Helper()
	oldPort, oldBaud, oldURL := portName, baudRate, wsURL
	oldUser, oldVerify, oldPath := wsUsername, wsNoSSLVerify, configPath
	oldCfg := cfg

	// Fold the persistent flags into Flags(), as flag parsing would.
	rootCmd.LocalFlags()

	t.Cleanup(func() {
		portName, baudRate, wsURL = oldPort, oldBaud, oldURL
		wsUsername, wsNoSSLVerify, configPath = oldUser, oldVerify, oldPath
		cfg = oldCfg
		for _, name := range []string{"port", "baud"} {
			if f := rootCmd.Flags().Lookup(name); f != nil {
				f.Changed = false
			}
		}
	})
}

func TestApplyConfigFillsUnsetFlags(t *testing.T) {
	resetFlagState(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "luatt.toml")
	data := "port = \"/dev/ttyACM1\"\nbaud = 921600\nusername = \"ops\"\nmqtt = \"broker.local\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	configPath = path

	if err := applyConfig(rootCmd); err != nil {
		t.Fatalf("applyConfig: %v", err)
	}
	if portName != "/dev/ttyACM1" {
		t.Errorf("portName = %q", portName)
	}
	if baudRate != 921600 {
		t.Errorf("baudRate = %d", baudRate)
	}
	if wsUsername != "ops" {
		t.Errorf("wsUsername = %q", wsUsername)
	}
	if cfg.MQTT != "broker.local" {
		t.Errorf("cfg.MQTT = %q", cfg.MQTT)
	}
}

func TestApplyConfigFlagWins(t *testing.T) {
	resetFlagState(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "luatt.toml")
	if err := os.WriteFile(path, []byte("port = \"/dev/from-config\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	configPath = path

	// Simulate an explicit --port on the command line.
	if err := rootCmd.Flags().Set("port", "/dev/from-flag"); err != nil {
		t.Fatal(err)
	}

	if err := applyConfig(rootCmd); err != nil {
		t.Fatalf("applyConfig: %v", err)
	}
	if portName != "/dev/from-flag" {
		t.Errorf("portName = %q, config overrode explicit flag", portName)
	}
}

func TestApplyConfigMissingFileIsFine(t *testing.T) {
	resetFlagState(t)
	configPath = ""

	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })

	if err := applyConfig(rootCmd); err != nil {
		t.Errorf("applyConfig with no config file: %v", err)
	}
}

func TestApplyConfigBadTOML(t *testing.T) {
	resetFlagState(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "luatt.toml")
	if err := os.WriteFile(path, []byte("port = [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	configPath = path

	if err := applyConfig(rootCmd); err == nil {
		t.Error("applyConfig accepted malformed TOML")
	}
}
