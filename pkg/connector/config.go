// clinic-chat - A polling chat client for the clinic messaging API.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type ChatConfig struct {
	API      APIConfig         `yaml:"api"`
	Clinic   ClinicConfig      `yaml:"clinic"`
	Sync     SyncSettings      `yaml:"sync"`
	Database DatabaseConfig    `yaml:"database"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

type APIConfig struct {
	// BaseURL is the API root. The URL saved at login takes precedence.
	BaseURL   string `yaml:"base_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type ClinicConfig struct {
	// DefaultStaffID receives messages when the client has no conversation
	// yet and staff search finds nobody.
	DefaultStaffID int64 `yaml:"default_staff_id"`
}

type SyncSettings struct {
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	FastPollIntervalMS  int `yaml:"fast_poll_interval_ms"`
	FastPollTicks       int `yaml:"fast_poll_ticks"`
	FetchTimeoutMS      int `yaml:"fetch_timeout_ms"`
	PageLimit           int `yaml:"page_limit"`
	InitialHistoryPages int `yaml:"initial_history_pages"`
	// CachedMessages is how many cached messages are shown before the
	// first fetch completes.
	CachedMessages int `yaml:"cached_messages"`
}

type DatabaseConfig struct {
	// Type is sqlite3 or postgres.
	Type string `yaml:"type"`
	// URI is the driver connection string. Empty means a sqlite file in the
	// user config directory.
	URI string `yaml:"uri"`
}

type umChatConfig ChatConfig

func (c *ChatConfig) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umChatConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *ChatConfig) PostProcess() error {
	switch c.Database.Type {
	case "":
		c.Database.Type = "sqlite3"
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	if c.Sync.PollIntervalMS < 0 || c.Sync.FastPollIntervalMS < 0 || c.Sync.FetchTimeoutMS < 0 {
		return errors.New("sync intervals must not be negative")
	}
	if c.Sync.FastPollTicks < 0 {
		return errors.New("sync.fast_poll_ticks must not be negative")
	}
	if c.Sync.InitialHistoryPages <= 0 {
		c.Sync.InitialHistoryPages = 1
	}
	if c.Sync.CachedMessages <= 0 {
		c.Sync.CachedMessages = DefaultPageLimit
	}
	return nil
}

// SyncConfig converts the millisecond settings for the sync driver. Zero
// values are replaced with defaults by the driver.
func (c *ChatConfig) SyncConfig() SyncConfig {
	return SyncConfig{
		PollInterval:     time.Duration(c.Sync.PollIntervalMS) * time.Millisecond,
		FastPollInterval: time.Duration(c.Sync.FastPollIntervalMS) * time.Millisecond,
		FastPollTicks:    c.Sync.FastPollTicks,
		FetchTimeout:     time.Duration(c.Sync.FetchTimeoutMS) * time.Millisecond,
		PageLimit:        c.Sync.PageLimit,
		DefaultStaffID:   c.Clinic.DefaultStaffID,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "api", "base_url")
	helper.Copy(up.Int, "api", "timeout_ms")
	helper.Copy(up.Int, "clinic", "default_staff_id")
	helper.Copy(up.Int, "sync", "poll_interval_ms")
	helper.Copy(up.Int, "sync", "fast_poll_interval_ms")
	helper.Copy(up.Int, "sync", "fast_poll_ticks")
	helper.Copy(up.Int, "sync", "fetch_timeout_ms")
	helper.Copy(up.Int, "sync", "page_limit")
	helper.Copy(up.Int, "sync", "initial_history_pages")
	helper.Copy(up.Int, "sync", "cached_messages")
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Map, "logging")
}

var configUpgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"clinic"},
		{"sync"},
		{"database"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// ParseConfig decodes a config file body.
func ParseConfig(data []byte) (*ChatConfig, error) {
	var cfg ChatConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// LoadConfig reads the config at path, adding options that were introduced
// since it was written and saving the upgraded file. A missing file yields
// the example config.
func LoadConfig(path string) (*ChatConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ParseConfig([]byte(ExampleConfig))
	}
	data, _, err := up.Do(path, true, configUpgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}
