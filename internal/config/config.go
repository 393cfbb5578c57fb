/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is the user-editable configuration persisted to a YAML file in the user scope.
// Environment variables are treated as read-only overrides at runtime.
//
// config_version: bump when the structure changes in a backward-incompatible way.
// Unknown fields are ignored on unmarshal.

type StoreConfig struct {
	// ModelPath locates the JSON model describing entities and their indexed attribute.
	ModelPath string `yaml:"model_path"`
	// StorePath is the SQLite file; empty selects a private in-memory store.
	StorePath string `yaml:"store_path"`
	// Driver is "sqlite" (default) or "pgx".
	Driver string `yaml:"driver"`
	// DSN is used by the pgx driver. The password is not stored on disk; it lives in the OS keychain.
	DSN                 string `yaml:"dsn"`
	UseBackgroundWriter bool   `yaml:"use_background_writer"`
	// MergePolicy is "incoming" (saved values win) or "local" (unsaved main-context edits win).
	MergePolicy string `yaml:"merge_policy"`
	QueueSize   int    `yaml:"queue_size"`
}

type DiagnosticsConfig struct {
	TelemetryOptIn bool   `yaml:"telemetry_opt_in"`
	CrashReportDir string `yaml:"crash_report_dir"`
	// KeepFailures bounds the in-process failure ring used when no failure handler is installed.
	KeepFailures int `yaml:"keep_failures"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

type AppConfig struct {
	ConfigVersion int               `yaml:"config_version"`
	Store         StoreConfig       `yaml:"store"`
	Diagnostics   DiagnosticsConfig `yaml:"diagnostics"`
	Logging       LoggingConfig     `yaml:"logging"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		Store:         StoreConfig{Driver: "sqlite", UseBackgroundWriter: true, MergePolicy: "incoming", QueueSize: 64},
		Diagnostics:   DiagnosticsConfig{TelemetryOptIn: false, KeepFailures: 32},
		Logging:       LoggingConfig{Level: "info", Format: "console", Source: false, File: ""},
	}
}

// Env var names used as overrides.
const (
	EnvConfigFile       = "ACD_CONFIG"
	EnvModelPath        = "ACD_MODEL"
	EnvStorePath        = "ACD_STORE"
	EnvDriver           = "ACD_DRIVER"
	EnvDSN              = "ACD_DSN"
	EnvBackgroundWriter = "ACD_BACKGROUND_WRITER"
	EnvMergePolicy      = "ACD_MERGE_POLICY"
	EnvTelemetryOptIn   = "ACD_TELEMETRY_OPT_IN"
	EnvCrashReportDir   = "ACD_CRASH_DIR"
	// EnvLogLevel Logging envs
	EnvLogLevel  = "ACD_LOG_LEVEL"
	EnvLogFormat = "ACD_LOG_FORMAT"
	EnvLogSource = "ACD_LOG_SOURCE"
	EnvLogFile   = "ACD_LOG_FILE"
)

// ConfigPath returns the per-user config file path, or the ACD_CONFIG override.
func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigFile)); p != "" {
		return p, nil
	}
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" { // fallback
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "ACECoreData")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "ACECoreData")
	default: // linux and others
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = filepath.Join(xdg, "acecoredata")
		} else {
			base = filepath.Join(os.Getenv("HOME"), ".config", "acecoredata")
		}
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads the user config file (if present), applies defaults, and merges environment overrides.
// For the pgx driver it also loads the database password from the keyring
// (not kept inside the struct; returned separately).
func Load() (AppConfig, string, error) {
	cfg := Defaults()
	path, err := ConfigPath()
	if err != nil {
		return cfg, "", err
	}
	if data, err := os.ReadFile(path); err == nil {
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err == nil {
			mergeInto(&cfg, &fileCfg)
		}
	}
	applyEnvOverrides(&cfg)
	var secret string
	if cfg.Store.Driver == "pgx" {
		secret, _ = tokenStore.Get(keyringService, keyringPassword)
	}
	return cfg, secret, nil
}

// Save writes the user config YAML and persists the database password into the OS keyring (if non-empty).
func Save(cfg AppConfig, password string) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	if password != "" {
		if err := tokenStore.Set(keyringService, keyringPassword, password); err != nil {
			return err
		}
	}
	return nil
}

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	if s := strings.TrimSpace(src.Store.ModelPath); s != "" {
		dst.Store.ModelPath = s
	}
	// an empty store path is meaningful (in-memory), so only non-empty values replace the default
	if s := strings.TrimSpace(src.Store.StorePath); s != "" {
		dst.Store.StorePath = s
	}
	if s := strings.ToLower(strings.TrimSpace(src.Store.Driver)); s != "" {
		dst.Store.Driver = s
	}
	if s := strings.TrimSpace(src.Store.DSN); s != "" {
		dst.Store.DSN = s
	}
	// booleans: copy directly from src (file) so user preferences persist
	dst.Store.UseBackgroundWriter = src.Store.UseBackgroundWriter
	if s := strings.ToLower(strings.TrimSpace(src.Store.MergePolicy)); s != "" {
		dst.Store.MergePolicy = s
	}
	if src.Store.QueueSize > 0 {
		dst.Store.QueueSize = src.Store.QueueSize
	}
	dst.Diagnostics.TelemetryOptIn = src.Diagnostics.TelemetryOptIn
	if s := strings.TrimSpace(src.Diagnostics.CrashReportDir); s != "" {
		dst.Diagnostics.CrashReportDir = s
	}
	if src.Diagnostics.KeepFailures > 0 {
		dst.Diagnostics.KeepFailures = src.Diagnostics.KeepFailures
	}
	// logging
	if strings.TrimSpace(src.Logging.Level) != "" {
		dst.Logging.Level = strings.ToLower(strings.TrimSpace(src.Logging.Level))
	}
	if strings.TrimSpace(src.Logging.Format) != "" {
		dst.Logging.Format = strings.ToLower(strings.TrimSpace(src.Logging.Format))
	}
	dst.Logging.Source = src.Logging.Source
	if strings.TrimSpace(src.Logging.File) != "" {
		dst.Logging.File = strings.TrimSpace(src.Logging.File)
	}
}

func parseBool(v string) bool {
	lv := strings.ToLower(strings.TrimSpace(v))
	return lv == "1" || lv == "true" || lv == "on" || lv == "yes"
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvModelPath)); v != "" {
		cfg.Store.ModelPath = v
	}
	if v, ok := os.LookupEnv(EnvStorePath); ok {
		// ACD_STORE= (set but empty) forces in-memory storage
		cfg.Store.StorePath = strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvDriver)); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvDSN)); v != "" {
		cfg.Store.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBackgroundWriter)); v != "" {
		cfg.Store.UseBackgroundWriter = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvMergePolicy)); v != "" {
		cfg.Store.MergePolicy = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelemetryOptIn)); v != "" {
		cfg.Diagnostics.TelemetryOptIn = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvCrashReportDir)); v != "" {
		cfg.Diagnostics.CrashReportDir = v
	}
	// logging overrides
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		cfg.Logging.Source = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	var env string
	switch key {
	case "store.model_path":
		env = EnvModelPath
	case "store.store_path":
		if _, ok := os.LookupEnv(EnvStorePath); ok {
			return EnvStorePath, true
		}
		return "", false
	case "store.driver":
		env = EnvDriver
	case "store.dsn":
		env = EnvDSN
	case "store.use_background_writer":
		env = EnvBackgroundWriter
	case "store.merge_policy":
		env = EnvMergePolicy
	case "diagnostics.telemetry_opt_in":
		env = EnvTelemetryOptIn
	case "diagnostics.crash_report_dir":
		env = EnvCrashReportDir
	case "logging.level":
		env = EnvLogLevel
	case "logging.format":
		env = EnvLogFormat
	case "logging.source":
		env = EnvLogSource
	case "logging.file":
		env = EnvLogFile
	default:
		return "", false
	}
	if os.Getenv(env) != "" {
		return env, true
	}
	return "", false
}

// Validate checks the store section before a manager is opened.
func (s StoreConfig) Validate() error {
	if strings.TrimSpace(s.ModelPath) == "" {
		return errors.New("store.model_path is required")
	}
	switch s.Driver {
	case "", "sqlite":
	case "pgx":
		if strings.TrimSpace(s.DSN) == "" {
			return errors.New("store.dsn is required for the pgx driver")
		}
	default:
		return errors.New("unknown store.driver " + strconv.Quote(s.Driver))
	}
	switch s.MergePolicy {
	case "", "incoming", "local":
	default:
		return errors.New("unknown store.merge_policy " + strconv.Quote(s.MergePolicy))
	}
	return nil
}
