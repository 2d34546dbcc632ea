// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the TolTEC project.
// Copyright 2021-present TolTEC Project Collaboration.

// Package config holds the global configuration for the catalog services.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Toltec is the global configuration object.
var Toltec *viper.Viper

func init() {
	Toltec = viper.New()
	Toltec.SetEnvPrefix("TOLTECDP")
	Toltec.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Toltec.AutomaticEnv()
	initConfig(Toltec)
}

// initConfig sets the default value for every known key. Unknown keys in a
// config file are tolerated but never read back.
func initConfig(c *viper.Viper) {
	c.SetDefault("database_url", "sqlite:toltecdp.db")
	c.SetDefault("location_label", "data_lmt")
	c.SetDefault("location_root_uri", "file:///data_lmt")

	// Completion detector.
	c.SetDefault("validation_timeout_seconds", 30)
	c.SetDefault("max_interface_count", 13)
	c.SetDefault("disabled_interfaces", []int{})
	c.SetDefault("sensor_poll_interval_seconds", 10)
	c.SetDefault("batch_size", 50)

	// Ingestors.
	c.SetDefault("commit_interval", 100)
	c.SetDefault("commit_batch_size", 100)
	c.SetDefault("skip_existing", true)

	// Association generation.
	c.SetDefault("incremental", true)
	c.SetDefault("state_backend", "database")
	c.SetDefault("state_dir", "")

	// Obs-spec slice materialization bounds. Arbitrary but historically
	// fixed; kept configurable.
	c.SetDefault("obsspec_subobsnum_bound", 100)
	c.SetDefault("obsspec_scannum_bound", 10000)

	c.SetDefault("log_level", "info")
}

// LoadFile merges the given YAML config file into the global configuration.
func LoadFile(path string) error {
	Toltec.SetConfigFile(path)
	return Toltec.MergeInConfig()
}

// ValidationTimeout returns the completion-detector quiescence timeout.
func ValidationTimeout() time.Duration {
	return time.Duration(Toltec.GetInt("validation_timeout_seconds")) * time.Second
}

// PollInterval returns the acquisition-registry poll interval.
func PollInterval() time.Duration {
	return time.Duration(Toltec.GetInt("sensor_poll_interval_seconds")) * time.Second
}
