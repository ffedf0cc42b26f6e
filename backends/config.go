// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gomlx/gradkernels/pkg/core/device"
)

// Config is a parsed context configuration, see NewWithConfig for its format.
type Config struct {
	// Name of the context constructor, e.g. "gpu".
	Name string

	// Device is the positional part of the options, e.g. "1" in "gpu:1" or "npu:0" in "custom:npu:0".
	Device string

	// Options are the "key=value" settings.
	Options map[string]string
}

// ParseConfig parses a configuration string "<name>[:<options>]".
func ParseConfig(config string) (c Config, err error) {
	c.Options = make(map[string]string)
	config = strings.TrimSpace(config)
	rest := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		c.Name, rest = config[:idx], config[idx+1:]
	} else {
		c.Name = config
	}
	if rest == "" {
		return
	}
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if key, value, found := strings.Cut(part, "="); found {
			c.Options[strings.TrimSpace(key)] = strings.TrimSpace(value)
			continue
		}
		if c.Device != "" {
			return c, errors.Errorf("configuration %q has more than one device (%q and %q)", config, c.Device, part)
		}
		c.Device = part
	}
	return
}

// Place returns the device place described by the configuration.
func (c Config) Place() (device.Place, error) {
	if c.Device == "" {
		return device.ParsePlace(c.Name)
	}
	return device.ParsePlace(c.Name + ":" + c.Device)
}

// Bytes returns the option key parsed as a number of bytes (e.g.: "512MiB", "2GB" or "1024"),
// or defaultValue if the option is not set.
func (c Config) Bytes(key string, defaultValue uint64) (uint64, error) {
	value, found := c.Options[key]
	if !found {
		return defaultValue, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s=%q", key, value)
	}
	return n, nil
}

// Int returns the option key parsed as an int, or defaultValue if the option is not set.
func (c Config) Int(key string, defaultValue int) (int, error) {
	value, found := c.Options[key]
	if !found {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s=%q", key, value)
	}
	return n, nil
}

// CheckOptions returns an error if any option is not in the list of known keys.
func (c Config) CheckOptions(known ...string) error {
	for key := range c.Options {
		found := false
		for _, k := range known {
			if k == key {
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("unknown option %q for device context %q, valid options are %v", key, c.Name, known)
		}
	}
	return nil
}
