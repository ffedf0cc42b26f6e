// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines Context, the device execution context kernels run with, and a registry of
// context constructors, one per device kind.
//
// A Context allocates tensor storage on its device (Alloc) and moves data into it (Copy). On host contexts
// these calls are synchronous. On stream contexts (GPU, XPU and custom devices) Copy may only enqueue the
// work, and Synchronize waits for everything enqueued so far.
//
// To create a context, import the implementations needed (e.g. `_ "github.com/gomlx/gradkernels/backends/cpu"`)
// and call New, MustNew or NewWithConfig.
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Constructor takes a configuration (already parsed) and returns a new Context.
type Constructor func(config Config) (Context, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a Context constructor with the given name, e.g. "cpu" or "gpu".
//
// To be safe, call Register during initialization of a package.
// It panics if the name was already registered.
func Register(name string, constructor Constructor) {
	if _, found := registeredConstructors[name]; found {
		exceptions.Panicf("backends.Register(%q): context constructor registered more than once", name)
	}
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered context constructors, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the configuration to use if ConfigEnvVar is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default context configuration to use.
//
// The format of config is "<name>:<options>", see NewWithConfig.
const ConfigEnvVar = "GRADKERNELS_DEVICE"

// New returns a new default Context.
//
// The default is:
//
// 1. The environment ConfigEnvVar is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered constructor is used with an empty configuration.
func New() (Context, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew returns a new default Context or panics if it fails.
func MustNew() Context {
	ctx, err := New()
	if err != nil {
		panic(err)
	}
	return ctx
}

// NewWithConfig creates a context given a configuration string formatted as "<name>[:<options>]".
//
// The "<name>" is the name of a registered constructor (e.g.: "cpu", "gpu", "custom").
// "<options>" is a comma-separated list, where the first element can be the device (e.g.: "1" for "gpu" or
// "npu:0" for "custom"), followed by "key=value" settings, e.g. "gpu:1,memory=512MiB,queue=32".
// If the name is empty the first registered constructor is used.
func NewWithConfig(config string) (Context, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered device contexts -- maybe import the CPU one with import _ "github.com/gomlx/gradkernels/backends/cpu"?`)
	}
	parsed, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	if parsed.Name == "" {
		parsed.Name = firstRegistered
	}
	constructor, found := registeredConstructors[parsed.Name]
	if !found {
		return nil, errors.Errorf("can't find device context %q for configuration %q given, registered names are %s",
			parsed.Name, config, strings.Join(List(), ", "))
	}
	ctx, err := constructor(parsed)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create device context for configuration %q", config)
	}
	klog.V(1).Infof("created device context %s for configuration %q", ctx.Place(), config)
	return ctx, nil
}
