// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for basectl. Each setting that can be changed from the command line must
// be added to Config and registered in RegisterFlags.
package config

import (
	"fmt"
	"time"

	"gobase.dev/gobase/pkg/log"
	"gobase.dev/gobase/pkg/refs"
)

// Config holds configuration that is not part of a command's own flags.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ReferenceLeak sets reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`

	// Checks enables debug-only invariant checks: sequence affinity of
	// non-atomic reference counts and observer lists, and mutex ownership.
	Checks bool `flag:"checks"`

	// Workers is the number of goroutines in the thread pool.
	Workers int `flag:"workers"`

	// LiveObjectsInterval, if non-zero, logs the number of live
	// reference-counted objects periodically while a command runs.
	LiveObjectsInterval time.Duration `flag:"live-objects-interval"`

	// MetricsFile is where commands write their metrics in Prometheus text
	// format. "-" is stdout; empty disables.
	MetricsFile string `flag:"metrics"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', 'json-k8s' or 'logrus'", c.LogFormat)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.LiveObjectsInterval < 0 {
		return fmt.Errorf("live-objects-interval must not be negative, got %v", c.LiveObjectsInterval)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, f := range c.ToFlags() {
		log.Infof("\t%s", f)
	}
	log.Infof("\tworkers: %d, ref-leak-mode: %v", c.Workers, c.ReferenceLeak)
}
