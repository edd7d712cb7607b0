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

// Package cmd holds implementations of the basectl commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"

	"gobase.dev/gobase/basectl/config"
	"gobase.dev/gobase/pkg/log"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.WarningfAtDepth(1, format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// writeMetrics writes the Prometheus text of every source to the file named
// by conf.MetricsFile, or stdout for "-". It does nothing if no file is
// configured.
func writeMetrics(conf *config.Config, sources ...func(io.Writer)) error {
	if conf.MetricsFile == "" {
		return nil
	}
	var w io.Writer = os.Stdout
	if conf.MetricsFile != "-" {
		// Concurrent runs may share a metrics file.
		l := flock.New(conf.MetricsFile + ".lock")
		if err := l.Lock(); err != nil {
			return fmt.Errorf("error acquiring lock on metrics lock file %q: %v", l.Path(), err)
		}
		defer l.Unlock()
		f, err := os.Create(conf.MetricsFile)
		if err != nil {
			return fmt.Errorf("creating metrics file: %w", err)
		}
		defer f.Close()
		w = f
	}
	for _, write := range sources {
		write(w)
	}
	return nil
}
