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

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("Writer lines mismatch (-want +got):\n%s", diff)
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	var out bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &out}}
	ts := time.Date(2026, time.March, 4, 5, 6, 7, 8000, time.UTC)
	e.Emit(0, Warning, ts, "refs %d", 3)

	re := regexp.MustCompile(`^W0304 05:06:07\.000008 +\d+ log_test\.go:\d+\] refs 3\n$`)
	if got := out.String(); !re.MatchString(got) {
		t.Errorf("GoogleEmitter line = %q, want match for %s", got, re)
	}
}

func TestJSONEmitter(t *testing.T) {
	var out bytes.Buffer
	e := JSONEmitter{&Writer{Next: &out}}
	ts := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	e.Emit(0, Info, ts, "hello %s", "world")

	var got jsonLog
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", out.String(), err)
	}
	if got.Level != Info || !got.Time.Equal(ts) {
		t.Errorf("got level %v time %v, want %v %v", got.Level, got.Time, Info, ts)
	}
	if !strings.HasSuffix(got.Msg, "] hello world") {
		t.Errorf("Msg = %q, want suffix %q", got.Msg, "] hello world")
	}
}

func TestBasicLoggerLevels(t *testing.T) {
	var out bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: &out}}
	l.Debugf("debug")
	l.Infof("info")
	l.Warningf("warning")
	want := "info\nwarning\n"
	if got := out.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var out bytes.Buffer
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: &out}}
	rl := RateLimitedLogger(base, time.Hour, 2)
	for i := 0; i < 5; i++ {
		rl.Warningf("leak %d", i)
	}
	if got, want := strings.Count(out.String(), "\n"), 2; got != want {
		t.Errorf("rate limited logger emitted %d lines, want %d:\n%s", got, want, out.String())
	}
}

func TestLogrusEmitter(t *testing.T) {
	var out bytes.Buffer
	lr := logrus.New()
	lr.SetOutput(&out)
	lr.SetLevel(logrus.DebugLevel)
	lr.SetFormatter(&logrus.JSONFormatter{})

	LogrusEmitter{Logger: lr}.Emit(0, Warning, time.Now(), "refs %d", 7)

	var entry map[string]any
	if err := json.Unmarshal(out.Bytes(), &entry); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", out.String(), err)
	}
	if entry["level"] != "warning" || entry["msg"] != "refs 7" {
		t.Errorf("logrus entry = %v, want level=warning msg=%q", entry, "refs 7")
	}
	if c, _ := entry["caller"].(string); !strings.HasPrefix(c, "log_test.go:") {
		t.Errorf("caller = %q, want log_test.go:<line>", c)
	}
}

type recordingTB struct {
	lines    []string
	cleanups []func()
}

func (r *recordingTB) Logf(format string, v ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, v...))
}

func (r *recordingTB) Cleanup(f func()) {
	r.cleanups = append(r.cleanups, f)
}

func TestForTest(t *testing.T) {
	before := Log()
	r := &recordingTB{}
	ForTest(r, Debug)
	Debugf("captured %d", 1)
	if len(r.lines) != 1 || !strings.HasSuffix(r.lines[0], "Debug: captured 1") {
		t.Errorf("captured lines = %q", r.lines)
	}
	for _, f := range r.cleanups {
		f()
	}
	if Log() != before {
		t.Errorf("ForTest cleanup did not restore the global logger")
	}
}
