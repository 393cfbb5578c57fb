/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package crash turns panics into reports. Recover is meant for the CLI main
// goroutine and exits the process; Guard wraps caller-supplied code inside the
// store manager and converts a panic into an ordinary *PanicError.
package crash

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	applog "acecoredata/internal/log"
	"acecoredata/internal/version"
)

// exitFn is used to allow testing of Recover without terminating the test process.
var exitFn = os.Exit

var (
	dirMu     sync.RWMutex
	reportDir string
	uploader  Uploader
)

// Uploader receives every crash report after it was written to disk.
type Uploader func(report []byte)

// SetUploader installs the function crash reports are sent to. nil disables uploads.
func SetUploader(u Uploader) {
	dirMu.Lock()
	uploader = u
	dirMu.Unlock()
}

func currentUploader() Uploader {
	dirMu.RLock()
	defer dirMu.RUnlock()
	return uploader
}

// SetReportDir selects where crash reports are written. Empty means the OS temp dir.
func SetReportDir(dir string) {
	dirMu.Lock()
	reportDir = dir
	dirMu.Unlock()
}

// ReportDir returns the directory crash reports go to.
func ReportDir() string {
	dirMu.RLock()
	defer dirMu.RUnlock()
	if reportDir == "" {
		return os.TempDir()
	}
	return reportDir
}

// PanicError is returned by Guard when fn panicked.
type PanicError struct {
	Op     string
	Value  any
	Stack  []byte
	Report string // path of the written crash report, if any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Op, e.Value)
}

// Guard runs fn and recovers a panic into a *PanicError, writing a crash report.
func Guard(op string, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		stack := debug.Stack()
		pe := &PanicError{Op: op, Value: r, Stack: stack}
		l := applog.WithOperation(applog.WithComponent("crash"), op)
		path, werr := writeReport(ReportDir(), op, r, stack)
		if werr != nil {
			l.Error("write crash report failed", slog.Any("err", werr))
		} else {
			pe.Report = path
		}
		l.Error("panic recovered", slog.Any("panic", r), slog.String("report", path))
		err = pe
	}()
	return fn()
}

// Recover captures a panic, logs an error with stacktrace,
// writes an error report file and exits with code 2.
//
// Usage: defer crash.Recover()
func Recover() {
	if r := recover(); r != nil {
		l := applog.WithComponent("crash")
		stack := debug.Stack()
		l.Error("panic recovered", slog.Any("panic", r), slog.String("stack", string(stack)))

		reportPath, _ := writeReport(ReportDir(), "main", r, stack)

		if _, err := fmt.Fprintf(os.Stderr, "A fatal error occurred. A crash report was saved to: %s\n", reportPath); err != nil {
			l.Error("failed to write crash message to stderr", slog.Any("err", err))
		}
		if _, err := fmt.Fprintf(os.Stderr, "Version: %s\nOS/Arch: %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH); err != nil {
			l.Error("failed to write version info to stderr", slog.Any("err", err))
		}
		// Exit with a non-zero code to indicate failure in CLI context.
		exitFn(2)
	}
}

func writeReport(dir, op string, panicVal any, stack []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	stamp := time.Now().Format("20060102-150405.000")
	path := filepath.Join(dir, fmt.Sprintf("crash-%s.log", stamp))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return path, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			applog.WithComponent("crash").Error("failed to close crash report file", slog.Any("err", err), slog.String("path", path))
		}
	}()

	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "ACE Core Data Crash Report\n")
	_, _ = fmt.Fprintf(&buf, "Timestamp: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(&buf, "Version: %s\n", version.String())
	_, _ = fmt.Fprintf(&buf, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(&buf, "Operation: %s\n", op)
	_, _ = fmt.Fprintf(&buf, "\nPanic: %v\n\n", panicVal)
	_, _ = fmt.Fprintf(&buf, "Stack:\n%s\n", string(stack))

	if _, err := f.Write(buf.Bytes()); err != nil {
		return path, err
	}
	_ = f.Sync()

	if up := currentUploader(); up != nil {
		up(buf.Bytes())
	}
	return path, nil
}
