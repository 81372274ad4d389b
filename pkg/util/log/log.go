// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

// Package log implements logging analogous to the Google-internal C++
// INFO/ERROR/FATAL logs. All messages are redactable: formatting runs through
// github.com/cockroachdb/redact so that unsafe values can be scrubbed from
// collected logs, and every line carries the logtags found in the context.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
	"github.com/freshetdb/freshet/pkg/util/syncutil"
	"github.com/freshetdb/freshet/pkg/util/timeutil"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int32

// These constants identify the log levels in order of increasing severity.
// A message written to a high-severity log file is also written to each
// lower-severity log file.
const (
	InfoLog Severity = iota
	WarningLog
	ErrorLog
	FatalLog
)

const severityChar = "IWEF"

var logging struct {
	mu struct {
		syncutil.Mutex
		sink io.Writer
	}
	// verbosity holds the log verbosity for V and VEventf. Only levels at or
	// below this value are logged.
	verbosity int32
}

func init() {
	logging.mu.sink = os.Stderr
}

// SetVerbosity sets the verbosity threshold for V and VEventf and returns the
// previous value.
func SetVerbosity(level int32) int32 {
	return atomic.SwapInt32(&logging.verbosity, level)
}

// V returns true if the verbosity is at or above the requested level. Use as:
//
//	if log.V(2) { log.Infof(ctx, "expensive detail: %v", slowComputation()) }
func V(level int32) bool {
	return atomic.LoadInt32(&logging.verbosity) >= level
}

// SetSink redirects log output to w and returns a function restoring the
// previous sink. Only tests should use this.
func SetSink(w io.Writer) func() {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	prev := logging.mu.sink
	logging.mu.sink = w
	return func() {
		logging.mu.Lock()
		defer logging.mu.Unlock()
		logging.mu.sink = prev
	}
}

// Infof logs to the INFO log. Arguments are handled in the manner of
// redact.Sprintf.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, 1, InfoLog, format, args...)
}

// Warningf logs to the WARNING and INFO logs.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, 1, WarningLog, format, args...)
}

// Errorf logs to the ERROR, WARNING, and INFO logs.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, 1, ErrorLog, format, args...)
}

// Fatalf logs to the FATAL, ERROR, WARNING, and INFO logs, then terminates
// the process.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, 1, FatalLog, format, args...)
	os.Exit(255)
}

// VEventf logs the message at the given verbosity level. The message also
// becomes an event on the trace span found in the context, if any.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if !V(level) {
		return
	}
	logfDepth(ctx, 1, InfoLog, format, args...)
}

// VEvent is like VEventf for a pre-formatted message.
func VEvent(ctx context.Context, level int32, msg string) {
	if !V(level) {
		return
	}
	logfDepth(ctx, 1, InfoLog, "%s", msg)
}

func logfDepth(ctx context.Context, depth int, sev Severity, format string, args ...interface{}) {
	file, line := caller(depth + 1)
	now := timeutil.Now()
	msg := redact.Sprintf(format, args...)

	var buf strings.Builder
	buf.WriteByte(severityChar[sev])
	buf.WriteString(now.Format("060102 15:04:05.000000"))
	buf.WriteByte(' ')
	buf.WriteString(file)
	buf.WriteByte(':')
	fmt.Fprintf(&buf, "%d", line)
	if tags := logtags.FromContext(ctx); tags != nil {
		buf.WriteString(" [")
		buf.WriteString(tags.String())
		buf.WriteByte(']')
	}
	buf.WriteByte(' ')
	buf.WriteString(msg.StripMarkers())
	buf.WriteByte('\n')

	logging.mu.Lock()
	defer logging.mu.Unlock()
	_, _ = io.WriteString(logging.mu.sink, buf.String())
	if sev == FatalLog {
		// Dump the stack of the dying goroutine so the line is actionable.
		stack := make([]byte, 1<<16)
		stack = stack[:runtime.Stack(stack, false)]
		_, _ = logging.mu.sink.Write(stack)
	}
}

func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???", 0
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return file, line
}

// Every provides a way to rate limit spammy log messages. It tracks how
// recently a given log message has been emitted so that it can determine
// whether it's worth logging again.
type Every struct {
	n    time.Duration
	last atomic.Int64
}

// EveryN returns an Every allowing a log message every n duration.
func EveryN(n time.Duration) Every {
	return Every{n: n}
}

// ShouldLog returns whether it's been more than N time since the last event.
func (e *Every) ShouldLog() bool {
	now := timeutil.Now().UnixNano()
	last := e.last.Load()
	if now-last >= e.n.Nanoseconds() {
		return e.last.CompareAndSwap(last, now)
	}
	return false
}
