// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package obslog wires the structured logger shared by the erst store and
// the mailbox handler.
package obslog

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the package-wide structured logger. Components take a
// *logrus.Entry (via New) rather than depend on this global directly, but
// New falls back to it when no entry is supplied.
var Logger = logrus.New()

func init() {
	Logger.SetFormatter(&CallerFormatter{TimestampFormat: "15:04:05.000"})
}

// CallerFormatter prints "time [LEVEL] message key=value...", with the
// level cut to four characters. It prints no caller information.
type CallerFormatter struct {
	TimestampFormat string
}

// Format implements logrus.Formatter.
func (f *CallerFormatter) Format(e *logrus.Entry) ([]byte, error) {
	ts := e.Time.Format(f.TimestampFormat)
	level := strings.ToUpper(e.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", ts, level, e.Message)
	for k, v := range e.Data {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// New returns a component-scoped logger entry, e.g. New("recovery").
func New(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// Caller returns "file:line" of the function that called the function that
// called Caller - used sparingly, on repair/reconciliation paths only.
func Caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "?"
	}

	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}

	return fmt.Sprintf("%s:%d", file, line)
}
