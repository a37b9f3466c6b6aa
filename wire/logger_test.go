// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

func newBufferLogger(level LogLevel) (*SimpleLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return NewSimpleLogger(nopWriteCloser{buf}, level, "test"), buf
}

func TestSimpleLoggerFiltersBelowLevel(t *testing.T) {
	logger, buf := newBufferLogger(LevelWarning)

	io.WriteString(logger, "[DEBUG] noisy detail")
	io.WriteString(logger, "[INFO] progress")
	if buf.Len() != 0 {
		t.Errorf("logger emitted output below its level: %q", buf.String())
	}

	io.WriteString(logger, "[ERROR] something broke")
	if !strings.Contains(buf.String(), "something broke") {
		t.Errorf("logger dropped a message at or above its level: %q", buf.String())
	}
}

func TestSimpleLoggerNoneSuppressesEverything(t *testing.T) {
	logger, buf := newBufferLogger(LevelNone)
	io.WriteString(logger, "[ERROR] still suppressed")
	if buf.Len() != 0 {
		t.Errorf("LevelNone logger emitted output: %q", buf.String())
	}
}

func TestSimpleLoggerSetLevelFromString(t *testing.T) {
	logger, _ := newBufferLogger(LevelInfo)
	if err := logger.SetLevelFromString("error"); err != nil {
		t.Fatalf("SetLevelFromString: %v", err)
	}
	if logger.GetLevel() != LevelError {
		t.Errorf("GetLevel() = %v, want LevelError", logger.GetLevel())
	}
	if err := logger.SetLevelFromString("bogus"); err == nil {
		t.Fatal("SetLevelFromString accepted an unknown level")
	}
}

func TestDetermineLevelDefaultsToInfo(t *testing.T) {
	if got := determineLevel("no prefix here"); got != LevelInfo {
		t.Errorf("determineLevel(unprefixed) = %v, want LevelInfo", got)
	}
}
