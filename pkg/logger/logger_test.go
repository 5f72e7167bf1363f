// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnstructuredLogsCheck(t *testing.T) { //nolint:paralleltest // mutates environment
	tests := []struct {
		name     string
		envValue string
		want     bool
	}{
		{name: "unset defaults to unstructured", envValue: "", want: true},
		{name: "true", envValue: "true", want: true},
		{name: "false", envValue: "false", want: false},
		{name: "garbage defaults to unstructured", envValue: "not-a-bool", want: true},
	}

	for _, tt := range tests { //nolint:paralleltest // mutates environment
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("UNSTRUCTURED_LOGS", tt.envValue)
			assert.Equal(t, tt.want, unstructuredLogs())
		})
	}
}

func TestLogLevels(t *testing.T) { //nolint:paralleltest // mutates singleton
	old := Get()
	t.Cleanup(func() { Set(old) })

	tests := []struct {
		name  string
		logFn func()
		level string
		want  string
	}{
		{name: "debugw", logFn: func() { Debugw("debug message", "key", "value") }, level: "DEBUG", want: "debug message"},
		{name: "infof", logFn: func() { Infof("info %s", "message") }, level: "INFO", want: "info message"},
		{name: "warnw", logFn: func() { Warnw("warn message", "key", "value") }, level: "WARN", want: "warn message"},
		{name: "errorf", logFn: func() { Errorf("error %d", 42) }, level: "ERROR", want: "error 42"},
	}

	for _, tt := range tests { //nolint:paralleltest // mutates singleton
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Set(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

			tt.logFn()

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, tt.want, entry["msg"])
		})
	}
}

func TestGet(t *testing.T) { //nolint:paralleltest // mutates singleton
	old := Get()
	t.Cleanup(func() { Set(old) })

	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, nil))
	Set(l)

	require.Same(t, l, Get())

	Get().Info("via accessor")
	assert.True(t, strings.Contains(buf.String(), "via accessor"))
}

func TestInitialize(t *testing.T) { //nolint:paralleltest // mutates singleton and environment
	old := Get()
	t.Cleanup(func() { Set(old) })

	t.Setenv("UNSTRUCTURED_LOGS", "false")
	Initialize()

	require.NotNil(t, Get())
}
