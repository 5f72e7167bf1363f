// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-auth-proxy/pkg/config"
)

func TestStartWithoutRunCommand(t *testing.T) {
	t.Parallel()

	s := New(config.Upstream{})
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestStartFailsForMissingCommand(t *testing.T) {
	t.Parallel()

	upstreamURL, err := url.Parse("http://127.0.0.1:9/")
	require.NoError(t, err)

	s := New(config.Upstream{
		URL:        upstreamURL,
		RunCommand: "/no/such/binary",
	})
	err = s.Start(context.Background())
	assert.Error(t, err)
}

func TestStartWaitsForReadiness(t *testing.T) {
	t.Parallel()

	// The child just sleeps; readiness comes from the probe target.
	probeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound) // any HTTP response counts as ready
	}))
	defer probeSrv.Close()

	upstreamURL, err := url.Parse(probeSrv.URL)
	require.NoError(t, err)

	s := New(config.Upstream{
		URL:        upstreamURL,
		RunCommand: "sleep",
		RunArgs:    []string{"30"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, s.Start(ctx))
	s.Stop()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after Stop")
	}
}

func TestDoneReportsChildExit(t *testing.T) {
	t.Parallel()

	probeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer probeSrv.Close()

	upstreamURL, err := url.Parse(probeSrv.URL)
	require.NoError(t, err)

	s := New(config.Upstream{
		URL:        upstreamURL,
		RunCommand: "sh",
		RunArgs:    []string{"-c", "exit 3"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The child may exit before or after readiness; either way Done fires.
	_ = s.Start(ctx)

	select {
	case err := <-s.Done():
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("child exit was not reported")
	}
}
