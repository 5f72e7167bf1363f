// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs the optional upstream child process: it starts the
// configured command, relays its output to the process log, probes the
// upstream URL until it is reachable and reports an early exit.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/mcp-auth-proxy/pkg/config"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

const (
	// readinessMaxElapsed bounds the whole readiness probe.
	readinessMaxElapsed = 30 * time.Second

	// readinessInitialInterval is the first probe backoff step.
	readinessInitialInterval = 250 * time.Millisecond

	// readinessMaxInterval caps the probe backoff.
	readinessMaxInterval = 5 * time.Second

	// probeTimeout bounds a single readiness request.
	probeTimeout = 2 * time.Second

	// termGracePeriod is how long the child gets between SIGTERM and
	// SIGKILL on shutdown.
	termGracePeriod = 10 * time.Second
)

// ErrNotConfigured is returned when no run command is set.
var ErrNotConfigured = errors.New("no upstream run command configured")

// Supervisor owns the upstream child process lifecycle.
type Supervisor struct {
	cfg    config.Upstream
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan error
}

// New creates a supervisor for the configured upstream child.
func New(cfg config.Upstream) *Supervisor {
	return &Supervisor{
		cfg:  cfg,
		done: make(chan error, 1),
	}
}

// Start launches the child and blocks until the upstream URL answers or the
// readiness window elapses. The returned error is fatal for the caller.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.RunCommand == "" {
		return ErrNotConfigured
	}

	ctx, s.cancel = context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, s.cfg.RunCommand, s.cfg.RunArgs...) // #nosec G204 -- operator-supplied command
	cmd.Dir = s.cfg.RunDir
	cmd.Env = os.Environ()
	for k, v := range s.cfg.RunEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// SIGTERM first; SIGKILL only after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe child stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe child stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start upstream command: %w", err)
	}
	s.cmd = cmd

	logger.Infow("upstream child started",
		"command", s.cfg.RunCommand,
		"pid", cmd.Process.Pid,
	)

	go relayOutput("stdout", stdout)
	go relayOutput("stderr", stderr)
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Errorw("upstream child exited",
				"error", err.Error(),
			)
		} else {
			logger.Info("upstream child exited")
		}
		s.done <- err
		close(s.done)
	}()

	if err := s.awaitReady(ctx); err != nil {
		s.Stop()
		return fmt.Errorf("upstream never became ready: %w", err)
	}
	return nil
}

// Done reports the child's exit. An exit before shutdown is fatal for the
// process.
func (s *Supervisor) Done() <-chan error {
	return s.done
}

// Stop terminates the child (SIGTERM, then SIGKILL after the grace period)
// and waits for it to exit.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(termGracePeriod + time.Second):
		logger.Warn("upstream child did not exit within the grace period")
	}
}

// awaitReady probes the upstream URL until any HTTP response comes back.
// A response with an error status still means the server is up.
func (s *Supervisor) awaitReady(ctx context.Context) error {
	probeClient := &http.Client{Timeout: probeTimeout}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = readinessInitialInterval
	expBackoff.MaxInterval = readinessMaxInterval

	probe := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL.String(), nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := probeClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		_ = resp.Body.Close()
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, probe,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(readinessMaxElapsed),
		backoff.WithNotify(func(_ error, duration time.Duration) {
			logger.Debugf("upstream not ready, retrying in %v", duration)
		}),
	)
	return err
}

// relayOutput copies child output lines into the process log.
func relayOutput(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Infow("upstream",
			"stream", stream,
			"line", scanner.Text(),
		)
	}
}
