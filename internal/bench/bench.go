package bench

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"netsteer/internal/logging"
	"netsteer/internal/remote"
)

const probeRetryInterval = 200 * time.Millisecond

// Config describes one benchmark run: a long-lived server started on
// the remote peer and a client workload run locally against it.
type Config struct {
	ServerHost    string
	ServerCommand string
	ClientCommand string
	Port          int
	SettleDelay   time.Duration
	ProbeTimeout  time.Duration
}

// Result captures the client side of a completed run. A non-zero
// client exit status is recorded, not treated as an orchestration
// failure.
type Result struct {
	Host         string
	ClientStatus int
	Output       string
	Started      time.Time
	Duration     time.Duration
}

type dialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)
type execFunc func(ctx context.Context, command string) (int, string, error)

// Orchestrator runs the server/client pair. The remote server is
// guaranteed to be torn down exactly once on every exit path,
// including cancellation.
type Orchestrator struct {
	runner remote.Runner
	cfg    Config
	logger *logrus.Logger

	dial dialFunc
	exec execFunc
}

func NewOrchestrator(runner remote.Runner, cfg Config) *Orchestrator {
	return &Orchestrator{
		runner: runner,
		cfg:    cfg,
		logger: logging.GetLogger(),
		dial:   net.DialTimeout,
		exec:   runLocalCommand,
	}
}

func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	// Reachability is checked before anything changes on either host.
	if err := o.runner.Reachable(); err != nil {
		return nil, fmt.Errorf("server host unreachable: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"host":    o.cfg.ServerHost,
		"command": o.cfg.ServerCommand,
	}).Info("Starting benchmark server")

	handle, err := o.runner.StartBackground(o.cfg.ServerCommand)
	if err != nil {
		return nil, fmt.Errorf("failed to start benchmark server: %w", err)
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := o.runner.Terminate(handle); err != nil {
				o.logger.WithError(err).Warn("Failed to stop benchmark server")
				return
			}
			o.logger.WithField("pid", handle.PID).Info("Benchmark server stopped")
		})
	}
	defer cleanup()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()

	if err := o.settle(ctx); err != nil {
		return nil, err
	}
	if err := o.probe(ctx); err != nil {
		return nil, err
	}

	o.logger.WithField("command", o.cfg.ClientCommand).Info("Running benchmark client")
	started := time.Now()
	status, output, err := o.exec(ctx, o.cfg.ClientCommand)
	if err != nil {
		return nil, fmt.Errorf("benchmark client failed: %w", err)
	}
	duration := time.Since(started)

	if status != 0 {
		o.logger.WithField("exit_status", status).Warn("Benchmark client exited non-zero")
	}

	return &Result{
		Host:         o.cfg.ServerHost,
		ClientStatus: status,
		Output:       output,
		Started:      started,
		Duration:     duration,
	}, nil
}

// settle gives the server time to bind its port before probing.
func (o *Orchestrator) settle(ctx context.Context) error {
	if o.cfg.SettleDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(o.cfg.SettleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// probe retries a TCP connect until the server accepts or the probe
// window closes. This is the only timeout-bounded step.
func (o *Orchestrator) probe(ctx context.Context) error {
	addr := net.JoinHostPort(o.cfg.ServerHost, strconv.Itoa(o.cfg.Port))
	deadline := time.Now().Add(o.cfg.ProbeTimeout)

	var lastErr error
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return fmt.Errorf("server %s not accepting connections within %s: %w",
					addr, o.cfg.ProbeTimeout, lastErr)
			}
			return fmt.Errorf("server %s not accepting connections within %s", addr, o.cfg.ProbeTimeout)
		}
		conn, err := o.dial("tcp", addr, remaining)
		if err == nil {
			conn.Close()
			o.logger.WithField("addr", addr).Debug("Benchmark server reachable")
			return nil
		}
		lastErr = err

		select {
		case <-time.After(probeRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func runLocalCommand(ctx context.Context, command string) (int, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), output, nil
		}
		return 0, output, fmt.Errorf("failed to run %q: %w", command, err)
	}
	return 0, output, nil
}
