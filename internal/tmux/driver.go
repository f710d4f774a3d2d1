// Package tmux wraps the terminal multiplexer CLI. Sessions are the only
// stable I/O channel to an agent process: commands go in through send-keys
// and results come back through capture-pane.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/logger"
)

// ErrCommitDelayTooSmall rejects drivers configured below the mandatory
// minimum pause between the payload write and the commit keystroke.
var ErrCommitDelayTooSmall = errors.New("commit delay below mandatory minimum")

// Driver is the terminal session contract used by agent bridges.
type Driver interface {
	SessionExists(ctx context.Context, name string) (bool, error)
	CreateSession(ctx context.Context, name, initialCommand string) error
	KillSession(ctx context.Context, name string) error

	// SendCommand writes text to the session followed by the commit
	// keystroke. The two writes are separated by the mandatory commit
	// delay; skipping it loses commands under load.
	SendCommand(ctx context.Context, name, text string) error

	// SendKeys performs a single raw write with no commit keystroke.
	SendKeys(ctx context.Context, name, rawKeys string) error

	// CapturePane returns the rendered pane. lastN <= 0 captures the
	// visible pane only.
	CapturePane(ctx context.Context, name string, lastN int) (string, error)
}

// runFunc executes one multiplexer CLI invocation.
type runFunc func(ctx context.Context, binary string, args ...string) ([]byte, error)

func execRun(ctx context.Context, binary string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, binary, args...).CombinedOutput()
}

// CLIDriver shells out to the tmux binary.
type CLIDriver struct {
	binary         string
	commitDelay    time.Duration
	controlTimeout time.Duration
	captureTimeout time.Duration
	logger         *logger.Logger

	run   runFunc
	sleep func(time.Duration)
}

// NewCLIDriver builds a driver from config. The commit delay is validated
// here so a misconfigured orchestrator refuses to start.
func NewCLIDriver(cfg config.TmuxConfig, log *logger.Logger) (*CLIDriver, error) {
	delay := cfg.CommitDelay()
	if delay < config.MinCommitDelay {
		return nil, fmt.Errorf("%w: %s < %s", ErrCommitDelayTooSmall, delay, config.MinCommitDelay)
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "tmux"
	}
	return &CLIDriver{
		binary:         binary,
		commitDelay:    delay,
		controlTimeout: cfg.ControlTimeoutDuration(),
		captureTimeout: cfg.CaptureTimeoutDuration(),
		logger:         log.WithFields(zap.String("component", "tmux-driver")),
		run:            execRun,
		sleep:          time.Sleep,
	}, nil
}

// SessionExists checks for a session by name.
func (d *CLIDriver) SessionExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.controlTimeout)
	defer cancel()

	_, err := d.run(ctx, d.binary, "has-session", "-t", name)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// has-session exits non-zero when the session is missing
		return false, nil
	}
	return false, fmt.Errorf("tmux has-session %s: %w", name, err)
}

// CreateSession starts a detached session, optionally running a command.
func (d *CLIDriver) CreateSession(ctx context.Context, name, initialCommand string) error {
	ctx, cancel := context.WithTimeout(ctx, d.controlTimeout)
	defer cancel()

	args := []string{"new-session", "-d", "-s", name}
	if initialCommand != "" {
		args = append(args, initialCommand)
	}
	if out, err := d.run(ctx, d.binary, args...); err != nil {
		return fmt.Errorf("tmux new-session %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	d.logger.Info("session created", zap.String("session", name))
	return nil
}

// KillSession destroys a session.
func (d *CLIDriver) KillSession(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, d.controlTimeout)
	defer cancel()

	if out, err := d.run(ctx, d.binary, "kill-session", "-t", name); err != nil {
		return fmt.Errorf("tmux kill-session %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	d.logger.Info("session killed", zap.String("session", name))
	return nil
}

// SendCommand writes the literal text, pauses for the commit delay, then
// writes the Enter keystroke. The pause is a correctness requirement of the
// multiplexer, not a tunable.
func (d *CLIDriver) SendCommand(ctx context.Context, name, text string) error {
	if err := d.sendRaw(ctx, name, "-l", "--", text); err != nil {
		return err
	}

	d.sleep(d.commitDelay)

	if err := d.sendRaw(ctx, name, "Enter"); err != nil {
		return fmt.Errorf("commit keystroke: %w", err)
	}
	return nil
}

// SendKeys performs a single raw write, used for control sequences.
func (d *CLIDriver) SendKeys(ctx context.Context, name, rawKeys string) error {
	return d.sendRaw(ctx, name, rawKeys)
}

func (d *CLIDriver) sendRaw(ctx context.Context, name string, keyArgs ...string) error {
	ctx, cancel := context.WithTimeout(ctx, d.controlTimeout)
	defer cancel()

	args := append([]string{"send-keys", "-t", name}, keyArgs...)
	if out, err := d.run(ctx, d.binary, args...); err != nil {
		return fmt.Errorf("tmux send-keys %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CapturePane returns the rendered pane contents.
func (d *CLIDriver) CapturePane(ctx context.Context, name string, lastN int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.captureTimeout)
	defer cancel()

	args := []string{"capture-pane", "-p", "-t", name}
	if lastN > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lastN))
	}
	out, err := d.run(ctx, d.binary, args...)
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// CommitDelay exposes the configured delay, mainly for diagnostics.
func (d *CLIDriver) CommitDelay() time.Duration {
	return d.commitDelay
}
