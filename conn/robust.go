package conn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 15 * time.Second
	defaultRetryBackoff   = 2 * time.Second
	killSettleDelay       = 1 * time.Second
	btctlTimeout          = 5 * time.Second
)

// cmdlineKeywords flag processes likely to hold a stale link to the
// machine. Matched case-insensitively against full command lines,
// alongside the device address itself.
var cmdlineKeywords = []string{"xbloom", "bleak", "tea_", "brew"}

// RobustConnector wraps Transport.Connect with bounded retries and
// best-effort host-level recovery between attempts. The recovery steps
// mutate host-global state (process table, bluetooth controller) and
// are inherently racy against unrelated sessions; they are a last
// resort for stale-connection conflicts, never a concurrency primitive.
type RobustConnector struct {
	transport Transport

	maxAttempts        int
	attemptTimeout     time.Duration
	retryBackoff       time.Duration
	aggressiveRecovery bool
}

// NewRobustConnector initializes a connector around the given transport
func NewRobustConnector(t Transport, options ...func(*RobustConnector)) *RobustConnector {
	c := &RobustConnector{
		transport:          t,
		maxAttempts:        defaultMaxAttempts,
		attemptTimeout:     defaultAttemptTimeout,
		retryBackoff:       defaultRetryBackoff,
		aggressiveRecovery: true,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithMaxAttempts sets a custom attempt limit
func WithMaxAttempts(n int) func(*RobustConnector) {
	return func(c *RobustConnector) {
		c.maxAttempts = n
	}
}

// WithAttemptTimeout sets a custom per-attempt connect timeout
func WithAttemptTimeout(timeout time.Duration) func(*RobustConnector) {
	return func(c *RobustConnector) {
		c.attemptTimeout = timeout
	}
}

// WithRetryBackoff sets the pause between failed attempts
func WithRetryBackoff(d time.Duration) func(*RobustConnector) {
	return func(c *RobustConnector) {
		c.retryBackoff = d
	}
}

// WithAggressiveRecovery toggles the process-kill / controller-reset
// steps between attempts. Disabling it never affects protocol
// correctness, only recovery from host environment conflicts.
func WithAggressiveRecovery(enabled bool) func(*RobustConnector) {
	return func(c *RobustConnector) {
		c.aggressiveRecovery = enabled
	}
}

// Connect attempts to establish the link, retrying with a fixed backoff
// and running recovery between failed attempts. It never returns a
// transport that is not actually connected; exhausting all attempts
// yields ErrExhaustedRetries.
func (c *RobustConnector) Connect(ctx context.Context, address string) (Transport, error) {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryBackoff), uint64(c.maxAttempts-1)),
		ctx,
	)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		logrus.StandardLogger().Infof("Connection attempt %d/%d to %s (timeout %s)", attempt, c.maxAttempts, address, c.attemptTimeout)

		if err := c.transport.Connect(address, c.attemptTimeout); err != nil {
			logrus.StandardLogger().Warnf("Connection attempt %d failed: %s", attempt, err)
			if c.aggressiveRecovery && attempt < c.maxAttempts {
				c.recover(ctx, address)
			}
			return err
		}
		if !c.transport.IsConnected() {
			return fmt.Errorf("transport reported success but is not connected")
		}
		return nil
	}, bo)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %d attempts", ErrExhaustedRetries, address, c.maxAttempts)
	}

	logrus.StandardLogger().Infof("Connected to %s on attempt %d", address, attempt)
	return c.transport, nil
}

// recover performs the best-effort cleanup between attempts: kill
// competing processes, then force a controller-level disconnect.
func (c *RobustConnector) recover(ctx context.Context, address string) {
	if killed := killCompetingProcesses(address); killed > 0 {
		logrus.StandardLogger().Infof("Killed %d competing process(es)", killed)
		time.Sleep(killSettleDelay)
	}
	forceDisconnect(ctx, address)
}

// killCompetingProcesses scans the process table for other processes
// whose command line references the device address or a known related
// keyword, and terminates them. The current process is skipped, as are
// processes that vanish mid-scan.
func killCompetingProcesses(address string) int {
	procs, err := process.Processes()
	if err != nil {
		logrus.StandardLogger().Debugf("Process scan failed: %s", err)
		return 0
	}

	needles := append([]string{strings.ToLower(address)}, cmdlineKeywords...)
	self := int32(os.Getpid())

	var killed int
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue // vanished mid-scan or inaccessible
		}
		lower := strings.ToLower(cmdline)

		match := false
		for _, needle := range needles {
			if strings.Contains(lower, needle) {
				match = true
				break
			}
		}
		if !match {
			continue
		}

		logrus.StandardLogger().Warnf("Killing competing process %d: %.100s", p.Pid, cmdline)
		if err := p.Kill(); err != nil {
			logrus.StandardLogger().Debugf("Failed to kill process %d: %s", p.Pid, err)
			continue
		}
		killed++
	}

	return killed
}

// forceDisconnect issues a low-level disconnect for the address via the
// host's bluetooth control utility. Success is optional; the command is
// bounded by a short timeout so a hung controller cannot stall the
// retry loop.
func forceDisconnect(ctx context.Context, address string) {
	cmdCtx, cancel := context.WithTimeout(ctx, btctlTimeout)
	defer cancel()

	out, err := exec.CommandContext(cmdCtx, "bluetoothctl", "disconnect", address).CombinedOutput()
	if err != nil {
		logrus.StandardLogger().Debugf("bluetoothctl disconnect failed: %s", err)
		return
	}
	if strings.Contains(string(out), "Successful") {
		logrus.StandardLogger().Infof("Forced controller disconnect for %s", address)
	}
}
