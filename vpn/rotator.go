package vpn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"rental_ingest/metrics"
)

var (
	ErrClientNotFound  = errors.New("VPN client not found")
	ErrVPNNotConnected = errors.New("VPN not connected")
	ErrVPNConnectFail  = errors.New("failed to connect VPN")
)

// Install locations probed before falling back to PATH.
var probePaths = map[string][]string{
	"linux": {
		"/usr/bin/expressvpnctl",
		"/usr/local/bin/expressvpnctl",
		"/opt/expressvpn/bin/expressvpnctl",
	},
	"darwin": {
		"/Applications/ExpressVPN.app/Contents/MacOS/expressvpnctl",
		"/usr/local/bin/expressvpnctl",
		"/opt/homebrew/bin/expressvpnctl",
	},
	"windows": {
		`C:\Program Files (x86)\ExpressVPN\services\expressvpnctl.exe`,
		`C:\Program Files\ExpressVPN\services\expressvpnctl.exe`,
	},
}

const binaryName = "expressvpnctl"

type Config struct {
	Enabled bool   `json:"enabled"`
	Region  string `json:"region,omitempty"`
}

// Executor runs the VPN client. Swapped out in tests.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

type Rotator struct {
	exec         Executor
	paths        []string
	exists       func(path string) bool
	lookPath     func(file string) (string, error)
	pollInterval time.Duration
	pollAttempts int
	metrics      *metrics.Recorder
	log          *logrus.Entry
}

type Option func(*Rotator)

func WithExecutor(e Executor) Option { return func(r *Rotator) { r.exec = e } }

// WithProbe replaces the install paths and the filesystem/PATH lookups.
func WithProbe(paths []string, exists func(string) bool, lookPath func(string) (string, error)) Option {
	return func(r *Rotator) {
		r.paths = paths
		r.exists = exists
		r.lookPath = lookPath
	}
}

func WithPolling(interval time.Duration, attempts int) Option {
	return func(r *Rotator) {
		r.pollInterval = interval
		r.pollAttempts = attempts
	}
}

func WithMetrics(m *metrics.Recorder) Option { return func(r *Rotator) { r.metrics = m } }

func NewRotator(opts ...Option) *Rotator {
	r := &Rotator{
		exec:         execRunner{},
		paths:        probePaths[runtime.GOOS],
		exists:       fileExists,
		lookPath:     exec.LookPath,
		pollInterval: time.Second,
		pollAttempts: 30,
		log:          logrus.WithField("component", "vpn"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Locate returns the VPN client path from the install paths, then PATH.
func (r *Rotator) Locate() (string, error) {
	for _, p := range r.paths {
		if r.exists(p) {
			return p, nil
		}
	}
	if p, err := r.lookPath(binaryName); err == nil {
		return p, nil
	}
	return "", ErrClientNotFound
}

// MaybeRotate reconnects through a fresh exit node when enabled. Failures are
// logged and returned for the transcript but must never abort a run.
func (r *Rotator) MaybeRotate(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		return nil
	}

	bin, err := r.Locate()
	if err != nil {
		r.log.Warn("VPN client not found, continuing without rotation")
		r.metrics.VPNRotation("missing")
		return err
	}

	if err := r.rotate(ctx, bin, cfg.Region); err != nil {
		r.log.WithError(err).Warn("VPN rotation failed, continuing")
		r.metrics.VPNRotation("failed")
		return err
	}
	r.metrics.VPNRotation("ok")
	return nil
}

func (r *Rotator) rotate(ctx context.Context, bin, region string) error {
	if r.IsConnected(ctx, bin) {
		if _, err := r.exec.Run(ctx, bin, "disconnect"); err != nil {
			return fmt.Errorf("disconnect: %w", err)
		}
	}

	if region == "" {
		region = "smart"
	}
	r.log.WithField("region", region).Info("Connecting VPN")
	if _, err := r.exec.Run(ctx, bin, "connect", region); err != nil {
		return fmt.Errorf("%w: %v", ErrVPNConnectFail, err)
	}

	for i := 0; i < r.pollAttempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}
		if r.IsConnected(ctx, bin) {
			status, _ := r.Status(ctx, bin)
			r.log.WithField("status", status).Info("VPN connected")
			return nil
		}
	}
	return ErrVPNConnectFail
}

func (r *Rotator) IsConnected(ctx context.Context, bin string) bool {
	out, err := r.exec.Run(ctx, bin, "status")
	if err != nil {
		return false
	}
	status := strings.ToLower(string(out))
	return strings.Contains(status, "connected") && !strings.Contains(status, "disconnected") && !strings.Contains(status, "not connected")
}

func (r *Rotator) Status(ctx context.Context, bin string) (string, error) {
	out, err := r.exec.Run(ctx, bin, "status")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
