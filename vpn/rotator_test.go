package vpn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu          sync.Mutex
	calls       []string
	connected   bool
	connectErr  error
	neverOnline bool
}

func (c *fakeClient) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, strings.Join(args, " "))
	switch args[0] {
	case "status":
		if c.connected {
			return []byte("Connected to France - Paris\n"), nil
		}
		return []byte("Not connected\n"), nil
	case "disconnect":
		c.connected = false
	case "connect":
		if c.connectErr != nil {
			return nil, c.connectErr
		}
		c.connected = !c.neverOnline
	}
	return nil, nil
}

func (c *fakeClient) history() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func noBinary() Option {
	return WithProbe(nil, func(string) bool { return false }, func(string) (string, error) {
		return "", errors.New("not in PATH")
	})
}

func installedAt(path string) Option {
	return WithProbe([]string{"/missing/expressvpnctl", path}, func(p string) bool { return p == path }, func(string) (string, error) {
		return "", errors.New("not in PATH")
	})
}

func TestDisabledIsNoop(t *testing.T) {
	client := &fakeClient{}
	r := NewRotator(WithExecutor(client), noBinary())

	assert.NoError(t, r.MaybeRotate(context.Background(), Config{Enabled: false}))
	assert.Empty(t, client.history())
}

func TestMissingClientIsSoftFailure(t *testing.T) {
	client := &fakeClient{}
	r := NewRotator(WithExecutor(client), noBinary())

	err := r.MaybeRotate(context.Background(), Config{Enabled: true, Region: "france"})
	assert.ErrorIs(t, err, ErrClientNotFound)
	assert.Empty(t, client.history())
}

func TestLocatePrefersInstallPaths(t *testing.T) {
	r := NewRotator(installedAt("/opt/expressvpn/bin/expressvpnctl"))
	path, err := r.Locate()
	require.NoError(t, err)
	assert.Equal(t, "/opt/expressvpn/bin/expressvpnctl", path)
}

func TestLocateFallsBackToPath(t *testing.T) {
	r := NewRotator(WithProbe([]string{"/nope"}, func(string) bool { return false }, func(file string) (string, error) {
		return "/home/op/bin/" + file, nil
	}))
	path, err := r.Locate()
	require.NoError(t, err)
	assert.Equal(t, "/home/op/bin/expressvpnctl", path)
}

func TestRotateDisconnectsThenConnects(t *testing.T) {
	client := &fakeClient{connected: true}
	r := NewRotator(WithExecutor(client), installedAt("/usr/bin/expressvpnctl"), WithPolling(time.Millisecond, 5))

	require.NoError(t, r.MaybeRotate(context.Background(), Config{Enabled: true, Region: "france"}))
	calls := client.history()
	require.GreaterOrEqual(t, len(calls), 4)
	assert.Equal(t, []string{"status", "disconnect", "connect france", "status"}, calls[:4])
}

func TestRotateDefaultsToSmartRegion(t *testing.T) {
	client := &fakeClient{}
	r := NewRotator(WithExecutor(client), installedAt("/usr/bin/expressvpnctl"), WithPolling(time.Millisecond, 5))

	require.NoError(t, r.MaybeRotate(context.Background(), Config{Enabled: true}))
	assert.Contains(t, client.history(), "connect smart")
	assert.NotContains(t, client.history(), "disconnect")
}

func TestRotateGivesUpWhenNeverConnected(t *testing.T) {
	client := &fakeClient{neverOnline: true}
	r := NewRotator(WithExecutor(client), installedAt("/usr/bin/expressvpnctl"), WithPolling(time.Millisecond, 3))

	err := r.MaybeRotate(context.Background(), Config{Enabled: true})
	assert.ErrorIs(t, err, ErrVPNConnectFail)
}

func TestRotateConnectError(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("exit status 1")}
	r := NewRotator(WithExecutor(client), installedAt("/usr/bin/expressvpnctl"), WithPolling(time.Millisecond, 3))

	err := r.MaybeRotate(context.Background(), Config{Enabled: true})
	assert.ErrorIs(t, err, ErrVPNConnectFail)
}

func TestIsConnectedParsesStatus(t *testing.T) {
	client := &fakeClient{}
	r := NewRotator(WithExecutor(client))
	assert.False(t, r.IsConnected(context.Background(), "bin"))
	client.connected = true
	assert.True(t, r.IsConnected(context.Background(), "bin"))
}
