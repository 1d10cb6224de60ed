package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tabletkv/internal/cluster"
	"github.com/dreamware/tabletkv/internal/protocol"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	t.Setenv("COORDINATOR_TEST_SET", "value")
	assert.Equal(t, "value", getenv("COORDINATOR_TEST_SET", "default"))
	assert.Equal(t, "default", getenv("COORDINATOR_TEST_UNSET", "default"))
}

func TestParseArgs(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("COORDINATOR_ADDR", "")
		t.Setenv("COORDINATOR_INTERVAL", "")
		opts, err := parseArgs([]string{"cluster.conf"})
		require.NoError(t, err)
		assert.Equal(t, defaultListen, opts.listen)
		assert.Equal(t, defaultInterval, opts.interval)
		assert.Equal(t, 1, opts.maxFailures)
		assert.Equal(t, "cluster.conf", opts.configPath)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("COORDINATOR_ADDR", "127.0.0.1:9999")
		t.Setenv("COORDINATOR_INTERVAL", "250ms")
		opts, err := parseArgs([]string{"cluster.conf"})
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9999", opts.listen)
		assert.Equal(t, 250*time.Millisecond, opts.interval)
	})

	t.Run("flags override environment", func(t *testing.T) {
		t.Setenv("COORDINATOR_INTERVAL", "250ms")
		opts, err := parseArgs([]string{"-v", "-interval", "1s", "-listen", ":7001", "-max-failures", "3", "c.yaml"})
		require.NoError(t, err)
		assert.True(t, opts.verbose)
		assert.Equal(t, time.Second, opts.interval)
		assert.Equal(t, ":7001", opts.listen)
		assert.Equal(t, 3, opts.maxFailures)
	})

	errorCases := []struct {
		name string
		args []string
		env  string
	}{
		{name: "missing config", args: nil},
		{name: "two configs", args: []string{"a", "b"}},
		{name: "bad interval env", args: []string{"c"}, env: "often"},
		{name: "zero interval", args: []string{"-interval", "0s", "c"}},
		{name: "unknown flag", args: []string{"-x", "c"}},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("COORDINATOR_INTERVAL", tt.env)
			_, err := parseArgs(tt.args)
			assert.Error(t, err)
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSetupErrors(t *testing.T) {
	_, err := setup(options{configPath: filepath.Join(t.TempDir(), "missing.conf"), interval: time.Second})
	assert.Error(t, err)

	_, err = setup(options{configPath: writeConfig(t, "127.0.0.1:5000,unused,a_m\n127.0.0.1:5001,unused,k_z\n"), interval: time.Second})
	assert.ErrorContains(t, err, "overlapping")
}

// acceptAll accepts and drops connections so that heartbeat probes succeed.
func acceptAll(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestRunRoutesAndFailsOver(t *testing.T) {
	nodeA := acceptAll(t)
	nodeB := acceptAll(t)
	addrA, addrB := nodeA.Addr().String(), nodeB.Addr().String()

	config := addrA + ",unused,a_m\n" + addrB + ",unused,a_m\n"
	p, err := setup(options{
		configPath:   writeConfig(t, config),
		interval:     50 * time.Millisecond,
		probeTimeout: 200 * time.Millisecond,
		maxFailures:  1,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.run(ctx, ln) }()

	client := cluster.NewClient(ln.Addr().String())
	got, err := client.Locate(context.Background(), "abcrow", "put")
	require.NoError(t, err)
	assert.Equal(t, addrA, got, "first listed node is primary")

	_, err = client.Locate(context.Background(), "zebra", "put")
	assert.ErrorIs(t, err, protocol.ErrNoServer)

	// the primary goes away; within a heartbeat writes move to B
	nodeA.Close()
	assert.Eventually(t, func() bool {
		addr, err := client.Locate(context.Background(), "abcrow", "put")
		return err == nil && addr == addrB
	}, 2*time.Second, 20*time.Millisecond)

	// and with no node left the range has no server
	nodeB.Close()
	assert.Eventually(t, func() bool {
		_, err := client.Locate(context.Background(), "abcrow", "get")
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}
