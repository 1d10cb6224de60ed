package coordinator

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tabletkv/internal/cluster"
)

func servers(addrs ...string) []cluster.ServerInfo {
	out := make([]cluster.ServerInfo, 0, len(addrs))
	for _, a := range addrs {
		info, err := cluster.ParseServerInfo(a)
		if err != nil {
			panic(err)
		}
		out = append(out, info)
	}
	return out
}

// flakyCheck fails probes for addresses marked down.
type flakyCheck struct {
	mu    sync.Mutex
	down  map[string]bool
	calls int
}

func (f *flakyCheck) set(addr string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down == nil {
		f.down = make(map[string]bool)
	}
	f.down[addr] = down
}

func (f *flakyCheck) check(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down[addr] {
		return errors.New("node is down")
	}
	return nil
}

func (f *flakyCheck) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// TestNewHealthMonitor verifies the defaults.
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5 * time.Second)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2*time.Second, monitor.timeout)
	assert.Equal(t, 1, monitor.maxFailures)
	assert.NotNil(t, monitor.checkFunc)
	assert.Len(t, monitor.nodes, 0)

	monitor.SetMaxFailures(0)
	assert.Equal(t, 1, monitor.maxFailures)
	monitor.SetMaxFailures(3)
	assert.Equal(t, 3, monitor.maxFailures)
}

func TestHealthMonitorCheckNow(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour)
	defer monitor.Stop()

	probe := &flakyCheck{}
	probe.set(nodeB, true)
	monitor.SetCheckFunction(probe.check)

	var mu sync.Mutex
	statuses := make(map[string]bool)
	sweeps := 0
	monitor.SetOnStatus(func(addr string, healthy bool) {
		mu.Lock()
		statuses[addr] = healthy
		mu.Unlock()
	})
	monitor.SetOnSweep(func() {
		mu.Lock()
		// every probe has reported before the sweep callback runs
		assert.Len(t, statuses, 2)
		sweeps++
		mu.Unlock()
	})

	monitor.CheckNow(servers(nodeA, nodeB))

	assert.Equal(t, map[string]bool{nodeA: true, nodeB: false}, statuses)
	assert.Equal(t, 1, sweeps)
	assert.True(t, monitor.IsHealthy(nodeA))
	assert.False(t, monitor.IsHealthy(nodeB))
	assert.False(t, monitor.IsHealthy(nodeC), "unmonitored")

	health := monitor.GetNodeHealth(nodeB)
	require.NotNil(t, health)
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.Equal(t, 1, health.ConsecutiveFails)
	assert.True(t, health.LastHealthy.IsZero())
	assert.Nil(t, monitor.GetNodeHealth(nodeC))
}

func TestHealthMonitorMaxFailures(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour)
	defer monitor.Stop()
	monitor.SetMaxFailures(3)

	probe := &flakyCheck{}
	monitor.SetCheckFunction(probe.check)
	nodes := servers(nodeA)

	monitor.CheckNow(nodes)
	require.True(t, monitor.IsHealthy(nodeA))

	probe.set(nodeA, true)
	monitor.CheckNow(nodes)
	monitor.CheckNow(nodes)
	assert.True(t, monitor.IsHealthy(nodeA), "two failures are tolerated")

	monitor.CheckNow(nodes)
	assert.False(t, monitor.IsHealthy(nodeA))
	assert.Equal(t, 3, monitor.GetNodeHealth(nodeA).ConsecutiveFails)

	probe.set(nodeA, false)
	monitor.CheckNow(nodes)
	assert.True(t, monitor.IsHealthy(nodeA), "recovered")
	assert.Equal(t, 0, monitor.GetNodeHealth(nodeA).ConsecutiveFails)
}

func TestHealthMonitorForgetsRemovedNodes(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour)
	defer monitor.Stop()
	monitor.SetCheckFunction((&flakyCheck{}).check)

	monitor.CheckNow(servers(nodeA, nodeB, nodeB))
	assert.Len(t, monitor.GetAllNodeHealth(), 2)

	monitor.CheckNow(servers(nodeB))
	all := monitor.GetAllNodeHealth()
	assert.Len(t, all, 1)
	assert.Contains(t, all, nodeB)
}

// TestHealthMonitorStart verifies that the loop sweeps immediately and on
// every tick until the context is canceled.
func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(50 * time.Millisecond)
	defer monitor.Stop()

	probe := &flakyCheck{}
	monitor.SetCheckFunction(probe.check)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Start(ctx, func() []cluster.ServerInfo { return servers(nodeA, nodeB) })
		close(done)
	}()

	assert.Eventually(t, func() bool { return probe.count() >= 6 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, monitor.IsHealthy(nodeA))
	assert.True(t, monitor.IsHealthy(nodeB))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}

// TestHealthMonitorStop verifies that Stop ends a running loop.
func TestHealthMonitorStop(t *testing.T) {
	monitor := NewHealthMonitor(20 * time.Millisecond)
	monitor.SetCheckFunction((&flakyCheck{}).check)

	done := make(chan struct{})
	go func() {
		monitor.Start(context.Background(), func() []cluster.ServerInfo { return nil })
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	monitor.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestHealthMonitorDrivesRangeMap(t *testing.T) {
	m := newTestMap(t)
	m.SetPicker(func(int) int { return 0 })

	monitor := NewHealthMonitor(time.Hour)
	defer monitor.Stop()
	probe := &flakyCheck{}
	monitor.SetCheckFunction(probe.check)
	monitor.SetOnStatus(func(addr string, healthy bool) { m.SetActive(addr, healthy) })
	monitor.SetOnSweep(func() { m.ElectPrimaries() })

	monitor.CheckNow(m.Nodes())
	route, err := m.Route("abcrow", "put")
	require.NoError(t, err)
	assert.Equal(t, nodeA, route.Addr)

	// one failed heartbeat moves writes off the primary and reads off the node
	probe.set(nodeA, true)
	monitor.CheckNow(m.Nodes())

	route, err = m.Route("abcrow", "put")
	require.NoError(t, err)
	assert.Equal(t, nodeB, route.Addr)
	assert.False(t, route.Degraded, "a new primary was elected")
	for i := 0; i < 5; i++ {
		route, err = m.Route("abcrow", "get")
		require.NoError(t, err)
		assert.Equal(t, nodeB, route.Addr)
	}
}

func TestDialCheck(t *testing.T) {
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

	monitor := NewHealthMonitor(time.Hour)
	defer monitor.Stop()
	monitor.SetTimeout(500 * time.Millisecond)

	live := ln.Addr().String()
	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln2.Addr().String()
	ln2.Close()

	monitor.CheckNow(servers(live, dead))
	assert.True(t, monitor.IsHealthy(live))
	assert.False(t, monitor.IsHealthy(dead))

	ln.Close()
}
