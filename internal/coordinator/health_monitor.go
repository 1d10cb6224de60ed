package coordinator

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/tabletkv/internal/cluster"
)

// Health status values reported by NodeHealth.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// maxParallelProbes bounds the probes in flight during one sweep.
const maxParallelProbes = 32

// NodeHealth tracks the health status of a single tablet server.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time // Timestamp of the last probe
	LastHealthy      time.Time // Timestamp of the last successful probe
	Addr             string    // Node address, "ip:port"
	Status           string    // StatusUnknown, StatusHealthy or StatusUnhealthy
	ConsecutiveFails int       // Number of consecutive failed probes
}

// HealthMonitor probes every tablet server on a fixed interval and reports
// the results through callbacks. The coordinator wires OnStatus to
// RangeMap.SetActive and OnSweep to RangeMap.ElectPrimaries, so a node that
// fails its probe stops receiving traffic within one interval.
//
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth                       // Current health status per node
	checkFunc   func(ctx context.Context, addr string) error // Probe
	onStatus    func(addr string, healthy bool)              // Called after every probe
	onSweep     func()                                       // Called after every sweep
	ctx         context.Context                              // Context for cancellation
	cancel      context.CancelFunc                           // Cancel function for shutdown
	interval    time.Duration                                // How often to sweep
	timeout     time.Duration                                // Per-probe timeout
	mu          sync.RWMutex                                 // Protects nodes map and settings
	wg          sync.WaitGroup                               // Wait group for graceful shutdown
	maxFailures int                                          // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor that sweeps every interval. The
// default probe is a TCP connect with a 2 second timeout, and one failed
// probe marks a node unhealthy.
//
// Example:
//
//	monitor := NewHealthMonitor(5 * time.Second)
//	monitor.SetOnStatus(func(addr string, healthy bool) { ranges.SetActive(addr, healthy) })
//	go monitor.Start(ctx, ranges.Nodes)
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	h := &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 1,
		nodes:       make(map[string]*NodeHealth),
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.dialCheck
	return h
}

// SetOnStatus sets the callback invoked with the outcome of every probe.
// It runs on a probe goroutine without the monitor's lock held.
func (h *HealthMonitor) SetOnStatus(callback func(addr string, healthy bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStatus = callback
}

// SetOnSweep sets the callback invoked after all probes of a sweep finish.
func (h *HealthMonitor) SetOnSweep(callback func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSweep = callback
}

// SetCheckFunction overrides the probe, typically in tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = checkFunc
}

// SetTimeout sets the per-probe timeout.
func (h *HealthMonitor) SetTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = d
}

// SetMaxFailures sets how many consecutive failed probes mark a node
// unhealthy. Values below 1 are treated as 1.
func (h *HealthMonitor) SetMaxFailures(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxFailures = max(n, 1)
}

// Start runs sweeps until ctx or the monitor is canceled. The first sweep
// runs immediately. nodeProvider is called before every sweep.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.ServerInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Printf("Health monitor started with interval %v", h.interval)

	h.CheckNow(nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.CheckNow(nodeProvider())
		case <-ctx.Done():
			log.Println("Health monitor stopping due to context cancellation")
			return
		case <-h.ctx.Done():
			log.Println("Health monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels the monitoring loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	log.Println("Health monitor stopped")
}

// CheckNow probes nodes in parallel, forgets nodes no longer listed, then
// runs the sweep callback. It returns once the sweep is complete.
func (h *HealthMonitor) CheckNow(nodes []cluster.ServerInfo) {
	current := make(map[string]bool, len(nodes))

	var g errgroup.Group
	g.SetLimit(maxParallelProbes)
	for _, node := range nodes {
		addr := node.Addr()
		if current[addr] {
			continue
		}
		current[addr] = true
		g.Go(func() error {
			h.checkNode(addr)
			return nil
		})
	}
	g.Wait()

	h.mu.Lock()
	for addr := range h.nodes {
		if !current[addr] {
			delete(h.nodes, addr)
			log.Printf("Removed node %s from health monitoring", addr)
		}
	}
	onSweep := h.onSweep
	h.mu.Unlock()

	if onSweep != nil {
		onSweep()
	}
}

// checkNode probes one node and updates its record.
func (h *HealthMonitor) checkNode(addr string) {
	h.mu.Lock()
	health, exists := h.nodes[addr]
	if !exists {
		health = &NodeHealth{Addr: addr, Status: StatusUnknown}
		h.nodes[addr] = health
	}
	check, timeout := h.checkFunc, h.timeout
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(h.ctx, timeout)
	err := check(ctx, addr)
	cancel()

	h.mu.Lock()
	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		log.Printf("Health check failed for node %s (attempt %d/%d): %v",
			addr, health.ConsecutiveFails, h.maxFailures, err)
		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			log.Printf("Node %s marked as unhealthy after %d failures", addr, health.ConsecutiveFails)
			health.Status = StatusUnhealthy
		}
	} else {
		switch health.Status {
		case StatusUnhealthy:
			log.Printf("Node %s recovered and is now healthy", addr)
		case StatusUnknown:
			log.Printf("Node %s is healthy", addr)
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
	}
	healthy := health.Status == StatusHealthy
	onStatus := h.onStatus
	h.mu.Unlock()

	if onStatus != nil {
		onStatus(addr, healthy)
	}
}

// dialCheck opens and closes a TCP connection to addr.
func (h *HealthMonitor) dialCheck(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return conn.Close()
}

// GetNodeHealth returns a copy of the health record for addr, or nil if
// the node is not being monitored.
func (h *HealthMonitor) GetNodeHealth(addr string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[addr]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of every health record keyed by address.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for addr, health := range h.nodes {
		cp := *health
		result[addr] = &cp
	}
	return result
}

// IsHealthy reports whether addr passed its most recent probe window.
// Unmonitored nodes are not healthy.
func (h *HealthMonitor) IsHealthy(addr string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[addr]
	return exists && health.Status == StatusHealthy
}
