// Package coordinator implements the routing layer of a tabletkv cluster:
// the range partition map, the liveness monitor that keeps it current, and
// the line-protocol server that answers "which node serves this rowkey?".
//
// # Overview
//
// Clients never talk to a tablet server blindly. Before every operation they
// ask the coordinator for a node, then send the envelope to that node. The
// coordinator holds no row data; its only state is the range map and the
// liveness flag of each node.
//
// # Architecture
//
//	                 ┌──────────────────────────────┐
//	GET row op ────▶ │  Server (one line per conn)  │
//	                 └──────────────┬───────────────┘
//	                                │ Route(rowkey, op)
//	                 ┌──────────────▼───────────────┐
//	                 │  RangeMap                    │
//	                 │  range -> replicas, primary  │
//	                 │  addr  -> active             │
//	                 └──────────────▲───────────────┘
//	                                │ SetActive / ElectPrimaries
//	                 ┌──────────────┴───────────────┐
//	                 │  HealthMonitor (TCP probes)  │
//	                 └──────────────────────────────┘
//
// # Range Partition Map
//
// Configuration lists, per node, the ranges it serves, written "x_y" for the
// first-character interval [x, y]. NewRangeMap inverts this into
// range -> ordered replica set. The first node listed for a range starts as
// its primary. Distinct ranges that share a character are rejected at load.
//
// A rowkey resolves to the range containing its lowercased first character.
// Routing then depends on the operation:
//   - "get": a uniformly random active replica
//   - anything else: the primary if active, otherwise a random active
//     replica, flagged Degraded and logged by the server
//   - no active replica: ErrNoServer
//
// # Liveness
//
// HealthMonitor dials every node on a fixed interval. Each probe result is
// pushed to RangeMap.SetActive; after the sweep, RangeMap.ElectPrimaries
// replaces every inactive primary with a random active replica, or leaves it
// unset when none is left. Nodes start inactive and become routable after
// their first successful probe.
//
// Failover is best effort. There is no fencing and no consensus: a primary
// that was only unreachable from the coordinator may still accept writes
// from clients that located it earlier. When it recovers it does not get
// its ranges back.
//
// # Replicas
//
// Nodes listed for the same range are independent tablets. Writes are not
// propagated between them, so read balancing across replicas is only
// meaningful when they hold the same data by external means.
//
// # Concurrency
//
// RangeMap guards ranges, primaries and liveness flags with one RWMutex.
// Routing queries take the read lock; heartbeat updates take the write lock
// briefly once per probe and once per sweep.
//
// # Usage Example
//
//	nodes, _ := cluster.LoadConfig("cluster.conf")
//	ranges, _ := coordinator.NewRangeMap(nodes)
//
//	monitor := coordinator.NewHealthMonitor(5 * time.Second)
//	monitor.SetOnStatus(func(addr string, ok bool) { ranges.SetActive(addr, ok) })
//	monitor.SetOnSweep(func() { ranges.ElectPrimaries() })
//	go monitor.Start(ctx, ranges.Nodes)
//
//	srv := &lineserver.Server{Name: "coordinator", Handler: coordinator.NewServer(ranges, false)}
//	srv.ListenAndServe(":7000")
package coordinator
