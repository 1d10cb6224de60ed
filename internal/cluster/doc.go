// Package cluster holds what every tabletkv process and client shares about
// the cluster: node identities, the configuration file formats, and a client
// that follows the locate-then-execute contract.
//
// # Configuration
//
// A configuration lists one node per entry. In the line format each line is
//
//	ip:port,dataDir[,range...]
//
// Tablet servers pick their own line by index and use the address and data
// directory. The coordinator reads every line and uses the address and the
// ranges. Blank lines and lines starting with '#' are skipped.
//
// Files ending in .yaml or .yml use the equivalent YAML form:
//
//	nodes:
//	  - addr: 127.0.0.1:5000
//	    data_dir: /var/lib/tabletkv/0
//	    ranges: [a_m]
//
// # Client Contract
//
// Every operation is two exchanges:
//
//  1. Ask the coordinator: "GET <rowkey> <op>" -> "+OK RESP ip:port"
//  2. Send the envelope to that tablet and read the reply
//
// Client does this for single operations. Row and column errors come back
// as *StatusError; callers test them with IsStatus and IsConflict. There is
// no automatic failover: after a transport error the caller retries, which
// locates the node again.
//
// Update implements the compare-and-put retry loop:
//
//	client.Update(ctx, "acct42", "balance", func(old string) (string, error) {
//	    n, _ := strconv.Atoi(old)
//	    return strconv.Itoa(n + 10), nil
//	})
//
// TabletConn keeps one session open for several envelopes, including the
// LIST-ALL stream.
package cluster
