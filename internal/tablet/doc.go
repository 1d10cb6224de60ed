// Package tablet implements a tablet server: the storage engine that runs
// GET, PUT, CPUT and DELETE against a node's rows, and the connection
// handler that speaks the envelope protocol.
//
// # Overview
//
// A tablet is a node's collection of rows for the ranges it serves. The
// coordinator decides which rowkeys reach which tablet; the tablet itself
// accepts any rowkey it is sent.
//
// # Operations
//
// Every data operation takes a *protocol.Message and fills in Status,
// ErrorMessage and, for GET, Value:
//
//	GET     first entry for ColKey              "Rowkey does not exist"
//	                                            "Colkey does not exist"
//	PUT     append (ColKey, Value), new row ok
//	CPUT    replace the first entry for ColKey  "Old value does not match"
//	        with Value2 if it equals Value
//	DELETE  remove every entry for ColKey
//
// Storage I/O errors come back as status 1 with the error text. None of
// these errors end the connection.
//
// Earlier entries win. After a second PUT of the same ColKey, GET still
// returns the first value and CPUT acts on that first entry. DELETE removes
// them all, so a deleted ColKey is gone.
//
// # Concurrency Model
//
// Each operation holds its row's lock for its whole read-modify-write, so
// operations on one rowkey are linearized and CPUT is atomic on this node.
// Locks come from a fixed table of stripes selected by FNV-1a hash of the
// rowkey; no lock is ever created at runtime. Two rows that share a stripe
// serialize against each other, which is harmless.
//
// Data operations also hold the tablet's state lock shared for their whole
// duration. SUSPEND takes it exclusively, so it returns only after every
// in-flight operation has finished, and nothing runs against a suspended
// tablet.
//
// # Control Operations
//
// SUSPEND and REVIVE toggle the tablet's state. A suspended tablet refuses
// data operations with "Server is suspended" but keeps its listener open,
// so it still passes the coordinator's TCP heartbeat. LIST-ALL streams
// every entry as one envelope per line, followed by a "terminate" sentinel
// with status 2.
//
// # Wire Session
//
// Server handles one connection at a time per goroutine:
//
//	client                          tablet
//	  2|abcrow|x|1||0|0|\r\n   ──▶
//	                           ◀──  2|abcrow|x|1||0|0|\r\n
//	  quit\r\n                 ──▶
//	                           ◀──  +OK Goodbye!\r\n
//
// A line that does not decode is answered with a status 1 envelope
// "Malformed request: ..." and the session continues.
//
// # Usage Example
//
//	store, _ := storage.OpenFileStore(dataDir)
//	t := tablet.New(store, tablet.DefaultLockStripes)
//	srv := &lineserver.Server{Name: "tablet", Handler: tablet.NewServer(t, addr, false)}
//	srv.ListenAndServe(addr)
package tablet
