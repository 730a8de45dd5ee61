package repl

// ReplID is this server's replication id: a fixed 40-hex literal, not
// generated per run. Partial resync (which would need a real, persisted
// replication id/offset pair) is out of scope — see spec.md's Non-goals —
// so there is nothing a random id would buy a replica that reconnects.
const ReplID = "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb"
