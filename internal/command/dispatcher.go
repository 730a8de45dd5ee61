// Package command turns a decoded RESP array into a response, implementing
// the small command set this server understands: PING, ECHO, GET, SET,
// INFO, REPLCONF, PSYNC, WAIT.
package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"rediskv/internal/resp"
	"rediskv/internal/snapshot"
	"rediskv/internal/store"
)

// OutcomeKind distinguishes a plain reply from a PSYNC handover, which
// needs the connection handler to do more than just write bytes back.
type OutcomeKind int

const (
	Reply OutcomeKind = iota
	ReplyThenHandover
)

// Outcome is what Dispatch hands back to the connection handler. For
// ReplyThenHandover, Snapshot holds the raw RDB bytes to send — framed as
// `$<len>\r\n<bytes>` with no trailing CRLF — after Value has been written;
// the caller is then responsible for registering the connection as a
// replica sink and ceasing to read from it.
type Outcome struct {
	Kind     OutcomeKind
	Value    resp.Value
	Snapshot []byte
}

// WriteCommands is the set of command names that, on a master, get
// propagated verbatim to every connected replica after being processed.
// Only SET is actually implemented by this dispatcher today; the others
// are named here because the replication fan-out contract is defined over
// this set independent of which commands currently exist, so adding a new
// write command later only means adding a handler — the propagation path
// already recognizes it.
var WriteCommands = map[string]bool{
	"SET":   true,
	"DEL":   true,
	"INCR":  true,
	"DECR":  true,
	"LPUSH": true,
	"RPUSH": true,
	"LPOP":  true,
	"RPOP":  true,
}

// Role identifies which side of a replication pair this server plays.
type Role int

const (
	Master Role = iota
	Replica
)

// Info is the read-only server identity the dispatcher needs to answer
// INFO and PSYNC: role, replication id, and (for WAIT) a way to count
// currently connected replica sinks.
type Info struct {
	Role         Role
	ReplID       string
	ReplicaCount func() int
}

// Dispatcher executes decoded command arrays against a Store.
type Dispatcher struct {
	store *store.Store
	info  Info
}

func New(s *store.Store, info Info) *Dispatcher {
	return &Dispatcher{store: s, info: info}
}

// Dispatch runs one decoded command array. args must be the Elems of a
// resp.Array value; an empty array (a client can send `*0\r\n`) yields an
// unknown-command error rather than a panic.
func (d *Dispatcher) Dispatch(args []resp.Value) Outcome {
	if len(args) == 0 {
		return reply(resp.Err("ERR unknown command: "))
	}

	name, ok := commandName(args[0])
	if !ok {
		if args[0].Type == resp.BinaryBulkString {
			return reply(resp.Err("ERR invalid command: non-UTF8 data"))
		}
		return reply(resp.Err("ERR invalid command: expected string"))
	}

	switch name {
	case "PING":
		return d.dispatchPing(args)
	case "ECHO":
		return d.dispatchEcho(args)
	case "SET":
		return d.dispatchSet(args)
	case "GET":
		return d.dispatchGet(args)
	case "INFO":
		return d.dispatchInfo(args)
	case "REPLCONF":
		return d.dispatchReplconf(args)
	case "PSYNC":
		return d.dispatchPsync(args)
	case "WAIT":
		return d.dispatchWait(args)
	default:
		return reply(resp.Err(fmt.Sprintf("ERR unknown command: %s", name)))
	}
}

func reply(v resp.Value) Outcome {
	return Outcome{Kind: Reply, Value: v}
}

func arityError(name string, expected int) Outcome {
	return reply(resp.Err(fmt.Sprintf(
		"ERR wrong number of arguments for '%s' command: expected %d", strings.ToLower(name), expected)))
}

func argTypeError(name string) Outcome {
	return reply(resp.Err(fmt.Sprintf(
		"ERR wrong number of arguments for '%s' command: invalid argument type", strings.ToLower(name))))
}

// commandName extracts the upper-cased command name from a string-shaped
// value (SimpleString, BulkString, or a BinaryBulkString that is valid
// UTF-8). Returns false for any other shape, including invalid UTF-8.
func commandName(v resp.Value) (string, bool) {
	s, ok := asString(v)
	if !ok {
		return "", false
	}
	return strings.ToUpper(s), true
}

// asString extracts text from any string-shaped value. BinaryBulkString is
// accepted only if it is valid UTF-8 — arguments that are meant to carry
// arbitrary bytes (SET's value, ECHO's argument) are read via BulkBytes
// instead, never through asString.
func asString(v resp.Value) (string, bool) {
	switch v.Type {
	case resp.SimpleString, resp.BulkString:
		return v.Str, true
	case resp.BinaryBulkString:
		if !utf8.Valid(v.Bytes) {
			return "", false
		}
		return string(v.Bytes), true
	default:
		return "", false
	}
}

func (d *Dispatcher) dispatchPing(args []resp.Value) Outcome {
	if len(args) != 1 {
		return arityError("ping", 1)
	}
	return reply(resp.Str("PONG"))
}

func (d *Dispatcher) dispatchEcho(args []resp.Value) Outcome {
	if len(args) != 2 {
		return arityError("echo", 2)
	}
	return reply(resp.BinaryBulk(args[1].BulkBytes()))
}

func (d *Dispatcher) dispatchSet(args []resp.Value) Outcome {
	if len(args) < 3 {
		return arityError("set", 3)
	}
	key, ok := asString(args[1])
	if !ok {
		return argTypeError("set")
	}
	value := args[2].BulkBytes()

	var ttl time.Duration
	for i := 3; i < len(args)-1; i++ {
		opt, ok := asString(args[i])
		if !ok {
			continue
		}
		if strings.EqualFold(opt, "PX") {
			if ms, ok := parseMillis(args[i+1]); ok {
				ttl = time.Duration(ms) * time.Millisecond
			}
			i++
		}
	}

	d.store.Set(key, value, ttl)
	return reply(resp.Str("OK"))
}

// parseMillis reads a millisecond count from either an Integer value or a
// string-shaped value. Returns false on anything else, in which case the
// caller silently drops the TTL rather than failing the SET.
func parseMillis(v resp.Value) (int64, bool) {
	if v.Type == resp.Integer {
		return v.Int, true
	}
	s, ok := asString(v)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (d *Dispatcher) dispatchGet(args []resp.Value) Outcome {
	if len(args) != 2 {
		return arityError("get", 2)
	}
	key, ok := asString(args[1])
	if !ok {
		return argTypeError("get")
	}

	v, found := d.store.Get(key)
	if !found || len(v) == 0 {
		return reply(resp.NewNull())
	}
	return reply(resp.BinaryBulk(v))
}

func (d *Dispatcher) dispatchInfo(args []resp.Value) Outcome {
	if len(args) < 1 {
		return arityError("info", 1)
	}

	var b strings.Builder
	if d.info.Role == Master {
		b.WriteString("role:master\r\n")
		b.WriteString(fmt.Sprintf("master_replid:%s\r\n", d.info.ReplID))
		b.WriteString("master_repl_offset:0")
	} else {
		b.WriteString("role:slave")
	}
	return reply(resp.Bulk(b.String()))
}

func (d *Dispatcher) dispatchReplconf(args []resp.Value) Outcome {
	if len(args) < 1 {
		return arityError("replconf", 1)
	}
	return reply(resp.Str("OK"))
}

func (d *Dispatcher) dispatchPsync(args []resp.Value) Outcome {
	if len(args) != 3 {
		return arityError("psync", 3)
	}
	header := resp.Str(fmt.Sprintf("FULLRESYNC %s 0", d.info.ReplID))
	return Outcome{Kind: ReplyThenHandover, Value: header, Snapshot: snapshot.Empty()}
}

func (d *Dispatcher) dispatchWait(args []resp.Value) Outcome {
	if len(args) != 3 {
		return arityError("wait", 3)
	}
	count := 0
	if d.info.ReplicaCount != nil {
		count = d.info.ReplicaCount()
	}
	return reply(resp.Int(int64(count)))
}
