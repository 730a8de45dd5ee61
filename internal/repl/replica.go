package repl

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"rediskv/internal/command"
	"rediskv/internal/logging"
	"rediskv/internal/resp"
)

// Session is the replica side of one master connection: the stream the
// handshake negotiated, plus the running byte offset into the replication
// stream. A Session is owned exclusively by the single goroutine that
// drains it — nothing else touches conn or reader after Handshake returns.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	Offset int64
}

// Handshake performs the four-step replica handshake against masterAddr
// and reads the snapshot that follows, discarding its contents (this
// server's store is seeded empty and then replayed forward by the
// propagation stream). ownPort is advertised via REPLCONF listening-port.
// Any deviation from the expected responses fails the handshake and
// closes the connection.
func Handshake(masterAddr string, ownPort int) (*Session, error) {
	conn, err := net.DialTimeout("tcp", masterAddr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("replica: dial master %s: %w", masterAddr, err)
	}

	s := &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}

	if err := s.negotiate(ownPort); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) negotiate(ownPort int) error {
	logging.Infof("replica: starting handshake with master")

	if err := s.sendAndExpectSimpleString(resp.Arr(resp.Bulk("PING")), "PONG"); err != nil {
		return fmt.Errorf("replica: PING step: %w", err)
	}

	portArg := resp.Bulk(strconv.Itoa(ownPort))
	if err := s.sendAndExpectSimpleString(
		resp.Arr(resp.Bulk("REPLCONF"), resp.Bulk("listening-port"), portArg), "OK"); err != nil {
		return fmt.Errorf("replica: REPLCONF listening-port step: %w", err)
	}

	if err := s.sendAndExpectSimpleString(
		resp.Arr(resp.Bulk("REPLCONF"), resp.Bulk("capa"), resp.Bulk("psync2")), "OK"); err != nil {
		return fmt.Errorf("replica: REPLCONF capa step: %w", err)
	}

	if err := s.sendCommand(resp.Arr(resp.Bulk("PSYNC"), resp.Bulk("?"), resp.Bulk("-1"))); err != nil {
		return fmt.Errorf("replica: PSYNC send: %w", err)
	}
	reply, err := resp.Decode(s.reader)
	if err != nil {
		return fmt.Errorf("replica: PSYNC response: %w", err)
	}
	if reply.Type != resp.SimpleString || !strings.HasPrefix(reply.Str, "FULLRESYNC ") {
		return fmt.Errorf("%w: unexpected PSYNC response %+v", resp.ErrInvalidData, reply)
	}
	logging.Infof("replica: handshake complete (%s)", reply.Str)

	if err := s.discardSnapshot(); err != nil {
		return fmt.Errorf("replica: snapshot read: %w", err)
	}
	return nil
}

// discardSnapshot reads the `$<len>\r\n<bytes>` framing the master sends
// right after FULLRESYNC — note the deliberate absence of a trailing CRLF,
// which is why this is hand-rolled rather than routed through resp.Decode.
func (s *Session) discardSnapshot() error {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "$") {
		return fmt.Errorf("%w: expected snapshot length line, got %q", resp.ErrInvalidData, line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return fmt.Errorf("%w: invalid snapshot length %q", resp.ErrInvalidData, line[1:])
	}

	remaining := n
	buf := make([]byte, 4096)
	for remaining > 0 {
		chunk := len(buf)
		if remaining < chunk {
			chunk = remaining
		}
		read, err := s.reader.Read(buf[:chunk])
		if err != nil {
			return err
		}
		remaining -= read
	}
	return nil
}

func (s *Session) sendCommand(v resp.Value) error {
	if _, err := s.writer.Write(resp.Encode(v)); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *Session) sendAndExpectSimpleString(v resp.Value, want string) error {
	if err := s.sendCommand(v); err != nil {
		return err
	}
	reply, err := resp.Decode(s.reader)
	if err != nil {
		return err
	}
	if reply.Type != resp.SimpleString || reply.Str != want {
		return fmt.Errorf("%w: expected +%s, got %+v", resp.ErrInvalidData, want, reply)
	}
	return nil
}

// Run drains the propagation stream until the connection fails, applying
// every command to dispatcher's store and answering GETACK probes. It
// returns only on error (including clean EOF wrapped as such) — the
// replica keeps serving reads on other connections after Run returns, it
// just stops receiving writes.
func (s *Session) Run(dispatcher *command.Dispatcher) error {
	for {
		v, err := resp.Decode(s.reader)
		if err != nil {
			return err
		}
		if v.Type != resp.Array {
			return fmt.Errorf("%w: replication stream frame was not an array", resp.ErrInvalidData)
		}

		raw := resp.Encode(v)
		name, _ := firstElementName(v.Elems)

		switch {
		case name == "REPLCONF" && isGetAck(v.Elems):
			ack := resp.Arr(resp.Bulk("REPLCONF"), resp.Bulk("ACK"), resp.Bulk(strconv.FormatInt(s.Offset, 10)))
			if err := s.sendCommand(ack); err != nil {
				return err
			}
			s.Offset += int64(len(raw))
		case name == "PING":
			s.Offset += int64(len(raw))
		default:
			dispatcher.Dispatch(v.Elems)
			s.Offset += int64(len(raw))
		}
	}
}

func firstElementName(elems []resp.Value) (string, bool) {
	if len(elems) == 0 {
		return "", false
	}
	switch elems[0].Type {
	case resp.SimpleString, resp.BulkString:
		return strings.ToUpper(elems[0].Str), true
	case resp.BinaryBulkString:
		return strings.ToUpper(string(elems[0].Bytes)), true
	default:
		return "", false
	}
}

func isGetAck(elems []resp.Value) bool {
	if len(elems) != 3 {
		return false
	}
	sub, ok := firstElementName(elems[1:2])
	return ok && sub == "GETACK"
}
