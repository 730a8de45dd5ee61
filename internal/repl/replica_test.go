package repl

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rediskv/internal/command"
	"rediskv/internal/resp"
	"rediskv/internal/snapshot"
	"rediskv/internal/store"
)

// fakeMaster plays the master side of the handshake over a listener so
// Handshake can dial it like a real address.
func fakeMaster(t *testing.T, script func(r *bufio.Reader, w *bufio.Writer)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(bufio.NewReader(conn), bufio.NewWriter(conn))
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func expectCommand(t *testing.T, r *bufio.Reader, wantName string) {
	t.Helper()
	v, err := resp.Decode(r)
	require.NoError(t, err)
	require.Equal(t, resp.Array, v.Type)
	require.NotEmpty(t, v.Elems)
	require.Equal(t, wantName, string(v.Elems[0].BulkBytes()))
}

func TestHandshakeFullSequence(t *testing.T) {
	addr := fakeMaster(t, func(r *bufio.Reader, w *bufio.Writer) {
		expectCommand(t, r, "PING")
		w.Write(resp.Encode(resp.Str("PONG")))
		w.Flush()

		expectCommand(t, r, "REPLCONF")
		w.Write(resp.Encode(resp.Str("OK")))
		w.Flush()

		expectCommand(t, r, "REPLCONF")
		w.Write(resp.Encode(resp.Str("OK")))
		w.Flush()

		expectCommand(t, r, "PSYNC")
		w.Write(resp.Encode(resp.Str("FULLRESYNC abc123 0")))
		w.Flush()

		snap := snapshot.Empty()
		w.WriteString("$")
		w.WriteString(itoa(len(snap)))
		w.WriteString("\r\n")
		w.Write(snap)
		w.Flush()
	})

	session, err := Handshake(addr, 6380)
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, int64(0), session.Offset)
}

func TestHandshakeFailsOnBadPong(t *testing.T) {
	addr := fakeMaster(t, func(r *bufio.Reader, w *bufio.Writer) {
		expectCommand(t, r, "PING")
		w.Write(resp.Encode(resp.Str("NOPE")))
		w.Flush()
	})

	_, err := Handshake(addr, 6380)
	require.Error(t, err)
}

func TestSessionRunAppliesWritesAndAnswersGetAck(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()

	s := &Session{}
	s.conn = c2
	s.reader = bufio.NewReader(c2)
	s.writer = bufio.NewWriter(c2)

	st := store.New()
	d := command.New(st, command.Info{Role: command.Replica})

	serverReader := bufio.NewReader(c1)
	serverWriter := bufio.NewWriter(c1)

	done := make(chan error, 1)
	go func() { done <- s.Run(d) }()

	setCmd := resp.Arr(resp.Bulk("SET"), resp.Bulk("k"), resp.Bulk("v"))
	serverWriter.Write(resp.Encode(setCmd))
	serverWriter.Flush()

	getAck := resp.Arr(resp.Bulk("REPLCONF"), resp.Bulk("GETACK"), resp.Bulk("*"))
	serverWriter.Write(resp.Encode(getAck))
	serverWriter.Flush()

	ack, err := resp.Decode(serverReader)
	require.NoError(t, err)
	require.Equal(t, resp.Array, ack.Type)
	require.Len(t, ack.Elems, 3)
	require.Equal(t, "REPLCONF", string(ack.Elems[0].BulkBytes()))
	require.Equal(t, "ACK", string(ack.Elems[1].BulkBytes()))

	v, found := st.Get("k")
	require.True(t, found)
	require.Equal(t, []byte("v"), v)

	c1.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after connection closed")
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
