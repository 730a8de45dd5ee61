package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rediskv/internal/resp"
	"rediskv/internal/store"
)

func newMasterDispatcher() *Dispatcher {
	return New(store.New(), Info{
		Role:         Master,
		ReplID:       "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb",
		ReplicaCount: func() int { return 0 },
	})
}

func TestPing(t *testing.T) {
	d := newMasterDispatcher()
	out := d.Dispatch([]resp.Value{resp.Bulk("PING")})
	assert.Equal(t, resp.Str("PONG"), out.Value)
}

func TestEchoReturnsArgVerbatim(t *testing.T) {
	d := newMasterDispatcher()
	out := d.Dispatch([]resp.Value{resp.Bulk("ECHO"), resp.Bulk("hello")})
	assert.Equal(t, resp.BinaryBulk([]byte("hello")), out.Value)
}

func TestSetThenGet(t *testing.T) {
	d := newMasterDispatcher()
	out := d.Dispatch([]resp.Value{resp.Bulk("SET"), resp.Bulk("foo"), resp.Bulk("bar")})
	assert.Equal(t, resp.Str("OK"), out.Value)

	out = d.Dispatch([]resp.Value{resp.Bulk("GET"), resp.Bulk("foo")})
	assert.Equal(t, resp.BinaryBulk([]byte("bar")), out.Value)
}

func TestSetWithPXExpires(t *testing.T) {
	d := newMasterDispatcher()
	d.Dispatch([]resp.Value{
		resp.Bulk("SET"), resp.Bulk("k"), resp.Bulk("v"),
		resp.Bulk("PX"), resp.Bulk("50"),
	})

	out := d.Dispatch([]resp.Value{resp.Bulk("GET"), resp.Bulk("k")})
	assert.Equal(t, resp.BinaryBulk([]byte("v")), out.Value)

	time.Sleep(100 * time.Millisecond)
	out = d.Dispatch([]resp.Value{resp.Bulk("GET"), resp.Bulk("k")})
	assert.Equal(t, resp.NewNull(), out.Value)
}

func TestGetMissingIsNull(t *testing.T) {
	d := newMasterDispatcher()
	out := d.Dispatch([]resp.Value{resp.Bulk("GET"), resp.Bulk("nope")})
	assert.Equal(t, resp.NewNull(), out.Value)
}

func TestSetArityError(t *testing.T) {
	d := newMasterDispatcher()
	out := d.Dispatch([]resp.Value{resp.Bulk("SET"), resp.Bulk("k")})
	require.Equal(t, resp.Error, out.Value.Type)
	assert.Contains(t, out.Value.Str, "ERR wrong number of arguments")
}

func TestInfoMaster(t *testing.T) {
	d := newMasterDispatcher()
	out := d.Dispatch([]resp.Value{resp.Bulk("INFO")})
	require.Equal(t, resp.BulkString, out.Value.Type)
	assert.Contains(t, out.Value.Str, "role:master")
	assert.Contains(t, out.Value.Str, "master_replid:8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb")
}

func TestInfoReplica(t *testing.T) {
	d := New(store.New(), Info{Role: Replica})
	out := d.Dispatch([]resp.Value{resp.Bulk("INFO")})
	assert.Equal(t, resp.Bulk("role:slave"), out.Value)
}

func TestUnknownCommand(t *testing.T) {
	d := newMasterDispatcher()
	out := d.Dispatch([]resp.Value{resp.Bulk("FROBNICATE")})
	require.Equal(t, resp.Error, out.Value.Type)
	assert.Contains(t, out.Value.Str, "ERR unknown command: FROBNICATE")
}

func TestWaitReturnsReplicaCount(t *testing.T) {
	d := New(store.New(), Info{ReplicaCount: func() int { return 1 }})
	out := d.Dispatch([]resp.Value{resp.Bulk("WAIT"), resp.Bulk("0"), resp.Bulk("100")})
	assert.Equal(t, resp.Int(1), out.Value)
}

func TestPsyncHandsOverWithSnapshot(t *testing.T) {
	d := newMasterDispatcher()
	out := d.Dispatch([]resp.Value{resp.Bulk("PSYNC"), resp.Bulk("?"), resp.Bulk("-1")})
	require.Equal(t, ReplyThenHandover, out.Kind)
	assert.Equal(t, resp.Str("FULLRESYNC 8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb 0"), out.Value)
	assert.Len(t, out.Snapshot, 88)
}

func TestInvalidCommandShapes(t *testing.T) {
	d := newMasterDispatcher()

	out := d.Dispatch([]resp.Value{resp.Int(1)})
	assert.Contains(t, out.Value.Str, "expected string")

	out = d.Dispatch([]resp.Value{resp.BinaryBulk([]byte{0xff, 0xfe})})
	assert.Contains(t, out.Value.Str, "non-UTF8 data")
}
