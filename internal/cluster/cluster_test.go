package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tinode/chatcluster/internal/types"
)

// stubExecutor answers every RoomOp the same way and records Deliver calls,
// so a test can assert an RPC reached the intended node's executor.
type stubExecutor struct {
	delivered chan string
	reply     RoomOpReply
	snapshot  types.UserSnapshot
	hasUser   bool
}

func (s *stubExecutor) ExecuteRoomOp(ctx context.Context, req RoomOpRequest) RoomOpReply {
	return s.reply
}

func (s *stubExecutor) Deliver(userNumber, line string) error {
	s.delivered <- userNumber + ":" + line
	return nil
}

func (s *stubExecutor) UserSnapshot(number string) (types.UserSnapshot, bool) {
	return s.snapshot, s.hasUser
}

// freePort asks the OS for a port, then immediately releases it — accepted
// test idiom for reserving an address before the thing that binds it exists.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestClusterExecuteRoomOpCrossesNodes(t *testing.T) {
	addrA := freePort(t)
	addrB := freePort(t)

	cfgA := Config{ThisName: "A", Nodes: []NodeConfig{{Name: "A", Addr: addrA}, {Name: "B", Addr: addrB}}}
	cfgB := Config{ThisName: "B", Nodes: []NodeConfig{{Name: "A", Addr: addrA}, {Name: "B", Addr: addrB}}}

	execB := &stubExecutor{delivered: make(chan string, 1), reply: RoomOpReply{Description: "from B"}}
	execA := &stubExecutor{delivered: make(chan string, 1)}

	clusterA := New(cfgA, execA, zap.NewNop().Sugar(), nil)
	clusterB := New(cfgB, execB, zap.NewNop().Sugar(), nil)
	defer clusterA.Shutdown()
	defer clusterB.Shutdown()

	require.NoError(t, clusterA.Listen(addrA))
	require.NoError(t, clusterB.Listen(addrB))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply RoomOpReply
	var err error
	require.Eventually(t, func() bool {
		reply, err = clusterA.ExecuteRoomOp(ctx, "B", RoomOpRequest{RoomName: "general"})
		return err == nil
	}, 4*time.Second, 50*time.Millisecond)

	require.NoError(t, err)
	require.Equal(t, "from B", reply.Description)
}

func TestClusterDeliverCrossesNodes(t *testing.T) {
	addrA := freePort(t)
	addrB := freePort(t)

	cfgA := Config{ThisName: "A", Nodes: []NodeConfig{{Name: "A", Addr: addrA}, {Name: "B", Addr: addrB}}}
	cfgB := Config{ThisName: "B", Nodes: []NodeConfig{{Name: "A", Addr: addrA}, {Name: "B", Addr: addrB}}}

	execB := &stubExecutor{delivered: make(chan string, 1)}
	execA := &stubExecutor{delivered: make(chan string, 1)}

	clusterA := New(cfgA, execA, zap.NewNop().Sugar(), nil)
	clusterB := New(cfgB, execB, zap.NewNop().Sugar(), nil)
	defer clusterA.Shutdown()
	defer clusterB.Shutdown()

	require.NoError(t, clusterA.Listen(addrA))
	require.NoError(t, clusterB.Listen(addrB))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		return clusterA.Deliver(ctx, "B", "+447812345678", "hi\r\n") == nil
	}, 4*time.Second, 50*time.Millisecond)

	select {
	case got := <-execB.delivered:
		require.Equal(t, "+447812345678:hi\r\n", got)
	case <-time.After(time.Second):
		t.Fatal("delivery never reached node B's executor")
	}
}

func TestClusterSelfRoutesLocallyWithoutRPC(t *testing.T) {
	exec := &stubExecutor{delivered: make(chan string, 1), reply: RoomOpReply{Description: "local"}}
	c := New(Config{ThisName: "A"}, exec, zap.NewNop().Sugar(), nil)
	defer c.Shutdown()

	reply, err := c.ExecuteRoomOp(context.Background(), "A", RoomOpRequest{})
	require.NoError(t, err)
	require.Equal(t, "local", reply.Description)
}
