package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tinode/chatcluster/internal/cluster"
	"github.com/tinode/chatcluster/internal/types"
)

// recordingExecutor records every Deliver call it receives; Deliver fails
// for one designated user_number to exercise the "one bad member doesn't
// block the rest" guarantee.
type recordingExecutor struct {
	mu        sync.Mutex
	delivered map[string]string
	failFor   string
}

func (e *recordingExecutor) ExecuteRoomOp(ctx context.Context, req cluster.RoomOpRequest) cluster.RoomOpReply {
	return cluster.RoomOpReply{}
}

func (e *recordingExecutor) Deliver(userNumber, line string) error {
	if userNumber == e.failFor {
		return errors.New("boom")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.delivered == nil {
		e.delivered = make(map[string]string)
	}
	e.delivered[userNumber] = line
	return nil
}

func (e *recordingExecutor) UserSnapshot(number string) (types.UserSnapshot, bool) {
	return types.UserSnapshot{}, false
}

func TestFanoutDeliversToEveryMemberDespiteOneFailure(t *testing.T) {
	exec := &recordingExecutor{failFor: "+447000000002"}
	cl := cluster.New(cluster.Config{ThisName: "node1"}, exec, zap.NewNop().Sugar(), nil)
	f := New(cl, zap.NewNop().Sugar())

	members := []types.UserSnapshot{
		{UserNumber: "+447000000001", Node: "node1"},
		{UserNumber: "+447000000002", Node: "node1"},
		{UserNumber: "+447000000003", Node: "node1"},
	}

	f.Deliver(context.Background(), members, "alice (general): hi\r\n")

	require.Equal(t, "alice (general): hi\r\n", exec.delivered["+447000000001"])
	require.Equal(t, "alice (general): hi\r\n", exec.delivered["+447000000003"])
	_, failedMemberGotDelivery := exec.delivered["+447000000002"]
	require.False(t, failedMemberGotDelivery)
}
