// Package fanout implements the Broadcast Fanout (spec.md section 4.8):
// deliver one payload to every member's socket, wherever in the cluster
// that socket lives, without letting a slow or dead peer delay delivery
// to everyone else.
package fanout

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tinode/chatcluster/internal/cluster"
	"github.com/tinode/chatcluster/internal/types"
)

// Fanout delivers payloads to member snapshots across the cluster.
type Fanout struct {
	cl     *cluster.Cluster
	logger *zap.SugaredLogger
}

// New builds a Fanout backed by cl for cross-node delivery.
func New(cl *cluster.Cluster, logger *zap.SugaredLogger) *Fanout {
	return &Fanout{cl: cl, logger: logger}
}

// Deliver writes payload to every member's socket. Writes are dispatched in
// parallel, one goroutine per member, and a failed write to one member
// never aborts delivery to the rest (spec.md section 4.8).
func (f *Fanout) Deliver(ctx context.Context, members []types.UserSnapshot, payload string) {
	var wg sync.WaitGroup
	wg.Add(len(members))
	for _, m := range members {
		m := m
		go func() {
			defer wg.Done()
			if err := f.cl.Deliver(ctx, m.Node, m.UserNumber, payload); err != nil {
				f.logger.Infow("fanout: delivery failed", "user", m.UserNumber, "node", m.Node, "err", err)
			}
		}()
	}
	wg.Wait()
}
