// Package cluster is the inter-node transport: each node dials every peer
// over net/rpc (the exact mechanism the teacher's cluster.go uses), wraps
// each peer's client in a circuit breaker so a stuck node stops blocking
// every caller, and exposes the RPC service a remote node calls into to
// reach this node's Local Room Registry and User Directory.
package cluster

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tinode/chatcluster/internal/metrics"
	"github.com/tinode/chatcluster/internal/types"
)

// Default timeout before attempting to reconnect to a peer.
const defaultReconnectInterval = 200 * time.Millisecond

// CallTimeout bounds how long a remote invocation may block the caller
// (spec.md section 5: "a reasonable default timeout is 5 seconds").
const CallTimeout = 5 * time.Second

// LocalExecutor is implemented by the router: it carries out a RoomOp or a
// Deliver against this node's own Local Room Registry / User Directory,
// whichever a remote peer asked for. Kept as an interface here so package
// cluster never has to import package router.
type LocalExecutor interface {
	ExecuteRoomOp(ctx context.Context, req RoomOpRequest) RoomOpReply
	Deliver(userNumber, line string) error
	UserSnapshot(number string) (types.UserSnapshot, bool)
}

// Node is this process's connection to one peer.
type Node struct {
	mu sync.Mutex

	name         types.NodeID
	addr         string
	client       *rpc.Client
	connected    bool
	reconnecting bool
	fingerprint  string

	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics

	done chan struct{}
}

func newNode(name types.NodeID, addr string, m *metrics.Metrics) *Node {
	n := &Node{name: name, addr: addr, metrics: m, done: make(chan struct{}, 1)}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cluster-node-" + string(name),
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			if m == nil {
				return
			}
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1.0
			}
			m.BreakerOpen.WithLabelValues(string(name)).Set(open)
		},
	})
	return n
}

// reconnect dials addr in a loop until it succeeds or the node is shut
// down, mirroring the teacher's ClusterNode.reconnect.
func (n *Node) reconnect(logger *zap.SugaredLogger) {
	n.mu.Lock()
	if n.reconnecting {
		n.mu.Unlock()
		return
	}
	n.reconnecting = true
	n.mu.Unlock()

	ticker := time.NewTicker(defaultReconnectInterval)
	defer ticker.Stop()

	for {
		if client, err := rpc.Dial("tcp", n.addr); err == nil {
			n.mu.Lock()
			n.client = client
			n.connected = true
			n.reconnecting = false
			n.mu.Unlock()
			logger.Infow("cluster: connected", "node", n.name, "addr", n.addr)
			return
		}

		select {
		case <-ticker.C:
		case <-n.done:
			n.mu.Lock()
			n.connected = false
			n.reconnecting = false
			n.mu.Unlock()
			logger.Infow("cluster: reconnect loop stopped", "node", n.name)
			return
		}
	}
}

// call performs one synchronous RPC, bounded by CallTimeout and guarded by
// the node's circuit breaker, using the client.Go()+select pattern since
// net/rpc's Call has no built-in deadline.
func (n *Node) call(ctx context.Context, proc string, args, reply interface{}) error {
	n.mu.Lock()
	client, connected := n.client, n.connected
	n.mu.Unlock()
	if !connected {
		return fmt.Errorf("cluster: node %q not connected", n.name)
	}

	start := time.Now()
	defer func() {
		if n.metrics != nil {
			n.metrics.ClusterRPCSecs.WithLabelValues(proc).Observe(time.Since(start).Seconds())
		}
	}()

	_, err := n.breaker.Execute(func() (interface{}, error) {
		done := make(chan *rpc.Call, 1)
		call := client.Go(proc, args, reply, done)

		timeout := time.NewTimer(CallTimeout)
		defer timeout.Stop()

		select {
		case c := <-done:
			if c.Error != nil {
				n.markDisconnected()
				return nil, c.Error
			}
			return nil, nil
		case <-timeout.C:
			return nil, fmt.Errorf("cluster: call %s to %q timed out after %s", proc, n.name, CallTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-call.Done:
			if call.Error != nil {
				n.markDisconnected()
				return nil, call.Error
			}
			return nil, nil
		}
	})
	return err
}

func (n *Node) markDisconnected() {
	n.mu.Lock()
	if n.connected {
		n.connected = false
		if n.client != nil {
			n.client.Close()
		}
		go n.reconnect(zap.S())
	}
	n.mu.Unlock()
}

func (n *Node) shutdown() {
	close(n.done)
	n.mu.Lock()
	if n.client != nil {
		n.client.Close()
	}
	n.mu.Unlock()
}

// Config describes the cluster topology: every member node, including this
// one. Parsed from the jsonco-loaded config file in cmd/chatnode.
type Config struct {
	ThisName string       `json:"self"`
	Nodes    []NodeConfig `json:"nodes"`
}

// NodeConfig names one peer and its RPC dial address.
type NodeConfig struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Cluster is this node's view of the cluster: its own identity and a
// client connection to every other node.
type Cluster struct {
	self        types.NodeID
	fingerprint string
	logger      *zap.SugaredLogger

	nodes map[types.NodeID]*Node

	executor LocalExecutor
	listener net.Listener
}

// New builds a Cluster for the node named by cfg.ThisName, dialing every
// other configured node. executor handles inbound RPCs for this node's own
// rooms/users. m may be nil, in which case RPC latency and breaker state
// simply go unrecorded.
func New(cfg Config, executor LocalExecutor, logger *zap.SugaredLogger, m *metrics.Metrics) *Cluster {
	c := &Cluster{
		self:        types.NodeID(cfg.ThisName),
		fingerprint: uuid.NewString(),
		logger:      logger,
		nodes:       make(map[types.NodeID]*Node),
		executor:    executor,
	}
	for _, nc := range cfg.Nodes {
		if nc.Name == cfg.ThisName {
			continue
		}
		n := newNode(types.NodeID(nc.Name), nc.Addr, m)
		c.nodes[n.name] = n
		go n.reconnect(logger)
	}
	return c
}

// Self returns this node's id.
func (c *Cluster) Self() types.NodeID {
	return c.self
}

// Listen starts the RPC server other nodes dial into, at addr.
func (c *Cluster) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cluster: listen %s: %w", addr, err)
	}
	c.listener = ln

	server := rpc.NewServer()
	if err := server.RegisterName("Cluster", (*service)(c)); err != nil {
		return fmt.Errorf("cluster: register rpc service: %w", err)
	}
	go server.Accept(ln)
	c.logger.Infow("cluster: rpc listening", "addr", addr, "node", c.self)
	return nil
}

// Addr returns the RPC listener's bound address, useful in tests that bind
// to port 0 and need to learn the ephemeral port afterwards.
func (c *Cluster) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Shutdown closes the RPC listener and every outbound peer connection.
func (c *Cluster) Shutdown() {
	if c.listener != nil {
		c.listener.Close()
	}
	for _, n := range c.nodes {
		n.shutdown()
	}
}

// nodeOrErr returns the peer named node, or an "unknown node" error when
// node is outside the configured topology.
func (c *Cluster) nodeOrErr(node types.NodeID) (*Node, error) {
	n, ok := c.nodes[node]
	if !ok {
		return nil, fmt.Errorf("cluster: unknown node %q", node)
	}
	return n, nil
}

// ExecuteRoomOp invokes a room operation on the node owning the room —
// locally if node == c.Self(), otherwise over RPC. This is the router's
// entry point for both route_to and per-member fanout calls.
func (c *Cluster) ExecuteRoomOp(ctx context.Context, node types.NodeID, req RoomOpRequest) (RoomOpReply, error) {
	if node == c.self {
		return c.executor.ExecuteRoomOp(ctx, req), nil
	}
	n, err := c.nodeOrErr(node)
	if err != nil {
		return RoomOpReply{}, err
	}
	req.FromNode = c.self
	var reply RoomOpReply
	if err := n.call(ctx, "Cluster.RoomOp", &req, &reply); err != nil {
		return RoomOpReply{}, fmt.Errorf("cluster: room op %s on %q: %w", req.Op, node, err)
	}
	return reply, nil
}

// Deliver writes line to userNumber's socket, locally or via RPC depending
// on which node owns that user's connection — the Broadcast Fanout's
// cross-node primitive (spec.md section 4.8).
func (c *Cluster) Deliver(ctx context.Context, node types.NodeID, userNumber, line string) error {
	if node == c.self {
		return c.executor.Deliver(userNumber, line)
	}
	n, err := c.nodeOrErr(node)
	if err != nil {
		return err
	}
	req := DeliverRequest{UserNumber: userNumber, Line: line}
	var reply DeliverReply
	if err := n.call(ctx, "Cluster.Deliver", &req, &reply); err != nil {
		return fmt.Errorf("cluster: deliver to %s on %q: %w", userNumber, node, err)
	}
	if reply.Err != "" {
		return fmt.Errorf("cluster: deliver to %s on %q: %s", userNumber, node, reply.Err)
	}
	return nil
}

// UserSnapshot fetches number's current record from the node that owns its
// connection, locally or via RPC.
func (c *Cluster) UserSnapshot(ctx context.Context, node types.NodeID, number string) (types.UserSnapshot, bool, error) {
	if node == c.self {
		snap, ok := c.executor.UserSnapshot(number)
		return snap, ok, nil
	}
	n, err := c.nodeOrErr(node)
	if err != nil {
		return types.UserSnapshot{}, false, err
	}
	req := UserSnapshotRequest{UserNumber: number}
	var reply UserSnapshotReply
	if err := n.call(ctx, "Cluster.UserSnapshot", &req, &reply); err != nil {
		return types.UserSnapshot{}, false, fmt.Errorf("cluster: user snapshot %s on %q: %w", number, node, err)
	}
	return reply.Snapshot, reply.Found, nil
}

// service is the RPC-exported view of Cluster; methods on it must match
// net/rpc's (args, *reply) error shape, so they live on a distinct named
// type rather than directly on *Cluster.
type service Cluster

// RoomOp is the inbound RPC handler: executes req against this node's own
// room state and returns the result.
func (s *service) RoomOp(req *RoomOpRequest, reply *RoomOpReply) error {
	*reply = (*Cluster)(s).executor.ExecuteRoomOp(context.Background(), *req)
	return nil
}

// Deliver is the inbound RPC handler for cross-node fanout writes.
func (s *service) Deliver(req *DeliverRequest, reply *DeliverReply) error {
	if err := (*Cluster)(s).executor.Deliver(req.UserNumber, req.Line); err != nil {
		reply.Err = err.Error()
	}
	return nil
}

// UserSnapshot is the inbound RPC handler for cross-node user lookups.
func (s *service) UserSnapshot(req *UserSnapshotRequest, reply *UserSnapshotReply) error {
	snap, found := (*Cluster)(s).executor.UserSnapshot(req.UserNumber)
	reply.Snapshot, reply.Found = snap, found
	return nil
}

// Ping answers a liveness/fingerprint probe.
func (s *service) Ping(req *PingRequest, reply *PingReply) error {
	reply.Fingerprint = (*Cluster)(s).fingerprint
	return nil
}
