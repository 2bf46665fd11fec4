package session

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/tinode/snowflake"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/tinode/chatcluster/internal/cluster"
	"github.com/tinode/chatcluster/internal/dispatch"
	"github.com/tinode/chatcluster/internal/fanout"
	"github.com/tinode/chatcluster/internal/registry"
	"github.com/tinode/chatcluster/internal/room"
	"github.com/tinode/chatcluster/internal/router"
	"github.com/tinode/chatcluster/internal/user"
)

// testServer pairs a Session (driven by Run in the background) with the
// client end of an in-memory net.Pipe, plus the router/users it shares a
// node with, so a test can inspect server-side state after sending lines.
type testServer struct {
	client     *bufio.ReadWriter
	clientConn net.Conn
	sess       *Session
	rt         *router.Router
	users      *user.Directory
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	names := registry.New(rdb)

	local := room.NewLocal()
	roomMgr := room.NewManager("node1", local, names)
	users := user.NewDirectory("node1", names)
	rt := router.New("node1", names, local, roomMgr, users)

	cl := cluster.New(cluster.Config{ThisName: "node1"}, rt, zap.NewNop().Sugar(), nil)
	rt.SetCluster(cl)
	t.Cleanup(cl.Shutdown)

	fan := fanout.New(cl, zap.NewNop().Sugar())
	d := dispatch.New("node1", names, local, roomMgr, rt, users, fan, zap.NewNop().Sugar(), nil)

	serverConn, clientConn := net.Pipe()
	sidNode, err := snowflake.NewNode(1)
	require.NoError(t, err)

	sess := New(serverConn, sidNode, d, nil, zap.NewNop().Sugar())
	go sess.Run(context.Background())
	t.Cleanup(func() {
		clientConn.Close()
		<-sess.Done()
	})

	return &testServer{
		client:     bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn)),
		clientConn: clientConn,
		sess:       sess,
		rt:         rt,
		users:      users,
	}
}

func (s *testServer) send(t *testing.T, line string) {
	t.Helper()
	_, err := s.client.WriteString(line + "\r\n")
	require.NoError(t, err)
	require.NoError(t, s.client.Flush())
}

func (s *testServer) recv(t *testing.T) string {
	t.Helper()
	line, err := s.client.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestSessionRejectsCommandsBeforeLogin(t *testing.T) {
	s := newTestServer(t)
	s.send(t, "LIST JOINED ROOMS")
	require.Equal(t, "You are not logged in\r\n", s.recv(t))
}

func TestSessionLoginThenCreateRoom(t *testing.T) {
	s := newTestServer(t)
	s.send(t, "LOGIN +447700900123 Alice")
	require.Contains(t, s.recv(t), "We welcome the glorious Alice")

	s.send(t, "CREATE ROOM general")
	require.Contains(t, s.recv(t), "created")
}

func TestSessionCloseRunsLogOutCleanup(t *testing.T) {
	s := newTestServer(t)
	s.send(t, "LOGIN +447700900123 Alice")
	s.recv(t)
	s.send(t, "CREATE ROOM general")
	s.recv(t)

	require.NoError(t, s.clientConn.Close())
	<-s.sess.Done()

	_, ok := s.users.Get("+447700900123")
	require.False(t, ok)
}
