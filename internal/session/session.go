// Package session implements the Connection Session (spec.md section
// 4.7): one task per accepted TCP connection, reading one line at a time,
// enforcing the login gate, and writing back whatever the Command
// Dispatcher produces.
package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/tinode/snowflake"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/tinode/chatcluster/internal/dispatch"
	"github.com/tinode/chatcluster/internal/proto"
	"github.com/tinode/chatcluster/internal/user"
)

// sendQueueLen bounds how many outbound lines (direct replies plus
// fanned-out broadcasts) may be queued before a slow reader starts losing
// messages — mirrors the teacher's buffered per-session send channel.
const sendQueueLen = 256

// Session owns one accepted TCP connection. Writes to the underlying
// socket happen only from the single writer goroutine reading off send, so
// a direct reply and a concurrent Fanout delivery can never interleave
// mid-line (spec.md section 5, shared resource iii).
type Session struct {
	sid  string
	conn net.Conn

	send chan string
	done chan struct{}

	dispatcher *dispatch.Dispatcher
	limiter    *limiter.Limiter
	logger     *zap.SugaredLogger

	caller *user.User
}

// New wraps an accepted connection. sidNode generates this session's id;
// lim rate-limits commands per connection (spec.md carries no explicit
// rate-limiting requirement, but every node needs some defense against a
// single abusive connection flooding its Room/User actors).
func New(conn net.Conn, sidNode *snowflake.Node, d *dispatch.Dispatcher, lim *limiter.Limiter, logger *zap.SugaredLogger) *Session {
	sid := sidNode.Generate().String()
	return &Session{
		sid:        sid,
		conn:       conn,
		send:       make(chan string, sendQueueLen),
		done:       make(chan struct{}),
		dispatcher: d,
		limiter:    lim,
		logger:     logger.With("sid", sid, "remote", conn.RemoteAddr().String()),
	}
}

// Done reports when Run has fully returned — its read loop stopped, the
// caller (if any) logged out, and the socket closed. The writer goroutine
// exits on this same signal; Run does not wait for it. Tests use Done to
// wait for the session to finish before asserting on shared state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Deliver queues line for delivery to this session's socket. Satisfies
// user.Conn. Non-blocking: a full queue means a stuck client, and is
// reported rather than left to block the fanout goroutine indefinitely.
func (s *Session) Deliver(line string) error {
	select {
	case s.send <- line:
		return nil
	case <-s.done:
		return errors.New("session: closed")
	default:
		return errors.New("session: send queue full")
	}
}

// Run is the session loop: accept, read, gate, dispatch, write — until the
// connection closes or a fatal transport error occurs. Whatever happens,
// Run ends by logging the caller out (spec.md section 9's open question:
// a dropped connection must still run the LOG OUT flow).
func (s *Session) Run(ctx context.Context) {
	go s.writeLoop()
	defer close(s.done)
	defer s.cleanup(ctx)

	reader := bufio.NewReader(s.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			s.logger.Infow("session: read error", "err", err)
			s.writeDirect(proto.TransportError)
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if limited, err := s.rateLimited(ctx); err != nil {
			s.logger.Warnw("session: rate limiter error", "err", err)
		} else if limited {
			continue
		}

		cmd := proto.Parse(line)

		if s.caller == nil && cmd.Kind != proto.Login {
			s.writeDirect(proto.NotLoggedIn)
			continue
		}

		result := s.dispatcher.Handle(ctx, s, s.caller, cmd)
		if result.Direct != "" {
			s.writeDirect(result.Direct)
		}
		if result.LoggedIn != nil {
			s.caller = result.LoggedIn
		}
		if result.LoggedOut {
			s.caller = nil
		}
		if result.CloseAfter {
			return
		}
	}
}

func (s *Session) rateLimited(ctx context.Context) (bool, error) {
	if s.limiter == nil {
		return false, nil
	}
	lc, err := s.limiter.Get(ctx, s.sid)
	if err != nil {
		return false, err
	}
	return lc.Reached, nil
}

// writeDirect queues line the same way Deliver does, so a direct reply and
// an in-flight broadcast never race on the socket.
func (s *Session) writeDirect(line string) {
	select {
	case s.send <- line:
	case <-s.done:
	case <-time.After(time.Second):
		s.logger.Warnw("session: direct write dropped, queue full")
	}
}

func (s *Session) writeLoop() {
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case line := <-s.send:
			if _, err := w.WriteString(line); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// cleanup runs the LOG OUT flow if a user is still bound to this
// connection (an explicit LOG OUT has already unbound it), then closes the
// socket.
func (s *Session) cleanup(ctx context.Context) {
	if s.caller != nil {
		s.dispatcher.Handle(ctx, s, s.caller, proto.Command{Kind: proto.LogOut})
		s.caller = nil
	}
	s.conn.Close()
}
