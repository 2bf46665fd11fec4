// Package user implements the User State Object (spec.md section 4.4): a
// profile bound to one socket, living on the node that accepted the
// connection, registered cluster-wide so every node can find it by number.
package user

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/tinode/chatcluster/internal/registry"
	"github.com/tinode/chatcluster/internal/types"
)

// Conn is the minimal socket handle a User needs: somewhere to write
// server-originated lines (direct replies, broadcasts). Satisfied by
// *session.Session without importing it here, avoiding an import cycle.
type Conn interface {
	Deliver(line string) error
}

// Sentinel errors, spec.md section 4.4.
var (
	ErrUserAlreadyLoggedIn          = errors.New("user_already_logged_in")
	ErrSomeoneElseAlreadyLoggedIn   = errors.New("someone_else_already_logged_in")
	ErrUserNotFound                 = errors.New("user_not_found")
)

// User is the live record for a logged-in user_number.
type User struct {
	mu sync.Mutex

	number      string
	name        string
	node        types.NodeID
	socket      Conn
	description string
}

// Snapshot returns the immutable copy embedded in room member lists.
func (u *User) Snapshot() types.UserSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return types.UserSnapshot{
		UserNumber:  u.number,
		UserName:    u.name,
		Node:        u.node,
		Description: u.description,
	}
}

// Deliver writes a line directly to the user's socket.
func (u *User) Deliver(line string) error {
	u.mu.Lock()
	sock := u.socket
	u.mu.Unlock()
	return sock.Deliver(line)
}

func (u *User) setDescription(d string) {
	u.mu.Lock()
	u.description = norm.NFC.String(d)
	u.mu.Unlock()
}

func (u *User) setUserName(n string) {
	u.mu.Lock()
	u.name = norm.NFC.String(n)
	u.mu.Unlock()
}

// Directory is the per-node table of Users owned by this node, plus the
// binding to the cluster registry that makes them visible cluster-wide.
// One connection == at most one User, enforced by boundSockets.
type Directory struct {
	self    types.NodeID
	cluster *registry.Registry

	mu           sync.Mutex
	byNumber     map[string]*User
	boundSockets map[Conn]string // socket -> user_number, detects re-login on the same connection
}

// NewDirectory constructs an empty per-node user directory.
func NewDirectory(self types.NodeID, cluster *registry.Registry) *Directory {
	return &Directory{
		self:         self,
		cluster:      cluster,
		byNumber:     make(map[string]*User),
		boundSockets: make(map[Conn]string),
	}
}

// Create logs a user in: binds number to sock and registers number
// cluster-wide. Fails with ErrSomeoneElseAlreadyLoggedIn if sock already
// has a different user bound to it, or ErrUserAlreadyLoggedIn if number is
// already present in the cluster registry (spec.md section 4.4).
func (d *Directory) Create(ctx context.Context, number, name string, sock Conn, description string) (*User, error) {
	d.mu.Lock()
	if existing, ok := d.boundSockets[sock]; ok {
		d.mu.Unlock()
		if existing == number {
			return nil, fmt.Errorf("user %s: %w", number, ErrUserAlreadyLoggedIn)
		}
		return nil, fmt.Errorf("socket bound to %s: %w", existing, ErrSomeoneElseAlreadyLoggedIn)
	}
	d.mu.Unlock()

	entry := types.Entry{Kind: types.EntryUser, UserNumber: number}
	if err := d.cluster.Register(ctx, entry, types.Handle{Node: d.self}); err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			return nil, fmt.Errorf("user %s: %w", number, ErrUserAlreadyLoggedIn)
		}
		return nil, fmt.Errorf("user: create %s: %w", number, err)
	}

	u := &User{
		number:      number,
		name:        norm.NFC.String(name),
		node:        d.self,
		socket:      sock,
		description: norm.NFC.String(description),
	}

	d.mu.Lock()
	d.byNumber[number] = u
	d.boundSockets[sock] = number
	d.mu.Unlock()

	return u, nil
}

// Count returns how many users are logged in through this node, for the
// users_live gauge.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byNumber)
}

// Get returns the User owned by this node for number, if any.
func (d *Directory) Get(number string) (*User, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.byNumber[number]
	return u, ok
}

// Delete unregisters number from the cluster registry and frees the local
// record (spec.md section 4.4, LOG OUT).
func (d *Directory) Delete(ctx context.Context, number string) error {
	d.mu.Lock()
	u, ok := d.byNumber[number]
	if ok {
		delete(d.byNumber, number)
		delete(d.boundSockets, u.socket)
	}
	d.mu.Unlock()

	if err := d.cluster.Unregister(ctx, types.Entry{Kind: types.EntryUser, UserNumber: number}); err != nil {
		return fmt.Errorf("user: delete %s: %w", number, err)
	}
	return nil
}

// SetDescription updates the live record in place; callers are responsible
// for propagating the change to every room the user belongs to via
// update_member (spec.md section 4.6, SET MY DESCRIPTION).
func (u *User) SetDescription(d string) { u.setDescription(d) }

// SetUserName updates the live record in place.
func (u *User) SetUserName(n string) { u.setUserName(n) }
