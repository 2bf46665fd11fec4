// Package registry implements the cluster-wide name registry described in
// spec.md section 4.1: a linearizable register/unregister per key, backed
// by a single shared Redis instance used purely as an in-memory coordinator
// (the "single authoritative coordinator" option spec.md's design notes
// explicitly allow) — never for durability. Nothing written here survives
// a restart of the coordinator, consistent with the Non-goal on persistence.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tinode/chatcluster/internal/types"
)

// ErrAlreadyRegistered is returned by Register when the entry's key is
// already bound to a handle (spec.md section 4.1: register "fails with
// already_registered if entry exists").
var ErrAlreadyRegistered = errors.New("already_registered")

// Registry is the cluster name registry: a mapping of tagged (kind, key)
// records to the node holding the corresponding handle.
type Registry struct {
	rdb *redis.Client
}

// New wraps an already-dialed Redis client. Callers needing a dependency-free
// single-node/dev mode should point rdb at an embedded miniredis instance.
func New(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

var registerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

func entryKey(e types.Entry) (string, string, error) {
	switch e.Kind {
	case types.EntryUser:
		if e.UserNumber == "" {
			return "", "", errors.New("registry: empty user_number")
		}
		return fmt.Sprintf("chat:entry:user:%s", e.UserNumber), e.UserNumber, nil
	case types.EntryRoom:
		if e.RoomName == "" {
			return "", "", errors.New("registry: empty room_name")
		}
		return fmt.Sprintf("chat:entry:room:%s", e.RoomName), e.RoomName, nil
	default:
		return "", "", fmt.Errorf("registry: unknown entry kind %q", e.Kind)
	}
}

func indexKey(kind types.EntryKind) string {
	return fmt.Sprintf("chat:index:%s", kind)
}

// Register atomically binds entry to handle.Node. Fails with
// ErrAlreadyRegistered if the entry already exists; the check-and-set is a
// single Lua script so two nodes racing to register the same room/user
// never both succeed.
func (r *Registry) Register(ctx context.Context, e types.Entry, h types.Handle) error {
	key, member, err := entryKey(e)
	if err != nil {
		return err
	}
	res, err := registerScript.Run(ctx, r.rdb, []string{key, indexKey(e.Kind)}, string(h.Node), member).Int()
	if err != nil {
		return fmt.Errorf("registry: register %s: %w", key, err)
	}
	if res == 0 {
		return ErrAlreadyRegistered
	}
	return nil
}

// Unregister removes entry. Idempotent: silently no-ops if absent.
func (r *Registry) Unregister(ctx context.Context, e types.Entry) error {
	key, member, err := entryKey(e)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, indexKey(e.Kind), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: unregister %s: %w", key, err)
	}
	return nil
}

// Lookup returns the handle bound to entry, or ok=false if none.
func (r *Registry) Lookup(ctx context.Context, e types.Entry) (types.Handle, bool, error) {
	key, _, err := entryKey(e)
	if err != nil {
		return types.Handle{}, false, err
	}
	node, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return types.Handle{}, false, nil
	}
	if err != nil {
		return types.Handle{}, false, fmt.Errorf("registry: lookup %s: %w", key, err)
	}
	return types.Handle{Node: types.NodeID(node)}, true, nil
}

// Enumerate lists every entry of kind currently registered, for LIST
// ACCESSIBLE ROOMS and similar whole-cluster scans. Convergence between
// command completions is sufficient per spec.md section 4.1; this does a
// fresh SMEMBERS+MGET round trip each call rather than maintaining a local
// mirror, which is adequate at the scale this system targets.
func (r *Registry) Enumerate(ctx context.Context, kind types.EntryKind) ([]types.Entry, []types.Handle, error) {
	members, err := r.rdb.SMembers(ctx, indexKey(kind)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("registry: enumerate %s: %w", kind, err)
	}
	if len(members) == 0 {
		return nil, nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		switch kind {
		case types.EntryUser:
			keys[i] = fmt.Sprintf("chat:entry:user:%s", m)
		case types.EntryRoom:
			keys[i] = fmt.Sprintf("chat:entry:room:%s", m)
		}
	}

	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("registry: enumerate mget: %w", err)
	}

	var entries []types.Entry
	var handles []types.Handle
	for i, v := range vals {
		if v == nil {
			// Raced with an Unregister between SMEMBERS and MGET; skip,
			// that Unregister has already removed the index entry too.
			continue
		}
		node := types.NodeID(v.(string))
		switch kind {
		case types.EntryUser:
			entries = append(entries, types.Entry{Kind: types.EntryUser, UserNumber: members[i]})
		case types.EntryRoom:
			entries = append(entries, types.Entry{Kind: types.EntryRoom, RoomName: members[i]})
		}
		handles = append(handles, types.Handle{Node: node})
	}
	return entries, handles, nil
}
