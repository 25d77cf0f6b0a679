package agency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStoreSetAndRead verifies basic writes land and reads return deep
// copies isolated from later writes.
func TestStoreSetAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	res, err := SingleWrite(ctx, s, Set("/Plan/Version", 1))
	require.NoError(t, err)
	assert.True(t, res.Applied())

	before, err := s.ReadTree(ctx, "/")
	require.NoError(t, err)

	_, err = SingleWrite(ctx, s, Set("/Plan/Version", 2))
	require.NoError(t, err)

	// The earlier snapshot must not see the second write.
	v, ok := before.ChildNode("/Plan/Version").UInt()
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)

	after, err := s.ReadTree(ctx, "/Plan/Version")
	require.NoError(t, err)
	v, ok = after.UInt()
	require.True(t, ok)
	assert.Equal(t, uint64(2), v)
}

// TestStoreOperations exercises push, erase, increment and delete.
func TestStoreOperations(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := SingleWrite(ctx, s,
		Push("/list", "a"),
		Push("/list", "b"),
		Push("/list", "a"),
		Increment("/counter", 0),
		Increment("/counter", 10),
	)
	require.NoError(t, err)

	snap, _ := s.ReadTree(ctx, "/")
	list, ok := snap.ChildNode("/list").StringArray()
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "a"}, list)
	counter, _ := snap.ChildNode("/counter").UInt()
	assert.Equal(t, uint64(11), counter)

	// Erase removes every matching element.
	_, err = SingleWrite(ctx, s, Erase("/list", "a"), Delete("/counter"))
	require.NoError(t, err)

	snap, _ = s.ReadTree(ctx, "/")
	list, _ = snap.ChildNode("/list").StringArray()
	assert.Equal(t, []string{"b"}, list)
	assert.False(t, snap.Has("/counter"))
}

// TestStorePreconditions verifies old / oldEmpty / isArray guards and
// that a failed guard rejects the whole transaction.
func TestStorePreconditions(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := SingleWrite(ctx, s, Set("/a", "x"), Set("/arr", []string{"v"}))
	require.NoError(t, err)

	// Matching old guard applies.
	res, err := s.Transact(ctx, Transaction{
		Ops:      []Operation{Set("/a", "y")},
		Preconds: []Precondition{OldEqual("/a", "x")},
	})
	require.NoError(t, err)
	assert.True(t, res.Applied())

	// Stale old guard rejects, and the op must not land.
	res, err = s.Transact(ctx, Transaction{
		Ops:      []Operation{Set("/a", "z"), Set("/side", true)},
		Preconds: []Precondition{OldEqual("/a", "x")},
	})
	require.NoError(t, err)
	assert.False(t, res.Applied())

	snap, _ := s.ReadTree(ctx, "/")
	a, _ := snap.ChildNode("/a").Str()
	assert.Equal(t, "y", a)
	assert.False(t, snap.Has("/side"))

	// oldEmpty guards absence.
	res, _ = s.Transact(ctx, Transaction{
		Ops:      []Operation{Set("/b", 1)},
		Preconds: []Precondition{OldEmpty("/b")},
	})
	assert.True(t, res.Applied())
	res, _ = s.Transact(ctx, Transaction{
		Ops:      []Operation{Set("/b", 2)},
		Preconds: []Precondition{OldEmpty("/b")},
	})
	assert.False(t, res.Applied())

	// isArray holds for arrays only.
	res, _ = s.Transact(ctx, Transaction{
		Ops:      []Operation{Push("/arr", "w")},
		Preconds: []Precondition{IsArray("/arr")},
	})
	assert.True(t, res.Applied())
	res, _ = s.Transact(ctx, Transaction{
		Ops:      []Operation{Push("/a", "w")},
		Preconds: []Precondition{IsArray("/a")},
	})
	assert.False(t, res.Applied())
}

// TestStoreGeneralTransaction verifies transactions in a batch succeed
// and fail independently.
func TestStoreGeneralTransaction(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_, err := SingleWrite(ctx, s, Set("/x", "old"))
	require.NoError(t, err)

	res, err := s.GeneralTransaction(ctx, []Transaction{
		{
			Ops:      []Operation{Set("/x", "new")},
			Preconds: []Precondition{OldEqual("/x", "old")},
		},
		{
			Ops:      []Operation{Set("/y", "never")},
			Preconds: []Precondition{OldEqual("/x", "stale")},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Indices, 2)
	assert.NotZero(t, res.Indices[0])
	assert.Zero(t, res.Indices[1])

	snap, _ := s.ReadTree(ctx, "/")
	x, _ := snap.ChildNode("/x").Str()
	assert.Equal(t, "new", x)
	assert.False(t, snap.Has("/y"))
}

// TestStoreTransientIsolation verifies the transient tree is a separate
// namespace from the replicated one.
func TestStoreTransientIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.Transient(ctx, Transaction{Ops: []Operation{Set("/hb", "t1")}})
	require.NoError(t, err)

	replicated, _ := s.ReadTree(ctx, "/")
	assert.False(t, replicated.Has("/hb"))

	transient, _ := s.ReadTransient(ctx, "/")
	hb, _ := transient.ChildNode("/hb").Str()
	assert.Equal(t, "t1", hb)
}

// TestWithPrefix verifies path rewriting for reads and writes.
func TestWithPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	p := WithPrefix(s, "/arango")

	_, err := SingleWrite(ctx, p, Set("/Plan/Version", 1))
	require.NoError(t, err)

	raw, _ := s.ReadTree(ctx, "/")
	assert.True(t, raw.Has("/arango/Plan/Version"))

	viaPrefix, err := p.ReadTree(ctx, "/Plan/Version")
	require.NoError(t, err)
	v, ok := viaPrefix.UInt()
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)

	// Preconditions are rewritten too.
	res, err := p.Transact(ctx, Transaction{
		Ops:      []Operation{Increment("/Plan/Version", 1)},
		Preconds: []Precondition{OldEqual("/Plan/Version", 1)},
	})
	require.NoError(t, err)
	assert.True(t, res.Applied())
}
