package agency

import (
	"context"
	"time"
)

// OpKind enumerates the write operations the agency supports.
type OpKind string

const (
	// OpSet writes a value (object, array or scalar) at a path, creating
	// intermediate objects as needed.
	OpSet OpKind = "set"
	// OpDelete removes the entry at a path.
	OpDelete OpKind = "delete"
	// OpPush appends a value to the array at a path, creating the array
	// if absent.
	OpPush OpKind = "push"
	// OpErase removes every element equal to a value from the array at a
	// path.
	OpErase OpKind = "erase"
	// OpIncrement adds Step to the integer at a path, treating an absent
	// entry as zero.
	OpIncrement OpKind = "increment"
)

// Operation is a single write within a transaction.
type Operation struct {
	Path  string
	Kind  OpKind
	Value any    // OpSet: new value; OpPush/OpErase: the element
	Step  uint64 // OpIncrement only; zero means 1
}

// PrecondKind enumerates the guards a transaction may carry.
type PrecondKind string

const (
	// PrecondOldEqual requires the current value at Path to deeply equal
	// Value.
	PrecondOldEqual PrecondKind = "old"
	// PrecondOldEmpty requires the entry at Path to be absent (Value true)
	// or present (Value false).
	PrecondOldEmpty PrecondKind = "oldEmpty"
	// PrecondIsArray requires the entry at Path to be an array.
	PrecondIsArray PrecondKind = "isArray"
)

// Precondition guards a transaction. All preconditions must hold for the
// transaction's operations to be applied.
type Precondition struct {
	Path  string
	Kind  PrecondKind
	Value any
}

// Transaction is an atomic set of operations guarded by preconditions.
type Transaction struct {
	Ops      []Operation
	Preconds []Precondition
}

// WriteResult reports the outcome of a write. Indices carries one entry
// per transaction; index zero means that transaction's preconditions
// failed and nothing was applied.
type WriteResult struct {
	Accepted bool
	Indices  []uint64
}

// Applied reports whether a single-transaction write went through.
func (r WriteResult) Applied() bool {
	return r.Accepted && len(r.Indices) == 1 && r.Indices[0] != 0
}

// Set builds a set operation.
func Set(path string, value any) Operation {
	return Operation{Path: path, Kind: OpSet, Value: value}
}

// Delete builds a delete operation.
func Delete(path string) Operation {
	return Operation{Path: path, Kind: OpDelete}
}

// Push builds an array-append operation.
func Push(path string, value any) Operation {
	return Operation{Path: path, Kind: OpPush, Value: value}
}

// Erase builds an array-element removal operation.
func Erase(path string, value any) Operation {
	return Operation{Path: path, Kind: OpErase, Value: value}
}

// Increment builds an increment operation. A step of zero increments by 1.
func Increment(path string, step uint64) Operation {
	return Operation{Path: path, Kind: OpIncrement, Step: step}
}

// OldEqual guards on the current value at path.
func OldEqual(path string, value any) Precondition {
	return Precondition{Path: path, Kind: PrecondOldEqual, Value: value}
}

// OldEmpty guards on the entry at path being absent.
func OldEmpty(path string) Precondition {
	return Precondition{Path: path, Kind: PrecondOldEmpty, Value: true}
}

// IsArray guards on the entry at path being an array.
func IsArray(path string) Precondition {
	return Precondition{Path: path, Kind: PrecondIsArray, Value: true}
}

// Agency is the store surface warden consumes. Paths are absolute agency
// paths; WithPrefix adapts an Agency so callers can use prefix-relative
// paths instead.
type Agency interface {
	// ReadTree returns a consistent snapshot of the subtree at prefix.
	ReadTree(ctx context.Context, prefix string) (*Node, error)

	// ReadTransient returns a snapshot of the transient subtree at prefix.
	ReadTransient(ctx context.Context, prefix string) (*Node, error)

	// Transact applies a guarded transaction to the replicated tree.
	Transact(ctx context.Context, trx Transaction) (WriteResult, error)

	// Transient applies a guarded transaction to the volatile tree.
	Transient(ctx context.Context, trx Transaction) (WriteResult, error)

	// GeneralTransaction applies an ordered list of independent
	// transactions; per-transaction success is reported in the result's
	// Indices.
	GeneralTransaction(ctx context.Context, trxs []Transaction) (WriteResult, error)
}

// SingleWrite applies ops with no preconditions.
func SingleWrite(ctx context.Context, a Agency, ops ...Operation) (WriteResult, error) {
	return a.Transact(ctx, Transaction{Ops: ops})
}

// Leadership exposes the election state of the process hosting the store.
// Only the leader may mutate Plan/Target/Supervision state; LeaderSince
// gates mutations until leadership has been stable for a grace period.
type Leadership interface {
	Leading() bool
	LeaderSince() time.Time
}
