// Package storeclient is a typed wrapper over the consensus key-value store
// the coordinator uses as its source of truth. Every operation is scoped to
// a namespace and is a single round trip; the client never retries a write,
// retry is always the caller's decision.
package storeclient

import "context"

// Store is the contract every backend (etcd, or an in-memory fake for
// tests) implements.
type Store interface {
	// ListKeys returns, in lexical order, every key under prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Get returns a key's value and whether it is present.
	Get(ctx context.Context, key string) (value []byte, present bool, err error)

	// Put unconditionally overwrites key.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Txn evaluates cmp; if every comparison holds, onSuccess runs and
	// succeeded is true, otherwise onFailure runs and succeeded is false.
	Txn(ctx context.Context, cmp []Compare, onSuccess, onFailure []Op) (succeeded bool, err error)

	// Close releases any held connections.
	Close() error
}

// CompareKind names the predicate a Compare checks.
type CompareKind int

const (
	// CompareValue holds when key's current value equals Value.
	CompareValue CompareKind = iota
	// CompareVersion holds when key's current version equals Version
	// (0 meaning the key is absent).
	CompareVersion
)

// Compare is one predicate in a Txn's guard.
type Compare struct {
	Kind    CompareKind
	Key     string
	Value   []byte
	Version int64
}

// CmpValue builds a "value(key) == v" predicate.
func CmpValue(key string, value []byte) Compare {
	return Compare{Kind: CompareValue, Key: key, Value: value}
}

// CmpVersion builds a "version(key) == n" predicate (0 meaning absent).
func CmpVersion(key string, version int64) Compare {
	return Compare{Kind: CompareVersion, Key: key, Version: version}
}

// OpKind names the mutation an Op performs.
type OpKind int

const (
	OpKindPut OpKind = iota
	OpKindDelete
)

// Op is one write in a Txn branch.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
}

// OpPut builds a put operation for use in a Txn branch.
func OpPut(key string, value []byte) Op {
	return Op{Kind: OpKindPut, Key: key, Value: value}
}

// OpDelete builds a delete operation for use in a Txn branch.
func OpDelete(key string) Op {
	return Op{Kind: OpKindDelete, Key: key}
}
