// Package store is a typed, versioned KV interface over the external
// hierarchical coordination store (ZooKeeper-shaped: ephemeral nodes,
// child/data watches, optimistic writes) plus a bbolt-backed reference
// implementation of it.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Kind distinguishes the store-level failure classes from §7 of the
// error-handling design.
type Kind int

const (
	KindTransient Kind = iota
	KindVersionConflict
	KindNotFound
)

// Error wraps a store failure with its Kind so callers can branch with
// errors.Is/errors.As instead of matching on strings.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, store.ErrNotFound) and friends by
// comparing Kind, not identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrVersionConflict = &Error{Kind: KindVersionConflict}
	ErrTransient       = &Error{Kind: KindTransient}
)

func notFound(path string, err error) error {
	return &Error{Kind: KindNotFound, Path: path, Err: err}
}

func versionConflict(path string, err error) error {
	return &Error{Kind: KindVersionConflict, Path: path, Err: err}
}

// Stat carries the metadata returned alongside a record: its version
// (monotonically increasing per path, for optimistic writes) and
// whether it is ephemeral (owned by a live participant session).
type Stat struct {
	Version   uint64
	Ephemeral bool
	SessionID string
}

// UnconditionalVersion is passed to Set/Delete to skip the version
// check ("-1 means unconditional" per spec.md §4.6).
const UnconditionalVersion uint64 = 1<<64 - 1

// Event is delivered to a path or child-set subscriber.
type Event struct {
	Path     string
	Type     EventType
	Children []string // not filled in by BoltStore's notifications
}

type EventType int

const (
	EventDataChanged EventType = iota
	EventNodeDeleted
	EventChildrenChanged
)

// UpdateFunc transforms the current value of a path into its next
// value. Returning (nil, nil) leaves the record untouched.
type UpdateFunc func(current []byte, stat Stat) ([]byte, error)

// Store is the coordination-store adapter contract consumed by the
// pipeline, the participant executor, and the cluster data cache.
// A single implementation (BoltStore) is shipped as a reference
// adapter; production deployments are expected to supply their own
// (e.g. backed by an actual ZooKeeper ensemble).
type Store interface {
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	Exists(ctx context.Context, path string) (bool, error)
	GetChildren(ctx context.Context, path string) ([]string, error)

	// Create writes a brand-new record. Parent paths missing along the
	// way are auto-created as persistent nodes first (§4.6); the list
	// of paths created along the way is returned so callers can roll
	// back on a later failure in the same logical operation.
	Create(ctx context.Context, path string, data []byte) (created []string, stat Stat, err error)

	// CreateEphemeral is Create for a node tied to a participant
	// session: it is deleted when ReleaseSession(sessionID) runs.
	CreateEphemeral(ctx context.Context, path string, data []byte, sessionID string) (created []string, stat Stat, err error)

	// Set writes data unconditionally (expectedVersion ==
	// UnconditionalVersion) or only if the stored version matches.
	Set(ctx context.Context, path string, data []byte, expectedVersion uint64) (Stat, error)

	Delete(ctx context.Context, path string, expectedVersion uint64) error

	// Update performs an optimistic read-modify-write: it reads the
	// path, applies fn, and writes with the version it read, retrying
	// on version conflict; BoltStore gives up with a version-conflict
	// error after 20 attempts. If the path does not
	// exist, fn is invoked with (nil, Stat{}) and the result is
	// created.
	Update(ctx context.Context, path string, fn UpdateFunc) (Stat, error)

	// BatchCreate/BatchGet issue all operations and await them
	// together, returning one outcome per index. On NO_NODE inside a
	// batch, missing parent paths are created in a second pass and the
	// original op retried transparently.
	BatchCreate(ctx context.Context, paths []string, data [][]byte) ([]Stat, []error)
	BatchGet(ctx context.Context, paths []string) ([][]byte, []Stat, []error)

	// Subscribe delivers EventDataChanged/EventNodeDeleted for path.
	// SubscribeChildren delivers EventChildrenChanged for the
	// immediate children of path. Both return a cancel func.
	Subscribe(ctx context.Context, path string) (<-chan Event, func(), error)
	SubscribeChildren(ctx context.Context, path string) (<-chan Event, func(), error)

	// ReleaseSession deletes every ephemeral node owned by sessionID,
	// simulating the coordination store expiring a participant's
	// session on disconnect.
	ReleaseSession(ctx context.Context, sessionID string) error

	Close() error
}

// IsNotFound reports whether err is (or wraps) a not-found store error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsVersionConflict reports whether err is (or wraps) a version
// conflict store error.
func IsVersionConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }
