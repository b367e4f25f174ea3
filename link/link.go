// Package link implements the shared object tree: the process-wide store
// of Links addressed by path (spec §3, §4.1, §4.2), with reference
// counting, mode bits, twin pairing and subscriber delivery.
//
// All mutation of the arena is serialized by Store's own mutex, giving it
// a single logical owner per spec §5 ("store operations are non-blocking
// and complete synchronously on their owning thread"). A caller that must
// not block on that mutex at all (e.g. a signal handler dispatching an
// administrative command) can instead marshal its request through
// internal/ctxproxy's explicit request/reply channel, spec §9's
// cross-thread proxy pattern; Store itself does not need to, since its
// mutex already gives every method that single-owner semantics.
package link

import (
	"strings"

	"github.com/arn-go/arnd/value"
)

// ID is a process-unique, stable-for-lifetime link identifier (spec §9:
// "arena + integer index").
type ID uint64

// Kind distinguishes folder (container) links from leaf (value-bearing)
// links.
type Kind byte

const (
	KindFolder Kind = iota
	KindLeaf
)

// Mode is the persistent bitset from spec §3.2. Mode bits are monotonic:
// once set on a live link they are never cleared (spec §4.2).
type Mode uint8

const (
	ModeBiDir Mode = 1 << iota
	ModePipe       // implies ModeBiDir
	ModeSave       // persistent; only valid under the persistence mount point
)

// SyncMode is the per-session bitset from spec §3.2/§4.6.4.
type SyncMode uint8

const (
	SyncMaster SyncMode = 1 << iota
	SyncAutoDestroy
)

// SubscriberKind distinguishes the three subscriber shapes named in spec §9.
type SubscriberKind byte

const (
	SubscriberHandle SubscriberKind = iota
	SubscriberSession
	SubscriberDelayTimer
)

// Subscriber is an observer descriptor attached to a link (spec §3.2,
// "subscribers"). Delivery is by pushing a Notification onto Deliver.
type Subscriber struct {
	Kind SubscriberKind

	// HandleID identifies the handle for SubscriberHandle/SubscriberDelayTimer.
	HandleID uint64

	// SessionID/RemoteID identify the peer binding for SubscriberSession
	// (spec §4.6.2: local_by_id / remote_to_local).
	SessionID uint64
	RemoteID  uint64

	// BlockEcho suppresses delivery of updates flagged Echo that
	// originated from this same subscriber (spec §4.1 "echo suppression").
	BlockEcho bool

	// Deliver receives notifications for this subscriber. The store never
	// blocks on a full channel; it drops the notification instead (see
	// Store.deliverLocked).
	Deliver chan Notification
}

// Notification is what Store pushes to a Subscriber's mailbox on a value
// or mode change, or on destruction.
type Notification struct {
	LinkID    ID
	Path      string
	Kind      NotificationKind
	Value     value.Value
	Flags     Flags
	SeqNo     uint32
	HasSeqNo  bool
}

type NotificationKind byte

const (
	NotifyValue NotificationKind = iota
	NotifyMode
	NotifyDestroyed
	NotifyCreated
)

// Flags classify an update envelope (spec §3.4).
type Flags uint8

const (
	FlagFromRemote Flags = 1 << iota
	FlagFromPersist
	FlagEcho
)

// Link is a single tree node (spec §3.2).
type Link struct {
	id   ID
	path string
	kind Kind

	mode     Mode
	syncMode SyncMode

	value value.Value

	parent   ID
	hasParent bool
	children map[string]ID // name -> child id, insertion order tracked separately
	order    []string

	twin    ID
	hasTwin bool

	refcount int

	subscribers []*Subscriber

	// pipeSeq is the next sequence number to assign (spec invariant I6);
	// meaningful only when mode&ModePipe != 0.
	pipeSeq uint32

	destroyed bool
}

// Path returns the link's absolute canonical path.
func (l *Link) Path() string { return l.path }

// ID returns the link's process-unique id.
func (l *Link) ID() ID { return l.id }

// Kind returns whether the link is a folder or a leaf.
func (l *Link) Kind() Kind { return l.kind }

// Mode returns the current mode bitset.
func (l *Link) Mode() Mode { return l.mode }

// Value returns the link's current value. Reading here is lock-free on the
// reader's side per spec §5 ("readers on non-owning threads may read an
// immutable snapshot of a link's value"); callers that need a consistent
// read-after-write should go through Store.
func (l *Link) Value() value.Value { return l.value }

// IsProvider reports whether the path's last segment carries the `!`
// provider marker (spec §3.1).
func IsProvider(path string) bool {
	seg := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		seg = path[i+1:]
	}
	return strings.HasSuffix(seg, "!")
}

// CanonicalName strips the trailing `!` marker from a segment, since it is
// a logical marker and not part of the name proper (spec §3.1).
func CanonicalName(segment string) string {
	return strings.TrimSuffix(segment, "!")
}

// TwinName returns the other polarity's segment name for a segment that
// may or may not carry the `!` marker.
func TwinName(segment string) string {
	if strings.HasSuffix(segment, "!") {
		return strings.TrimSuffix(segment, "!")
	}
	return segment + "!"
}
