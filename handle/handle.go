// Package handle implements the user-facing Handle (spec component C): a
// reference to a link carrying local view-state (delay timer,
// echo-blocking, ignore-same policy) independent of the link itself.
//
// Grounded on tree/node.go's Ref/Unref refcounting and
// cmd/musclefs/musclefs.go's fsNode (a thin per-open wrapper decorating a
// shared node with handle-local state such as a lock) — the same "shared
// node + private decoration" shape.
package handle

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/arn-go/arnd/errkind"
	"github.com/arn-go/arnd/link"
	"github.com/arn-go/arnd/value"
)

// Handle is the per-open reference described in spec §3.3.
type Handle struct {
	store *link.Store
	l     *link.Link

	mu sync.Mutex

	ignoreSameValue bool
	blockEcho       bool
	uncrossed       bool
	delayMS         int

	reference any // opaque user pointer for dispatch, per spec §3.3

	sub      *link.Subscriber
	onChange func(link.Notification)

	delayMu    sync.Mutex
	delayTimer *time.Timer
	pending    *link.Notification

	closed bool
}

// Open opens path, creating it (and missing ancestor folders) if it does
// not exist (spec §4.3).
func Open(store *link.Store, path string, kind link.Kind) (*Handle, error) {
	l, err := store.GetOrCreate(path, kind, 0)
	if err != nil {
		return nil, errkind.CreateError(err)
	}
	store.Ref(l)
	h := &Handle{store: store, l: l}
	h.sub = &link.Subscriber{Kind: link.SubscriberHandle, Deliver: make(chan link.Notification, 64)}
	store.Subscribe(l, h.sub)
	go h.pump()
	return h, nil
}

// OpenUUID synthesizes a unique child segment under prefix and opens it
// (spec §4.3 open_uuid): prefix + "/" + <random hex suffix>.
func OpenUUID(store *link.Store, prefix string, kind link.Kind) (*Handle, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return nil, errkind.CreateErrorf("open_uuid: %v", err)
	}
	path := fmt.Sprintf("%s/%x", prefix, b)
	return Open(store, path, kind)
}

// OnChange registers a callback invoked (on the handle's owning goroutine,
// spec §5) for every delivered notification, already passed through the
// handle's delay coalescing.
func (h *Handle) OnChange(fn func(link.Notification)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

func (h *Handle) pump() {
	for n := range h.sub.Deliver {
		h.mu.Lock()
		delayMS := h.delayMS
		h.mu.Unlock()
		if delayMS > 0 {
			h.coalesce(n, delayMS)
			continue
		}
		h.dispatch(n)
	}
}

// coalesce implements spec §4.1 "delay coalescing": one notification is
// delivered after the delay window, reflecting the latest value.
func (h *Handle) coalesce(n link.Notification, delayMS int) {
	h.delayMu.Lock()
	defer h.delayMu.Unlock()
	latest := n
	h.pending = &latest
	if h.delayTimer != nil {
		return // a timer is already pending; it will pick up h.pending
	}
	h.delayTimer = time.AfterFunc(time.Duration(delayMS)*time.Millisecond, func() {
		h.delayMu.Lock()
		p := h.pending
		h.pending = nil
		h.delayTimer = nil
		h.delayMu.Unlock()
		if p != nil {
			h.dispatch(*p)
		}
	})
}

func (h *Handle) dispatch(n link.Notification) {
	h.mu.Lock()
	fn := h.onChange
	h.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// Close releases the handle's reference to its link (spec §4.3).
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	h.store.Unsubscribe(h.l, h.sub)
	close(h.sub.Deliver)
	h.store.Unref(h.l)
}

// ErrAssignToFolder is spec §4.3's AssignToFolder error: a folder link has
// no value to assign.
var ErrAssignToFolder = fmt.Errorf("handle: cannot assign a value to a folder")

// WriteRaw writes v with caller-supplied options, merging in this handle's
// uncrossed/origin-subscriber view-state. It exists so specializations
// like pipe.Pipe can attach data (e.g. a sequence number) that the generic
// SetValue API has no vocabulary for.
func (h *Handle) WriteRaw(v value.Value, extra link.WriteOptions) (link.Delivered, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, errkind.NotOpenf("handle closed")
	}
	extra.Uncrossed = h.uncrossed
	extra.OriginSubscriber = h.sub
	h.mu.Unlock()
	return h.store.SetValue(h.l, v, extra), nil
}

// SetValue writes v through this handle, honoring its view-state (spec §4.3).
func (h *Handle) SetValue(v value.Value) (link.Delivered, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, errkind.NotOpenf("handle closed")
	}
	if h.l.Kind() == link.KindFolder {
		h.mu.Unlock()
		return 0, ErrAssignToFolder
	}
	opts := link.WriteOptions{
		IgnoreSameValue:  h.ignoreSameValue,
		Uncrossed:        h.uncrossed,
		OriginSubscriber: h.sub,
	}
	h.mu.Unlock()
	return h.store.SetValue(h.l, v, opts), nil
}

// SetValueAccept writes v even if it is equal to the current value,
// bypassing ignore-same-value for this one call (spec's SameValue::Accept).
func (h *Handle) SetValueAccept(v value.Value) (link.Delivered, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, errkind.NotOpenf("handle closed")
	}
	if h.l.Kind() == link.KindFolder {
		h.mu.Unlock()
		return 0, ErrAssignToFolder
	}
	opts := link.WriteOptions{
		IgnoreSameValue:  h.ignoreSameValue,
		SameValuePolicy:  link.SameValueAccept,
		Uncrossed:        h.uncrossed,
		OriginSubscriber: h.sub,
	}
	h.mu.Unlock()
	return h.store.SetValue(h.l, v, opts), nil
}

// GetValue returns the link's current value.
func (h *Handle) GetValue() value.Value {
	return h.l.Value()
}

func (h *Handle) AddMode(m link.Mode, underPersistMount func(string) bool) {
	h.store.AddMode(h.l, m, underPersistMount)
}

// SetMaster declares this handle's link as the authoritative writer on
// this side for every session that later replicates it (spec §4.6.4).
func (h *Handle) SetMaster() { h.store.SetSyncMode(h.l, link.SyncMaster) }

// SetAutoDestroy declares this handle's link as session-scoped: the peer
// that did not declare master destroys its copy on disconnection (spec
// §4.6.5).
func (h *Handle) SetAutoDestroy() { h.store.SetSyncMode(h.l, link.SyncAutoDestroy) }

// SetDelay sets the coalescing window (spec §3.3 delay_ms).
func (h *Handle) SetDelay(ms int) {
	h.mu.Lock()
	h.delayMS = ms
	h.mu.Unlock()
}

func (h *Handle) SetIgnoreSameValue(v bool) { h.mu.Lock(); h.ignoreSameValue = v; h.mu.Unlock() }
func (h *Handle) SetBlockEcho(v bool)       { h.mu.Lock(); h.blockEcho = v; h.sub.BlockEcho = v; h.mu.Unlock() }
func (h *Handle) SetUncrossed(v bool)       { h.mu.Lock(); h.uncrossed = v; h.mu.Unlock() }
func (h *Handle) SetReference(r any)        { h.mu.Lock(); h.reference = r; h.mu.Unlock() }
func (h *Handle) Reference() any            { h.mu.Lock(); defer h.mu.Unlock(); return h.reference }

// Link exposes the underlying link, e.g. for syncsrv to bind it to a
// session (not part of the handle's public view-state, but required
// plumbing between components).
func (h *Handle) Link() *link.Link { return h.l }

// ToggleBool flips a boolean-valued leaf (spec §4.3 toggle_bool).
func (h *Handle) ToggleBool() (link.Delivered, error) {
	cur := h.GetValue()
	return h.SetValue(value.Bool(!cur.Bool()))
}

// SetBits performs an atomic read-modify-write of an integer-valued leaf's
// bits (spec §4.3 set_bits).
func (h *Handle) SetBits(mask, val int64) (link.Delivered, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur := h.GetValue().Int()
	next := (cur &^ mask) | (val & mask)
	opts := link.WriteOptions{
		SameValuePolicy:  link.SameValueAccept,
		Uncrossed:        h.uncrossed,
		OriginSubscriber: h.sub,
	}
	if h.closed {
		return 0, errkind.NotOpenf("handle closed")
	}
	return h.store.SetValue(h.l, value.Int(next), opts), nil
}

// AddValue atomically adds n to an integer-valued leaf (spec §4.3 add_value).
func (h *Handle) AddValue(n int64) (link.Delivered, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur := h.GetValue().Int()
	opts := link.WriteOptions{
		SameValuePolicy:  link.SameValueAccept,
		Uncrossed:        h.uncrossed,
		OriginSubscriber: h.sub,
	}
	if h.closed {
		return 0, errkind.NotOpenf("handle closed")
	}
	return h.store.SetValue(h.l, value.Int(cur+n), opts), nil
}

// ArnExport exports the current value per spec §6.3.
func (h *Handle) ArnExport() ([]byte, error) {
	return value.Export(h.GetValue())
}

// ArnImport imports bytes per spec §6.3 and writes the result.
func (h *Handle) ArnImport(b []byte) error {
	v, err := value.Import(b)
	if err != nil {
		return err
	}
	_, err = h.SetValue(v)
	return err
}
