package link

import (
	"github.com/arn-go/arnd/value"
)

// SameValuePolicy controls whether an ignore-same-value write that matches
// the current value should still be delivered (spec §4.1).
type SameValuePolicy byte

const (
	SameValueSuppressIfEqual SameValuePolicy = iota
	SameValueAccept
)

// WriteOptions mirror the handle view-state relevant to a single write
// (spec §3.3): whether to ignore a same-valued write, whether this write
// should cross to the twin, and whose subscriber should skip echo.
type WriteOptions struct {
	IgnoreSameValue bool
	SameValuePolicy SameValuePolicy
	Uncrossed       bool
	OriginSubscriber *Subscriber // for echo flagging; may be nil
	Flags           Flags
	SeqNo           uint32
	HasSeqNo        bool
}

// Delivered reports the disposition of a SetValue call (spec §4.1).
type Delivered byte

const (
	DeliveredToSubscribers Delivered = iota
	SuppressedSame
)

// SetValue implements spec §4.1's write algorithm: ignore-same suppression,
// then twin-crossing, then subscriber delivery with echo flagging.
func (s *Store) SetValue(l *Link, v value.Value, opts WriteOptions) Delivered {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.IgnoreSameValue && opts.SameValuePolicy == SameValueSuppressIfEqual {
		if l.value.Equal(v) {
			return SuppressedSame
		}
	}

	// The value is always recorded on the writer's own link so local
	// reads return the latest written value (spec §4.1 twin-crossing,
	// final sentence), regardless of which side's subscribers receive it.
	l.value = v

	target := l
	if !opts.Uncrossed && l.hasTwin && l.mode&ModeBiDir != 0 {
		target = s.byID[l.twin]
	}

	n := Notification{
		LinkID:   target.id,
		Path:     target.path,
		Kind:     NotifyValue,
		Value:    v,
		Flags:    opts.Flags,
		SeqNo:    opts.SeqNo,
		HasSeqNo: opts.HasSeqNo,
	}
	s.notifyLocked(target, n, opts.OriginSubscriber)
	return DeliveredToSubscribers
}

// Subscribe attaches sub to l's subscriber list.
func (s *Store) Subscribe(l *Link, sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.subscribers = append(l.subscribers, sub)
}

// Unsubscribe removes sub from l's subscriber list.
func (s *Store) Unsubscribe(l *Link, sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range l.subscribers {
		if existing == sub {
			l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
			return
		}
	}
}

// notifyLocked delivers n to every subscriber of target, honoring
// block_echo (spec §4.1 "echo suppression"): the subscriber whose own
// write caused n (origin, may be nil) is flagged Echo on its own delivery
// and skipped entirely if that subscriber has BlockEcho set. Delay
// coalescing (spec §4.1 "delay coalescing") is not done here: the handle
// package receives on its own SubscriberHandle mailbox and coalesces in
// its delivery goroutine.
//
// It also bubbles the event up to every ancestor folder's subscribers, so
// a Monitor (spec §4.4) watching an ancestor folder observes create/delete
// events for its descendants regardless of depth; Monitor itself decides,
// from the path, whether to report ChildFound/ChildDeleted (immediate
// child) or ItemCreatedBelow/ItemDeletedBelow (deeper descendant).
func (s *Store) notifyLocked(target *Link, n Notification, origin *Subscriber) {
	s.deliverLocked(target, n, origin)
	id, ok := target.parent, target.hasParent
	for ok {
		ancestor := s.byID[id]
		if ancestor == nil {
			break
		}
		s.deliverLocked(ancestor, n, origin)
		id, ok = ancestor.parent, ancestor.hasParent
	}
}

func (s *Store) deliverLocked(target *Link, n Notification, origin *Subscriber) {
	for _, sub := range target.subscribers {
		deliver := n
		if origin != nil && sub == origin {
			deliver.Flags |= FlagEcho
			if sub.BlockEcho {
				continue
			}
		}
		select {
		case sub.Deliver <- deliver:
		default:
			// A subscriber mailbox should be drained promptly by its
			// owning goroutine (spec §5); a full channel here means the
			// consumer is stalled. We drop rather than block the
			// store's single serializing goroutine.
		}
	}
}
