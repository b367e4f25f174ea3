package link

import (
	"testing"

	"github.com/arn-go/arnd/value"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateMaterializesAncestors(t *testing.T) {
	s := NewStore()
	l, err := s.GetOrCreate("/a/b/c", KindLeaf, 0)
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c", l.Path())
	assert.Equal(t, KindLeaf, l.Kind())

	a := s.Lookup("/a")
	require.NotNil(t, a)
	assert.Equal(t, KindFolder, a.Kind())

	again, err := s.GetOrCreate("/a/b/c", KindLeaf, 0)
	require.NoError(t, err)
	assert.Equal(t, l.ID(), again.ID(), "same path resolves to the same link")
}

func TestLookupMissingReturnsNil(t *testing.T) {
	s := NewStore()
	assert.Nil(t, s.Lookup("/nope"))
}

func TestCanonicalizeDoubleSlashPrefix(t *testing.T) {
	s := NewStore()
	l, err := s.GetOrCreate("//foo", KindLeaf, 0)
	require.NoError(t, err)
	assert.Equal(t, "/@/foo", l.Path())
}

func TestAddTwinPairsProviderMarker(t *testing.T) {
	s := NewStore()
	l, err := s.GetOrCreate("/svc/echoPipe!", KindLeaf, ModePipe)
	require.NoError(t, err)

	twin, err := s.AddTwin(l, ModePipe)
	require.NoError(t, err)
	assert.Equal(t, "/svc/echoPipe", twin.Path())

	again, err := s.AddTwin(l, ModePipe)
	require.NoError(t, err)
	assert.Equal(t, twin.ID(), again.ID(), "AddTwin is idempotent")

	other, err := s.GetOrCreate("/svc/echoPipe", KindLeaf, 0)
	require.NoError(t, err)
	assert.Equal(t, twin.ID(), other.ID(), "the plain path resolves to the already-created twin")
}

func TestSetValueCrossesToTwin(t *testing.T) {
	s := NewStore()
	a, err := s.GetOrCreate("/x!", KindLeaf, 0)
	require.NoError(t, err)
	b, err := s.AddTwin(a, 0)
	require.NoError(t, err)

	subA := &Subscriber{Deliver: make(chan Notification, 4)}
	subB := &Subscriber{Deliver: make(chan Notification, 4)}
	s.Subscribe(a, subA)
	s.Subscribe(b, subB)

	s.SetValue(a, value.Int(7), WriteOptions{})

	select {
	case n := <-subB.Deliver:
		assert.Equal(t, int64(7), n.Value.Int())
	default:
		t.Fatal("twin subscriber did not receive the crossed write")
	}
	select {
	case <-subA.Deliver:
		t.Fatal("writer-side subscriber should not receive its own twin-crossed write")
	default:
	}
	assert.Equal(t, int64(7), a.Value().Int(), "local read reflects the write regardless of crossing")
}

func TestSetValueIgnoreSameValueSuppresses(t *testing.T) {
	s := NewStore()
	l, err := s.GetOrCreate("/leaf", KindLeaf, 0)
	require.NoError(t, err)
	s.SetValue(l, value.Int(1), WriteOptions{})

	d := s.SetValue(l, value.Int(1), WriteOptions{IgnoreSameValue: true})
	assert.Equal(t, SuppressedSame, d)

	d = s.SetValue(l, value.Int(1), WriteOptions{IgnoreSameValue: true, SameValuePolicy: SameValueAccept})
	assert.Equal(t, DeliveredToSubscribers, d)
}

func TestSetValueFlagsEchoOnlyForOriginSubscriber(t *testing.T) {
	s := NewStore()
	l, err := s.GetOrCreate("/leaf", KindLeaf, 0)
	require.NoError(t, err)

	writer := &Subscriber{Deliver: make(chan Notification, 4)}
	other := &Subscriber{Deliver: make(chan Notification, 4)}
	s.Subscribe(l, writer)
	s.Subscribe(l, other)

	s.SetValue(l, value.Int(1), WriteOptions{OriginSubscriber: writer})

	n := <-writer.Deliver
	assert.NotZero(t, n.Flags&FlagEcho, "the originating subscriber's own delivery is flagged Echo")

	n = <-other.Deliver
	assert.Zero(t, n.Flags&FlagEcho, "a different subscriber's delivery is not flagged Echo")
}

func TestSetValueBlockEchoSkipsOriginSubscriberDelivery(t *testing.T) {
	s := NewStore()
	l, err := s.GetOrCreate("/leaf", KindLeaf, 0)
	require.NoError(t, err)

	writer := &Subscriber{Deliver: make(chan Notification, 4), BlockEcho: true}
	other := &Subscriber{Deliver: make(chan Notification, 4)}
	s.Subscribe(l, writer)
	s.Subscribe(l, other)

	s.SetValue(l, value.Int(1), WriteOptions{OriginSubscriber: writer})

	select {
	case n := <-writer.Deliver:
		t.Fatalf("writer has BlockEcho set and should not receive its own echoed write: %+v", n)
	default:
	}
	n := <-other.Deliver
	assert.Equal(t, int64(1), n.Value.Int(), "the non-origin subscriber still receives the write")
}

func TestAddModeIsMonotonicAndNoSpuriousNotify(t *testing.T) {
	s := NewStore()
	l, err := s.GetOrCreate("/leaf", KindLeaf, 0)
	require.NoError(t, err)
	sub := &Subscriber{Deliver: make(chan Notification, 4)}
	s.Subscribe(l, sub)

	s.AddMode(l, ModeBiDir, nil)
	<-sub.Deliver // ModeBiDir notification

	s.AddMode(l, ModeBiDir, nil) // already set
	select {
	case n := <-sub.Deliver:
		t.Fatalf("unexpected notification for a no-op AddMode: %+v", n)
	default:
	}
}

func TestAddModePipeImpliesBiDir(t *testing.T) {
	s := NewStore()
	l, err := s.GetOrCreate("/leaf", KindLeaf, 0)
	require.NoError(t, err)
	s.AddMode(l, ModePipe, nil)
	assert.NotZero(t, l.Mode()&ModeBiDir)
	assert.NotZero(t, l.Mode()&ModePipe)
}

func TestAddModeSaveOutsideMountFailsSilently(t *testing.T) {
	s := NewStore()
	l, err := s.GetOrCreate("/outside/leaf", KindLeaf, 0)
	require.NoError(t, err)
	underMount := func(path string) bool { return false }
	s.AddMode(l, ModeSave, underMount)
	assert.Zero(t, l.Mode()&ModeSave)
}

func TestRefUnrefDestroysAtZero(t *testing.T) {
	s := NewStore()
	l, err := s.GetOrCreate("/leaf", KindLeaf, 0)
	require.NoError(t, err)
	s.Ref(l)
	assert.Equal(t, 1, s.Refcount(l))
	s.Unref(l)
	assert.Nil(t, s.Lookup("/leaf"))
}

func TestSyncModeAccessors(t *testing.T) {
	s := NewStore()
	l, err := s.GetOrCreate("/leaf", KindLeaf, 0)
	require.NoError(t, err)
	assert.Zero(t, s.SyncMode(l))
	s.SetSyncMode(l, SyncMaster)
	assert.Equal(t, SyncMaster, s.SyncMode(l))
	s.SetSyncMode(l, SyncAutoDestroy)
	assert.Equal(t, SyncMaster|SyncAutoDestroy, s.SyncMode(l))
}

func TestEnumerateChildrenPreservesInsertionOrder(t *testing.T) {
	s := NewStore()
	_, err := s.GetOrCreate("/dir/b", KindLeaf, 0)
	require.NoError(t, err)
	_, err = s.GetOrCreate("/dir/a", KindLeaf, 0)
	require.NoError(t, err)
	_, err = s.GetOrCreate("/dir/c", KindLeaf, 0)
	require.NoError(t, err)

	dir := s.Lookup("/dir")
	require.NotNil(t, dir)
	children := s.EnumerateChildren(dir)
	var names []string
	for _, c := range children {
		names = append(names, c.Path())
	}
	if diff := cmp.Diff([]string{"/dir/b", "/dir/a", "/dir/c"}, names); diff != "" {
		t.Errorf("unexpected child order: %s", diff)
	}
}

func TestGetOrCreateConcurrentCollapsesToOneLink(t *testing.T) {
	s := NewStore()
	const n = 32
	ids := make(chan ID, n)
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			l, err := s.GetOrCreate("/racey/path", KindLeaf, 0)
			require.NoError(t, err)
			ids <- l.ID()
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	close(ids)
	first := ID(0)
	for id := range ids {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id, "every racing GetOrCreate must resolve to the same link")
	}
}
