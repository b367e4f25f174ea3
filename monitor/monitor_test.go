package monitor

import (
	"testing"
	"time"

	"github.com/arn-go/arnd/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func TestReportsExistingChildrenOnOpen(t *testing.T) {
	s := link.NewStore()
	_, err := s.GetOrCreate("/dir/a", link.KindLeaf, 0)
	require.NoError(t, err)
	_, err = s.GetOrCreate("/dir/b", link.KindLeaf, 0)
	require.NoError(t, err)

	folder := s.Lookup("/dir")
	require.NotNil(t, folder)
	m := Open(s, folder)
	defer m.Close()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		e := recv(t, m.Events())
		assert.Equal(t, ChildFound, e.Kind)
		seen[e.Path] = true
	}
	assert.True(t, seen["/dir/a"])
	assert.True(t, seen["/dir/b"])
}

func TestChildFoundDeduplicatesAcrossCreateEvents(t *testing.T) {
	s := link.NewStore()
	folder, err := s.GetOrCreate("/dir", link.KindFolder, 0)
	require.NoError(t, err)
	m := Open(s, folder)
	defer m.Close()

	_, err = s.GetOrCreate("/dir/x", link.KindLeaf, 0)
	require.NoError(t, err)
	e := recv(t, m.Events())
	assert.Equal(t, ChildFound, e.Kind)
	assert.Equal(t, "/dir/x", e.Path)

	_, err = s.GetOrCreate("/dir/x", link.KindLeaf, 0) // already exists, no new create event
	require.NoError(t, err)
	select {
	case e := <-m.Events():
		t.Fatalf("unexpected second ChildFound: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDescendantEventsReportedAsBelow(t *testing.T) {
	s := link.NewStore()
	folder, err := s.GetOrCreate("/dir", link.KindFolder, 0)
	require.NoError(t, err)
	m := Open(s, folder)
	defer m.Close()

	_, err = s.GetOrCreate("/dir/sub/deep", link.KindLeaf, 0)
	require.NoError(t, err)

	found := false
	for i := 0; i < 2; i++ {
		e := recv(t, m.Events())
		if e.Kind == ItemCreatedBelow && e.Path == "/dir/sub/deep" {
			found = true
		}
	}
	assert.True(t, found, "expected an ItemCreatedBelow event for the deep descendant")
}

func TestChildDeletedAndRestart(t *testing.T) {
	s := link.NewStore()
	leaf, err := s.GetOrCreate("/dir/a", link.KindLeaf, 0)
	require.NoError(t, err)
	folder := s.Lookup("/dir")
	m := Open(s, folder)
	defer m.Close()
	recv(t, m.Events()) // initial ChildFound

	s.Unref(leaf) // refcount was never incremented by Ref, so this destroys it
	e := recv(t, m.Events())
	assert.Equal(t, ChildDeleted, e.Kind)
	assert.Equal(t, "/dir/a", e.Path)

	_, err = s.GetOrCreate("/dir/a", link.KindLeaf, 0)
	require.NoError(t, err)
	recv(t, m.Events()) // ChildFound again, since it was forgotten on delete

	m.Restart()
	e = recv(t, m.Events())
	assert.Equal(t, ChildFound, e.Kind)
}
