package handle

import (
	"testing"
	"time"

	"github.com/arn-go/arnd/link"
	"github.com/arn-go/arnd/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesLeaf(t *testing.T) {
	s := link.NewStore()
	h, err := Open(s, "/leaf", link.KindLeaf)
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, link.KindLeaf, h.Link().Kind())
}

func TestSetValueDeliversToOnChange(t *testing.T) {
	s := link.NewStore()
	h, err := Open(s, "/leaf", link.KindLeaf)
	require.NoError(t, err)
	defer h.Close()

	got := make(chan link.Notification, 1)
	h.OnChange(func(n link.Notification) { got <- n })

	_, err = h.SetValue(value.Int(5))
	require.NoError(t, err)

	select {
	case n := <-got:
		assert.Equal(t, int64(5), n.Value.Int())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestSetValueOnFolderRejected(t *testing.T) {
	s := link.NewStore()
	h, err := Open(s, "/dir/leaf", link.KindLeaf)
	require.NoError(t, err)
	defer h.Close()

	folderHandle, err := Open(s, "/dir", link.KindFolder)
	require.NoError(t, err)
	defer folderHandle.Close()

	_, err = folderHandle.SetValue(value.Int(1))
	assert.ErrorIs(t, err, ErrAssignToFolder)
}

func TestDelayCoalescesToLatestValue(t *testing.T) {
	s := link.NewStore()
	h, err := Open(s, "/leaf", link.KindLeaf)
	require.NoError(t, err)
	defer h.Close()
	h.SetDelay(50)

	got := make(chan link.Notification, 4)
	h.OnChange(func(n link.Notification) { got <- n })

	_, _ = h.SetValue(value.Int(1))
	_, _ = h.SetValue(value.Int(2))
	_, _ = h.SetValue(value.Int(3))

	select {
	case n := <-got:
		assert.Equal(t, int64(3), n.Value.Int(), "coalescing should deliver only the latest value")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for coalesced notification")
	}
	select {
	case n := <-got:
		t.Fatalf("unexpected second notification: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestToggleBoolFlips(t *testing.T) {
	s := link.NewStore()
	h, err := Open(s, "/flag", link.KindLeaf)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.SetValue(value.Bool(false))
	require.NoError(t, err)
	_, err = h.ToggleBool()
	require.NoError(t, err)
	assert.True(t, h.GetValue().Bool())
}

func TestSetBitsReadModifyWrite(t *testing.T) {
	s := link.NewStore()
	h, err := Open(s, "/bits", link.KindLeaf)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.SetValue(value.Int(0b1010))
	require.NoError(t, err)
	_, err = h.SetBits(0b0110, 0b0100)
	require.NoError(t, err)
	assert.Equal(t, int64(0b1100), h.GetValue().Int())
}

func TestAddValueAccumulates(t *testing.T) {
	s := link.NewStore()
	h, err := Open(s, "/counter", link.KindLeaf)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.SetValue(value.Int(10))
	require.NoError(t, err)
	_, err = h.AddValue(5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), h.GetValue().Int())
}

func TestSetMasterRecordsSyncMode(t *testing.T) {
	s := link.NewStore()
	h, err := Open(s, "/svc/state", link.KindLeaf)
	require.NoError(t, err)
	defer h.Close()
	h.SetMaster()
	assert.NotZero(t, s.SyncMode(h.Link())&link.SyncMaster)
}

func TestCloseThenSetValueErrors(t *testing.T) {
	s := link.NewStore()
	h, err := Open(s, "/leaf", link.KindLeaf)
	require.NoError(t, err)
	h.Close()
	_, err = h.SetValue(value.Int(1))
	assert.Error(t, err)
}

func TestArnExportImportRoundTrip(t *testing.T) {
	s := link.NewStore()
	h, err := Open(s, "/leaf", link.KindLeaf)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.SetValue(value.String("hello"))
	require.NoError(t, err)
	b, err := h.ArnExport()
	require.NoError(t, err)

	h2, err := Open(s, "/leaf2", link.KindLeaf)
	require.NoError(t, err)
	defer h2.Close()
	require.NoError(t, h2.ArnImport(b))
	assert.Equal(t, "hello", h2.GetValue().String())
}
