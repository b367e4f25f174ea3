package syncsrv_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/arn-go/arnd/handle"
	"github.com/arn-go/arnd/link"
	"github.com/arn-go/arnd/pipe"
	"github.com/arn-go/arnd/server"
	"github.com/arn-go/arnd/syncsrv"
	"github.com/arn-go/arnd/value"
)

// waitFor polls fn until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestSessionPropagatesSetValue exercises spec §8 scenario 1: a client and
// a server, each opening the same path independently, with the client's
// write observed by the server's handle after a bounded time.
func TestSessionPropagatesSetValue(t *testing.T) {
	defer leaktest.Check(t)()

	clientStore := link.NewStore()
	serverStore := link.NewStore()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	// No access table: this test exercises propagation, not authorization,
	// and nil is the supported "access control disabled" mode (mirrors
	// demand_login=false with no table configured at all).
	clientSess := syncsrv.New(clientConn, clientStore, nil, syncsrv.WhoIAm{ID: "client", Type: "client"}, false)
	serverSess := syncsrv.New(serverConn, serverStore, nil, syncsrv.WhoIAm{ID: "server", Type: "server"}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- clientSess.Run(ctx) }()
	go func() { errc <- serverSess.Run(ctx) }()

	clientH, err := handle.Open(clientStore, "/@/Test/v", link.KindLeaf)
	if err != nil {
		t.Fatal(err)
	}
	defer clientH.Close()
	serverH, err := handle.Open(serverStore, "/@/Test/v", link.KindLeaf)
	if err != nil {
		t.Fatal(err)
	}
	defer serverH.Close()

	if err := clientSess.Announce("/@/Test/v", clientH.Link(), 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := serverSess.Announce("/@/Test/v", serverH.Link(), 0, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := clientH.SetValue(value.Int(42)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return serverH.GetValue().Kind() == value.KindInt && serverH.GetValue().Int() == 42
	})

	cancel()
	<-errc
	<-errc
}

// TestSessionPropagatesPipeWritesExactlyOnceInOrder exercises spec §8
// scenario 2: a client-mastered pipe writes a sequence of messages and the
// server's handle on the same path receives exactly that sequence, in order, with increasing
// seq numbers, and never as a spurious `set` frame (the regression this
// guards: forwardLocalChanges used to also forward pipe value-change
// notifications as `set`, double-delivering every pipe write).
func TestSessionPropagatesPipeWritesExactlyOnceInOrder(t *testing.T) {
	defer leaktest.Check(t)()

	clientStore := link.NewStore()
	serverStore := link.NewStore()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	// No access table, same reasoning as TestSessionPropagatesSetValue.
	clientSess := syncsrv.New(clientConn, clientStore, nil, syncsrv.WhoIAm{ID: "client"}, false)
	serverSess := syncsrv.New(serverConn, serverStore, nil, syncsrv.WhoIAm{ID: "server"}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- clientSess.Run(ctx) }()
	go func() { errc <- serverSess.Run(ctx) }()

	// Both sides open the identical path as the pipe's own mapping frames
	// identify it by literal path (spec §4.6.2); twin-crossing (§3.1's "!"
	// marker) is a separate, same-process concern exercised by link's own
	// tests and is orthogonal to the double-delivery bug this test guards.
	clientPipe, err := pipe.Open(clientStore, "/@/Pipes/p", clientSess.PipeQueue())
	if err != nil {
		t.Fatal(err)
	}
	defer clientPipe.Close()
	clientPipe.SetMaster()
	clientPipe.EnableSendSeq()

	serverH, err := handle.Open(serverStore, "/@/Pipes/p", link.KindLeaf)
	if err != nil {
		t.Fatal(err)
	}
	defer serverH.Close()

	var mu sync.Mutex
	var received []pipe.Frame
	serverH.OnChange(func(n link.Notification) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, pipe.Frame{Value: n.Value, SeqNo: n.SeqNo, HasSeqNo: n.HasSeqNo})
	})

	if err := clientSess.Announce("/@/Pipes/p", clientPipe.Link(), byte(link.ModePipe), byte(link.SyncMaster)); err != nil {
		t.Fatal(err)
	}
	if err := serverSess.Announce("/@/Pipes/p", serverH.Link(), byte(link.ModePipe), 0); err != nil {
		t.Fatal(err)
	}

	for _, m := range []string{"a", "b", "c"} {
		if err := clientPipe.Write(value.String(m)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) >= 3
	})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Fatalf("expected exactly 3 deliveries (no duplicate set-frame delivery), got %d: %+v", len(received), received)
	}
	wantValues := []string{"a", "b", "c"}
	for i, f := range received {
		if f.Value.String() != wantValues[i] {
			t.Fatalf("delivery %d: got %q, want %q (order: %+v)", i, f.Value.String(), wantValues[i], received)
		}
		if !f.HasSeqNo || f.SeqNo != uint32(i) {
			t.Fatalf("delivery %d: got seq %v/%v, want seq %d", i, f.HasSeqNo, f.SeqNo, i)
		}
	}

	cancel()
	<-errc
	<-errc
}

// TestSessionRejectsSetWithoutWriteAllowBit exercises spec §8 P9: a write
// without the Write allow bit is rejected with NotAuthorized and never
// applied, regardless of whether the session ever logged in (the server
// enforces its access table against the anonymous identity too, not only
// against authenticated users).
func TestSessionRejectsSetWithoutWriteAllowBit(t *testing.T) {
	defer leaktest.Check(t)()

	clientStore := link.NewStore()
	serverStore := link.NewStore()

	// demand_login=false, so no session ever authenticates and
	// authenticatedUser stays "" on both sides — but the table is
	// configured, and the anonymous "" identity is never registered, so it
	// must be denied just like any other unknown user.
	at := server.NewAccessTable(false)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientSess := syncsrv.New(clientConn, clientStore, at, syncsrv.WhoIAm{ID: "client"}, false)
	serverSess := syncsrv.New(serverConn, serverStore, at, syncsrv.WhoIAm{ID: "server"}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- clientSess.Run(ctx) }()
	go func() { errc <- serverSess.Run(ctx) }()

	clientH, err := handle.Open(clientStore, "/@/Test/guarded", link.KindLeaf)
	if err != nil {
		t.Fatal(err)
	}
	defer clientH.Close()
	serverH, err := handle.Open(serverStore, "/@/Test/guarded", link.KindLeaf)
	if err != nil {
		t.Fatal(err)
	}
	defer serverH.Close()

	if err := clientSess.Announce("/@/Test/guarded", clientH.Link(), 0, 0); err != nil {
		t.Fatal(err)
	}
	if err := serverSess.Announce("/@/Test/guarded", serverH.Link(), 0, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := clientH.SetValue(value.Int(99)); err != nil {
		t.Fatal(err)
	}

	// Give the rejected write time to (not) propagate; a NotAuthorized
	// error keeps the session open (it is not a protocol error), so both
	// sessions must still be running afterwards.
	time.Sleep(200 * time.Millisecond)
	if serverH.GetValue().Kind() == value.KindInt && serverH.GetValue().Int() == 99 {
		t.Fatal("write without the Write allow bit must not be applied on the server")
	}

	select {
	case err := <-errc:
		t.Fatalf("session closed unexpectedly after a NotAuthorized rejection: %v", err)
	default:
	}

	cancel()
	<-errc
	<-errc
}

// TestSessionClosesWhenLoginRequiredButNoCredentials exercises spec §8
// scenario 3: demand-login on, no matching no-login subnet, client has no
// credentials — the session must close during the handshake.
func TestSessionClosesWhenLoginRequiredButNoCredentials(t *testing.T) {
	defer leaktest.Check(t)()

	clientStore := link.NewStore()
	serverStore := link.NewStore()
	at := server.NewAccessTable(true) // demand_login, no no-login nets registered

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientSess := syncsrv.New(clientConn, clientStore, at, syncsrv.WhoIAm{ID: "client"}, false)
	serverSess := syncsrv.New(serverConn, serverStore, at, syncsrv.WhoIAm{ID: "server"}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientErr := make(chan error, 1)
	serverErr := make(chan error, 1)
	go func() { clientErr <- clientSess.Run(ctx) }()
	go func() { serverErr <- serverSess.Run(ctx) }()

	select {
	case err := <-serverErr:
		if err == nil {
			t.Fatal("expected the server session to fail the handshake")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server session never closed")
	}
	select {
	case <-clientErr:
	case <-time.After(2 * time.Second):
		t.Fatal("client session never closed")
	}

	if serverStore.Lookup("/@/X") != nil {
		t.Fatal("no link should have been created on the server")
	}
}
