package syncsrv

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/arn-go/arnd/errkind"
	"github.com/arn-go/arnd/link"
	"github.com/arn-go/arnd/pipe"
	"github.com/arn-go/arnd/value"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// State is the connection lifecycle (spec §4.6.1).
type State byte

const (
	StateInit State = iota
	StateVersion
	StateLoginWait
	StateNormal
	StateClosed
)

// ProtocolMajor is the minimum acceptable protocol major version (spec
// §4.6.1: "Minimum acceptable protocol major is 4").
const ProtocolMajor = 4
const ProtocolMinor = 0

// Operation is an access-controlled action (spec §4.7).
type Operation byte

const (
	OpRead Operation = iota
	OpWrite
	OpCreate
	OpDelete
	OpModeChange
)

// Access is the per-session authorization hook, implemented by the server
// package's access table (spec §4.7). Read is implicit and not checked
// here. Of the other operations the session checks only OpWrite (for set
// and p frames); sync, del and mode frames are applied without an
// OpCreate, OpDelete or OpModeChange check.
type Access interface {
	Allow(user string, op Operation, path string) bool
	RequireLogin(remoteAddr string) bool
	FreeRead(path string) bool
	ExpectedHash(user string) (string, bool)
}

// binding is the per-replicated-link state a session keeps (spec §4.6.2:
// local_by_id / remote_to_local).
type binding struct {
	path     string
	l        *link.Link
	localID  uint64
	remoteID uint64
	hasRemote bool

	localSmode byte
	peerSmode  byte

	sub *link.Subscriber

	pending []*Frame
}

func (b *binding) isLocalMaster() bool { return b.localSmode&byte(link.SyncMaster) != 0 }
func (b *binding) isPeerMaster() bool  { return b.peerSmode&byte(link.SyncMaster) != 0 }
func (b *binding) isAutoDestroy() bool {
	return b.localSmode&byte(link.SyncAutoDestroy) != 0 || b.peerSmode&byte(link.SyncAutoDestroy) != 0
}

// Session is a per-connection sync state machine (spec component F).
type Session struct {
	conn net.Conn
	r    *bufio.Reader

	store *link.Store
	acc   Access

	// Whether this side is the server (affects login challenge direction).
	isServer bool

	WhoIAm WhoIAm
	peerWhoIAm WhoIAm

	mu sync.Mutex

	state State
	authenticatedUser string

	byLocalID  map[uint64]*binding
	byRemoteID map[uint64]*binding
	byPath     map[string]*binding
	byLinkID   map[link.ID]*binding
	nextLocal  uint64

	pendingByRemoteID map[uint64][]*Frame

	writeCh chan *Frame

	pipeQueue *pipe.Queue

	loginSalt string
	credUser, credSecret string

	closed chan struct{}
	closeOnce sync.Once
}

// New creates a session wrapping conn. isServer controls which side sends
// the login challenge.
func New(conn net.Conn, store *link.Store, acc Access, who WhoIAm, isServer bool) *Session {
	return &Session{
		conn:       conn,
		r:          bufio.NewReader(conn),
		store:      store,
		acc:        acc,
		isServer:   isServer,
		WhoIAm:     who,
		byLocalID:  make(map[uint64]*binding),
		byRemoteID: make(map[uint64]*binding),
		byPath:     make(map[string]*binding),
		byLinkID:   make(map[link.ID]*binding),
		pendingByRemoteID: make(map[uint64][]*Frame),
		writeCh:    make(chan *Frame, 256),
		pipeQueue:  pipe.NewQueue(),
		closed:     make(chan struct{}),
	}
}

// PipeQueue exposes the session's shared outbound pipe queue, so pipes
// opened for replication over this session route their anti-congestion
// writes through it (spec §4.5/§5).
func (s *Session) PipeQueue() *pipe.Queue { return s.pipeQueue }

// Run drives the handshake then the normal-phase read/write loops until
// the connection closes or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if err := s.handshake(); err != nil {
		s.closeConn()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Mirrors server.Server.Serve's own "watch ctx, close the
		// resource" goroutine: readLoop's blocking Read cannot observe
		// ctx cancellation on its own, so something must close the
		// connection to unblock it.
		<-ctx.Done()
		s.closeConn()
		return nil
	})
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.writeLoop(ctx) })
	err := g.Wait()
	s.closeConn()
	s.destroyAutoDestroyLinks()
	s.unsubscribeBindings()
	return err
}

// unsubscribeBindings detaches every binding's session subscriber from its
// link and closes its mailbox, so each forwardLocalChanges goroutine
// started by Announce/handleSync returns instead of blocking forever on a
// channel nobody closes.
func (s *Session) unsubscribeBindings() {
	s.mu.Lock()
	bindings := make([]*binding, 0, len(s.byLocalID))
	for _, b := range s.byLocalID {
		bindings = append(bindings, b)
	}
	s.mu.Unlock()
	for _, b := range bindings {
		s.store.Unsubscribe(b.l, b.sub)
		close(b.sub.Deliver)
	}
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.closed)
		_ = s.conn.Close()
	})
}

// destroyAutoDestroyLinks implements spec §4.6.5: on disconnection, every
// link bound with AutoDestroy on the side that did not declare master is
// destroyed locally.
func (s *Session) destroyAutoDestroyLinks() {
	s.mu.Lock()
	bindings := make([]*binding, 0, len(s.byLocalID))
	for _, b := range s.byLocalID {
		bindings = append(bindings, b)
	}
	s.mu.Unlock()
	for _, b := range bindings {
		if b.isAutoDestroy() && !b.isLocalMaster() {
			s.store.Destroy(b.l, false)
		}
	}
}

func (s *Session) handshake() error {
	s.mu.Lock()
	s.state = StateVersion
	s.mu.Unlock()

	if err := s.writeLine(VerFrame(ProtocolMajor, ProtocolMinor, s.WhoIAm.Info)); err != nil {
		return err
	}
	f, err := s.readFrame()
	if err != nil {
		return err
	}
	if f.Kind != FrameVer {
		return errkind.Protocolf("expected ver, got %s", f.Kind)
	}
	verStr, _ := f.get("")
	major, _, _ := parseVersion(verStr)
	if major < ProtocolMajor {
		_ = s.writeLine(ErrFrame(byte(errkind.CodeProtocol), "protocol major too old"))
		return errkind.Protocolf("peer protocol major %d below minimum %d", major, ProtocolMajor)
	}

	if err := s.writeLine(WhoIAmFrame(s.WhoIAm)); err != nil {
		return err
	}
	f, err = s.readFrame()
	if err != nil {
		return err
	}
	if f.Kind == FrameWhoIAm {
		id, _ := f.get("")
		typ, _ := f.get("type")
		chip, _ := f.get("chip")
		platform, _ := f.get("platform")
		info, _ := f.get("info")
		s.peerWhoIAm = WhoIAm{ID: id, Type: typ, Chip: chip, Platform: platform, Info: info}
		f = nil
	}

	requireLogin := s.acc != nil && s.acc.RequireLogin(s.conn.RemoteAddr().String())
	if requireLogin {
		if err := s.loginHandshake(f); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.state = StateNormal
	s.mu.Unlock()
	return nil
}

func parseVersion(s string) (major, minor int, err error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("syncsrv: malformed version %q", s)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minor, _ = strconv.Atoi(parts[1])
	return major, minor, nil
}

// readFrame reads one protocol line and parses it.
func (s *Session) readFrame() (*Frame, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	return ParseFrame(line)
}

func (s *Session) writeLine(f *Frame) error {
	select {
	case s.writeCh <- f:
		return nil
	case <-s.closed:
		return errkind.ConnectionErrorf("session closed")
	}
}

func (s *Session) send(f *Frame) { _ = s.writeLine(f) }

func (s *Session) writeLoop(ctx context.Context) error {
	w := bufio.NewWriter(s.conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		case f := <-s.writeCh:
			if _, err := w.WriteString(f.Encode() + "\n"); err != nil {
				return errkind.ConnectionError(err)
			}
			if err := w.Flush(); err != nil {
				return errkind.ConnectionError(err)
			}
		case <-s.pipeQueue.Ready():
			for _, qf := range s.pipeQueue.Drain() {
				s.mu.Lock()
				b, ok := s.byLinkID[qf.Link]
				s.mu.Unlock()
				if !ok {
					continue
				}
				f := PFrame(b.localID, qf.Value, qf.SeqNo, qf.HasSeqNo)
				if _, err := w.WriteString(f.Encode() + "\n"); err != nil {
					return errkind.ConnectionError(err)
				}
			}
			if err := w.Flush(); err != nil {
				return errkind.ConnectionError(err)
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		f, err := s.readFrame()
		if err != nil {
			return err
		}
		if err := s.handleFrame(f); err != nil {
			log.WithError(err).WithField("frame", f.Kind).Warn("syncsrv: frame handling error")
			_ = s.writeLine(ErrFrame(byte(errkind.CodeOf(err)), err.Error()))
			if errkind.Is(err, errkind.CodeProtocol) {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (s *Session) handleFrame(f *Frame) error {
	switch f.Kind {
	case FrameSync:
		return s.handleSync(f)
	case FrameSyncR:
		return s.handleSyncR(f)
	case FrameSet:
		return s.handleSet(f)
	case FrameP:
		return s.handleP(f)
	case FrameMode:
		return s.handleMode(f)
	case FrameDel:
		return s.handleDel(f)
	case FrameMsg:
		return s.handleMsg(f)
	case FrameErr:
		return s.handleErr(f)
	case FrameNoKill:
		return nil
	default:
		return errkind.Protocolf("unknown frame kind %q", f.Kind)
	}
}

// Announce implements the outgoing half of spec §4.6.2's sync/syncr
// exchange: declare intent to replicate l at path, assigning it a local id
// and sending a `sync` frame. If the peer already announced the same path
// first, the resulting syncr from us folds into the same binding (see
// handleSync).
func (s *Session) Announce(path string, l *link.Link, mode byte, smode byte) error {
	s.mu.Lock()
	if b, ok := s.byPath[path]; ok {
		s.mu.Unlock()
		_ = b
		return nil // already replicating this path over this session
	}
	s.nextLocal++
	id := s.nextLocal
	b := &binding{path: path, l: l, localID: id, localSmode: smode}
	s.byLocalID[id] = b
	s.byPath[path] = b
	s.byLinkID[l.ID()] = b
	s.mu.Unlock()

	b.sub = &link.Subscriber{Kind: link.SubscriberSession, SessionID: 0, Deliver: make(chan link.Notification, 64), BlockEcho: false}
	s.store.Subscribe(l, b.sub)
	go s.forwardLocalChanges(b)

	return s.writeLine(SyncFrame(path, id, mode, smode))
}

// forwardLocalChanges relays local value/mode changes on a replicated link
// out over the session as set/mode frames (spec §4.6.2, §4.6.4 Master).
func (s *Session) forwardLocalChanges(b *binding) {
	for n := range b.sub.Deliver {
		s.mu.Lock()
		localID := b.localID
		peerIsMaster := b.isPeerMaster()
		s.mu.Unlock()
		// No need to wait for the peer's sync/syncr: the frame carries our
		// own id, and the peer queues updates for ids it has not bound yet
		// (spec §4.6.3).
		if peerIsMaster {
			// We are not authoritative for this link; do not originate
			// writes for it (spec §4.6.4).
			continue
		}
		switch n.Kind {
		case link.NotifyValue:
			if b.l.Mode()&link.ModePipe != 0 {
				// Pipe-mode links never go out as `set`: pipe.Pipe.Write
				// already enqueues this same write onto the session's
				// pipeQueue (spec §4.5), which writeLoop drains and sends
				// as a sequenced `p` frame. Forwarding it here too would
				// double-deliver and double-notify the peer, and the `set`
				// copy would carry no seq at all (spec §4.6.2, §8 P3).
				continue
			}
			if n.Flags&link.FlagFromRemote != 0 {
				continue // came from the wire; don't echo it back out
			}
			// Frames we originate carry our own id for this link; the
			// peer resolves it via its own remote_to_local table.
			s.send(SetFrame(localID, n.Value))
		case link.NotifyMode:
			s.send(ModeFrame(localID, byte(b.l.Mode())))
		}
	}
}

func (s *Session) handleSync(f *Frame) error {
	path, _ := f.get("path")
	id, _ := f.getUint("id")
	modeU, _ := f.getUint("mode")
	smodeU, _ := f.getUint("smode")

	if s.acc != nil && !s.acc.FreeRead(path) && s.authenticatedUser == "" && (s.acc.RequireLogin(s.conn.RemoteAddr().String())) {
		return errkind.NotAuthorizedf("read access to %q requires login", path)
	}

	s.mu.Lock()
	if existing, ok := s.byPath[path]; ok {
		existing.remoteID = id
		existing.hasRemote = true
		existing.peerSmode = byte(smodeU)
		s.byRemoteID[id] = existing
		pending := s.pendingByRemoteID[id]
		delete(s.pendingByRemoteID, id)
		s.mu.Unlock()
		if err := s.writeLine(SyncRFrame(id, existing.localID)); err != nil {
			return err
		}
		for _, pf := range pending {
			if err := s.handleFrame(pf); err != nil {
				log.WithError(err).Warn("syncsrv: replaying queued frame failed")
			}
		}
		return nil
	}
	s.mu.Unlock()

	kind := link.KindLeaf
	if modeU == 0 {
		// No mode hints at leaf-vs-folder; default to leaf, the common
		// replicated object.
	}
	l, err := s.store.GetOrCreate(path, kind, link.Mode(modeU))
	if err != nil {
		return errkind.CreateError(err)
	}

	s.mu.Lock()
	s.nextLocal++
	localID := s.nextLocal
	b := &binding{path: path, l: l, localID: localID, remoteID: id, hasRemote: true, peerSmode: byte(smodeU)}
	s.byLocalID[localID] = b
	s.byRemoteID[id] = b
	s.byPath[path] = b
	s.byLinkID[l.ID()] = b
	pending := s.pendingByRemoteID[id]
	delete(s.pendingByRemoteID, id)
	s.mu.Unlock()

	b.sub = &link.Subscriber{Kind: link.SubscriberSession, Deliver: make(chan link.Notification, 64)}
	s.store.Subscribe(l, b.sub)
	go s.forwardLocalChanges(b)

	if err := s.writeLine(SyncRFrame(id, localID)); err != nil {
		return err
	}
	for _, pf := range pending {
		if err := s.handleFrame(pf); err != nil {
			log.WithError(err).Warn("syncsrv: replaying queued frame failed")
		}
	}
	return nil
}

func (s *Session) handleSyncR(f *Frame) error {
	myID, _ := f.getUint("id")   // our originally-announced id (peer's "peer_id")
	theirID, _ := f.getUint("rid")

	s.mu.Lock()
	b, ok := s.byLocalID[myID]
	if !ok {
		s.mu.Unlock()
		return errkind.Protocolf("syncr for unknown local id %d", myID)
	}
	b.remoteID = theirID
	b.hasRemote = true
	s.byRemoteID[theirID] = b
	pending := s.pendingByRemoteID[theirID]
	delete(s.pendingByRemoteID, theirID)
	s.mu.Unlock()

	for _, pf := range pending {
		if err := s.handleFrame(pf); err != nil {
			log.WithError(err).Warn("syncsrv: replaying queued frame failed")
		}
	}
	return nil
}

func (s *Session) bindingForIncoming(id uint64) (*binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byRemoteID[id]
	return b, ok
}

func (s *Session) queuePending(id uint64, f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingByRemoteID[id] = append(s.pendingByRemoteID[id], f)
}

// identity returns the user name to check Allow bits against: the
// authenticated user, or the empty-string anonymous identity for a session
// that was never required to log in (spec §4.7's access table is checked
// regardless of whether login happened — an anonymous session gets no
// allow bits unless the table explicitly grants the "" user some).
func (s *Session) identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticatedUser
}

// checkWriteAllowed implements spec §4.7/§8 P9: a write-shaped frame (set
// or p) for a replicated path is rejected with NotAuthorized unless the
// session's identity (possibly anonymous) has the Write allow bit for
// path. This is enforced unconditionally, not only for sessions that
// logged in, since an unauthenticated session is simply the anonymous
// identity rather than an exemption from the access table.
func (s *Session) checkWriteAllowed(path string) error {
	if s.acc == nil {
		return nil
	}
	if !s.acc.Allow(s.identity(), OpWrite, path) {
		return errkind.NotAuthorizedf("write access to %q denied", path)
	}
	return nil
}

func (s *Session) handleSet(f *Frame) error {
	id, _ := f.getUint("id")
	b, ok := s.bindingForIncoming(id)
	if !ok {
		s.queuePending(id, f) // spec §4.6.3: queue keyed by unbound id
		return nil
	}
	if b.isLocalMaster() {
		return errkind.Protocolf("set for master-owned link %q rejected", b.path)
	}
	if err := s.checkWriteAllowed(b.path); err != nil {
		return err
	}
	vstr, _ := f.get("v")
	v, err := value.Import([]byte(vstr))
	if err != nil {
		return errkind.Protocolf("bad value in set: %v", err)
	}
	s.store.SetValue(b.l, v, link.WriteOptions{
		SameValuePolicy: link.SameValueAccept,
		Flags:           link.FlagFromRemote,
	})
	return nil
}

func (s *Session) handleP(f *Frame) error {
	id, _ := f.getUint("id")
	b, ok := s.bindingForIncoming(id)
	if !ok {
		s.queuePending(id, f)
		return nil
	}
	if b.isLocalMaster() {
		return errkind.Protocolf("p for master-owned pipe %q rejected", b.path)
	}
	if err := s.checkWriteAllowed(b.path); err != nil {
		return err
	}
	vstr, _ := f.get("v")
	v, err := value.Import([]byte(vstr))
	if err != nil {
		return errkind.Protocolf("bad value in p: %v", err)
	}
	seq, hasSeq := f.getUint("seq")
	s.store.SetValue(b.l, v, link.WriteOptions{
		SameValuePolicy: link.SameValueAccept,
		Flags:           link.FlagFromRemote,
		SeqNo:           uint32(seq),
		HasSeqNo:        hasSeq,
	})
	return nil
}

func (s *Session) handleMode(f *Frame) error {
	id, _ := f.getUint("id")
	b, ok := s.bindingForIncoming(id)
	if !ok {
		s.queuePending(id, f)
		return nil
	}
	m, _ := f.getUint("m")
	s.store.AddMode(b.l, link.Mode(m), nil)
	return nil
}

func (s *Session) handleDel(f *Frame) error {
	path, _ := f.get("path")
	s.mu.Lock()
	b, ok := s.byPath[path]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.store.Destroy(b.l, true)
	return nil
}

func (s *Session) handleMsg(f *Frame) error {
	t, _ := f.get("t")
	switch MsgKind(t) {
	case MsgKillReq:
		s.send(MsgFrame(MsgKillAbort, ""))
	}
	return nil
}

func (s *Session) handleErr(f *Frame) error {
	text, _ := f.get("text")
	log.WithField("text", text).Warn("syncsrv: peer reported error")
	return nil
}
