package server

import (
	"context"
	"net"

	"github.com/arn-go/arnd/link"
	"github.com/arn-go/arnd/netutil"
	"github.com/arn-go/arnd/syncsrv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Server is the TCP listener of spec component G: it binds a port, accepts
// connections, and constructs one syncsrv.Session per connection.
type Server struct {
	store  *link.Store
	access *AccessTable
	who    syncsrv.WhoIAm

	// OnSession, if set, is called for every accepted connection's session
	// right after it is constructed, before Run starts its handshake.
	// Useful for wiring depend's offer side to auto-advertise over every
	// connection.
	OnSession func(*syncsrv.Session)
}

// New creates a server bound to store and governed by access.
func New(store *link.Store, access *AccessTable, who syncsrv.WhoIAm) *Server {
	return &Server{store: store, access: access, who: who}
}

// ListenAndServe binds network/address and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, network, address string) error {
	ln, err := netutil.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			log.WithField("remote", conn.RemoteAddr()).Info("server: accepted connection")
			g.Go(func() error {
				s.handleConn(ctx, conn)
				return nil
			})
		}
	})
	return g.Wait()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sess := syncsrv.New(conn, s.store, s.access, s.who, true)
	if s.OnSession != nil {
		s.OnSession(sess)
	}
	if err := sess.Run(ctx); err != nil {
		log.WithError(err).WithField("remote", conn.RemoteAddr()).Info("server: session ended")
	}
}
