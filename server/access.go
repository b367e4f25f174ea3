// Package server implements the TCP listener (spec component G): accept
// loop, per-session construction, the access table, no-login subnets and
// the free-path read allowlist of spec §4.7.
//
// Grounded on cmd/musclefs/musclefs.go's daemon main (accept loop wired to
// a per-connection handler, logrus-structured logging throughout) and
// tree/tree.go's locking discipline for the access table's read-mostly
// state.
package server

import (
	"net"
	"strings"
	"sync"

	"github.com/arn-go/arnd/syncsrv"
)

// AllowBit is one of the access bits a user account can be granted beyond
// the implicit Read (spec §4.7).
type AllowBit byte

const (
	AllowWrite AllowBit = 1 << iota
	AllowCreate
	AllowDelete
	AllowModeChange
)

type userEntry struct {
	secret string
	allow  AllowBit
}

// AccessTable is the server's authorization policy: a user table, a list
// of subnets exempt from login, and a free-path read allowlist (spec
// §4.7). It is read-only once Server.Serve (or ListenAndServe) is running,
// per spec §5 ("Access table and no-login nets are read-only after server
// start"); callers must finish
// configuring it via AddUser/AddNoLoginNet/AddFreePath before the server
// begins accepting connections.
type AccessTable struct {
	mu          sync.RWMutex
	demandLogin bool
	users       map[string]userEntry
	noLoginNets []matcher
	freePaths   []string
}

type matcher interface {
	Match(ip net.IP) bool
}

type cidrMatcher struct{ n *net.IPNet }

func (m cidrMatcher) Match(ip net.IP) bool { return m.n.Contains(ip) }

type anyMatcher struct{}

func (anyMatcher) Match(net.IP) bool { return true }

// NewAccessTable creates an access table. demandLogin is the master
// switch of spec §4.7; when false no session is ever asked to log in
// regardless of the no-login net list.
func NewAccessTable(demandLogin bool) *AccessTable {
	return &AccessTable{demandLogin: demandLogin, users: make(map[string]userEntry)}
}

// AddUser registers a login account with its allow bits.
func (a *AccessTable) AddUser(user, secret string, allow AllowBit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[user] = userEntry{secret: secret, allow: allow}
}

// AddNoLoginNet registers one exemption: "localhost", "localnet" (every
// local interface's subnet), "any", or a CIDR literal.
func (a *AccessTable) AddNoLoginNet(spec string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch spec {
	case "localhost":
		_, n4, _ := net.ParseCIDR("127.0.0.0/8")
		_, n6, _ := net.ParseCIDR("::1/128")
		a.noLoginNets = append(a.noLoginNets, cidrMatcher{n4}, cidrMatcher{n6})
		return nil
	case "any":
		a.noLoginNets = append(a.noLoginNets, anyMatcher{})
		return nil
	case "localnet":
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				a.noLoginNets = append(a.noLoginNets, cidrMatcher{ipnet})
			}
		}
		return nil
	default:
		_, n, err := net.ParseCIDR(spec)
		if err != nil {
			return err
		}
		a.noLoginNets = append(a.noLoginNets, cidrMatcher{n})
		return nil
	}
}

// AddFreePath registers a path (or subtree prefix) readable without
// authentication.
func (a *AccessTable) AddFreePath(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freePaths = append(a.freePaths, path)
}

// RequireLogin implements syncsrv.Access: whether remoteAddr must
// authenticate before Normal phase.
func (a *AccessTable) RequireLogin(remoteAddr string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.demandLogin {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}
	for _, m := range a.noLoginNets {
		if m.Match(ip) {
			return false
		}
	}
	return true
}

// FreeRead reports whether path is readable without authentication.
func (a *AccessTable) FreeRead(path string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, p := range a.freePaths {
		if path == p || strings.HasPrefix(path, strings.TrimRight(p, "/")+"/") {
			return true
		}
	}
	return false
}

// ExpectedHash implements syncsrv.Access: returns the user's stored secret
// so the caller can recompute the challenge hash.
func (a *AccessTable) ExpectedHash(user string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.users[user]
	return e.secret, ok
}

// Allow implements syncsrv.Access: whether user is granted op on path.
// Read is implicit and never routed through Allow.
func (a *AccessTable) Allow(user string, op syncsrv.Operation, path string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.users[user]
	if !ok {
		return false
	}
	switch op {
	case syncsrv.OpWrite:
		return e.allow&AllowWrite != 0
	case syncsrv.OpCreate:
		return e.allow&AllowCreate != 0
	case syncsrv.OpDelete:
		return e.allow&AllowDelete != 0
	case syncsrv.OpModeChange:
		return e.allow&AllowModeChange != 0
	default:
		return true
	}
}

var _ syncsrv.Access = (*AccessTable)(nil)
