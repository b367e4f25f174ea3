package syncsrv

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/arn-go/arnd/errkind"
)

// SetCredentials configures the secret this session answers a server's
// login challenge with, when acting as the client side of a connection
// (spec §4.6.1 "login", open question: hash construction left to the
// implementation — resolved here as sha256(secret + ":" + salt), recorded
// in the grounding ledger).
func (s *Session) SetCredentials(user, secret string) {
	s.mu.Lock()
	s.credUser, s.credSecret = user, secret
	s.mu.Unlock()
}

func loginHash(secret, salt string) string {
	sum := sha256.Sum256([]byte(secret + ":" + salt))
	return hex.EncodeToString(sum[:])
}

func newSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// loginHandshake implements spec §4.6.1's login exchange. buffered is a
// frame already read ahead during the whoIAm step, if the peer combined it
// with the login step; nil means read fresh.
func (s *Session) loginHandshake(buffered *Frame) error {
	if s.isServer {
		return s.loginHandshakeServer(buffered)
	}
	return s.loginHandshakeClient(buffered)
}

func (s *Session) loginHandshakeServer(buffered *Frame) error {
	salt, err := newSalt()
	if err != nil {
		return errkind.ConnectionError(err)
	}
	s.loginSalt = salt
	if err := s.writeLine(LoginChallengeFrame(salt)); err != nil {
		return err
	}
	f := buffered
	if f == nil {
		var err error
		f, err = s.readFrame()
		if err != nil {
			return err
		}
	}
	if f.Kind != FrameLogin {
		return errkind.Protocolf("expected login response, got %s", f.Kind)
	}
	user, _ := f.get("user")
	hash, _ := f.get("hash")
	if s.acc == nil {
		return errkind.NotAuthorizedf("login required but no access table configured")
	}
	secret, ok := s.acc.ExpectedHash(user)
	if !ok {
		return errkind.NotAuthorizedf("unknown user %q", user)
	}
	expected := loginHash(secret, salt)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) != 1 {
		return errkind.NotAuthorizedf("bad credentials for user %q", user)
	}
	s.mu.Lock()
	s.authenticatedUser = user
	s.mu.Unlock()
	return nil
}

func (s *Session) loginHandshakeClient(buffered *Frame) error {
	f := buffered
	if f == nil {
		var err error
		f, err = s.readFrame()
		if err != nil {
			return err
		}
	}
	if f.Kind != FrameLogin {
		return errkind.Protocolf("expected login challenge, got %s", f.Kind)
	}
	salt, _ := f.get("")
	s.mu.Lock()
	user, secret := s.credUser, s.credSecret
	s.mu.Unlock()
	if user == "" {
		return errkind.NotAuthorizedf("login required but no credentials configured")
	}
	return s.writeLine(LoginResponseFrame(user, loginHash(secret, salt)))
}
