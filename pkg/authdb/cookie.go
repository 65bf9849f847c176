package authdb

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/netpilot-net/netpilot/pkg/util"
)

const (
	sessionCookieName = "netpilot_session"
	stateCookieName   = "netpilot_oauth_state"
)

// cookieCodec signs the session id into the cookie value so a tampered
// cookie fails before the database is touched. The value is
// "<sessionId>.<hex hmac-sha256>".
type cookieCodec struct {
	secret []byte
}

func newCookieCodec(secret string) *cookieCodec {
	return &cookieCodec{secret: []byte(secret)}
}

func (c *cookieCodec) sign(sessionID string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(sessionID))
	return sessionID + "." + hex.EncodeToString(mac.Sum(nil))
}

func (c *cookieCodec) verify(value string) (string, error) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 {
		return "", fmt.Errorf("%w: malformed session cookie", util.ErrUnauthenticated)
	}
	sessionID, sig := value[:i], value[i+1:]
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(sessionID))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", fmt.Errorf("%w: session cookie signature mismatch", util.ErrUnauthenticated)
	}
	return sessionID, nil
}

func (c *cookieCodec) set(w http.ResponseWriter, sessionID string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    c.sign(sessionID),
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c *cookieCodec) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// read extracts and verifies the session id from the request cookie.
func (c *cookieCodec) read(r *http.Request) (string, error) {
	ck, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", fmt.Errorf("%w: no session cookie", util.ErrUnauthenticated)
	}
	return c.verify(ck.Value)
}
