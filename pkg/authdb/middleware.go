package authdb

import (
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/netpilot-net/netpilot/pkg/authdb/store"
	"github.com/netpilot-net/netpilot/pkg/envelope"
	"github.com/netpilot-net/netpilot/pkg/util"
)

// The authorisation ladder for router-scoped endpoints: signed cookie,
// live session row, 2FA gate, routerId query parameter, ownership check.
// Validation and authorisation failures never reach the commands-server.

// authenticate resolves the cookie into a live session row. It does not
// apply the 2FA gate; login-adjacent endpoints need unverified sessions.
func (s *Server) authenticate(r *http.Request) (*store.Session, error) {
	sessionID, err := s.cookies.read(r)
	if err != nil {
		return nil, err
	}
	return s.store.GetSession(r.Context(), sessionID)
}

// verified additionally refuses sessions whose second factor is pending.
func (s *Server) verified(r *http.Request) (*store.Session, error) {
	sess, err := s.authenticate(r)
	if err != nil {
		return nil, err
	}
	if !sess.TwoFAVerified {
		return nil, fmt.Errorf("%w: complete two-factor verification first", util.ErrAuthIncomplete)
	}
	return sess, nil
}

// routerFromQuery extracts and authorises the routerId query parameter.
func (s *Server) routerFromQuery(r *http.Request, sess *store.Session) (string, error) {
	routerID := util.NormalizeRouterID(r.URL.Query().Get("routerId"))
	if routerID == "" {
		return "", fmt.Errorf("%w: routerId query parameter is required", util.ErrBadRequest)
	}
	if !util.IsValidRouterID(routerID) {
		return "", fmt.Errorf("%w: malformed routerId %q", util.ErrBadRequest, routerID)
	}
	ok, err := s.store.HasActiveRouter(r.Context(), sess.UserID, routerID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %v", util.ErrForbidden,
			&util.OwnershipError{UserID: sess.UserID, RouterID: routerID})
	}
	return routerID, nil
}

type sessionFunc func(r *http.Request, sess *store.Session, p httprouter.Params) *envelope.Envelope

type routerScopedFunc func(r *http.Request, sess *store.Session, routerID string, p httprouter.Params) *envelope.Envelope

// withSession admits any authenticated session, verified or not.
func (s *Server) withSession(fn sessionFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		sess, err := s.authenticate(r)
		if err != nil {
			writeEnvelope(w, envelope.Fail(err, envelope.Metadata{}))
			return
		}
		writeEnvelope(w, fn(r, sess, p))
	}
}

// withVerified admits only fully logged-in sessions.
func (s *Server) withVerified(fn sessionFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		sess, err := s.verified(r)
		if err != nil {
			writeEnvelope(w, envelope.Fail(err, envelope.Metadata{}))
			return
		}
		writeEnvelope(w, fn(r, sess, p))
	}
}

// withRouter runs the full ladder and hands the handler an authorised
// (session, routerId) pair.
func (s *Server) withRouter(fn routerScopedFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		sess, err := s.verified(r)
		if err != nil {
			writeEnvelope(w, envelope.Fail(err, envelope.Metadata{}))
			return
		}
		routerID, err := s.routerFromQuery(r, sess)
		if err != nil {
			writeEnvelope(w, envelope.Fail(err, envelope.Metadata{SessionID: sess.ID}))
			return
		}
		writeEnvelope(w, fn(r, sess, routerID, p))
	}
}
