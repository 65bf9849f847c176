// Package authdb is the cloud-facing API: Google OAuth login, TOTP second
// factor, per-router authorisation, and orchestration of router commands
// through the commands-server with upsert-on-success persistence.
package authdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/netpilot-net/netpilot/pkg/authdb/store"
	"github.com/netpilot-net/netpilot/pkg/authdb/twofa"
	"github.com/netpilot-net/netpilot/pkg/envelope"
	"github.com/netpilot-net/netpilot/pkg/util"
)

// Config carries the server's own settings; collaborators are injected.
type Config struct {
	PublicURL          string
	GoogleClientID     string
	GoogleClientSecret string
	SecretKey          string
	SessionTTL         time.Duration
}

// Server is the dashboard-facing HTTP API. Responses use the uniform
// envelope; the HTTP status mirrors the error code.
type Server struct {
	httprouter.Router
	store      store.Store
	twofa      *twofa.Service
	disp       *Dispatcher
	cookies    *cookieCodec
	oauth      *oauthFlow
	sessionTTL time.Duration
}

// apiRequest is the union of dashboard POST bodies.
type apiRequest struct {
	IP         string `json:"ip,omitempty"`
	MAC        string `json:"mac,omitempty"`
	Code       string `json:"code,omitempty"`
	SetupToken string `json:"setupToken,omitempty"`
	Active     *bool  `json:"active,omitempty"`
	Replace    bool   `json:"replace,omitempty"`
	Rate       *int   `json:"rate,omitempty"`
	Period     int    `json:"period,omitempty"`
	RouterID   string `json:"routerId,omitempty"`
	Name       string `json:"name,omitempty"`
	Restart    bool   `json:"restart,omitempty"`
}

// NewServer wires the route table.
func NewServer(cfg Config, st store.Store, twofaSvc *twofa.Service, disp *Dispatcher) *Server {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	srv := &Server{
		store:      st,
		twofa:      twofaSvc,
		disp:       disp,
		cookies:    newCookieCodec(cfg.SecretKey),
		oauth:      newOAuthFlow(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.PublicURL),
		sessionTTL: cfg.SessionTTL,
	}

	srv.GET("/v1/login", srv.login)
	srv.GET("/v1/authorize", srv.authorize)
	srv.POST("/v1/logout", srv.logout)
	srv.GET("/v1/me", srv.withSession(srv.me))

	srv.POST("/v1/2fa/setup/start", srv.withSession(srv.twofaSetupStart))
	srv.POST("/v1/2fa/setup/verify", srv.withSession(srv.twofaSetupVerify))
	srv.POST("/v1/2fa/verify", srv.withSession(srv.twofaVerify))
	srv.POST("/v1/2fa/disable", srv.withVerified(srv.twofaDisable))
	srv.GET("/v1/2fa/status", srv.withSession(srv.twofaStatus))

	srv.POST("/v1/session/start", srv.withVerified(srv.sessionStart))
	srv.POST("/v1/session/end", srv.withVerified(srv.sessionEnd))
	srv.POST("/v1/session/refresh", srv.withVerified(srv.sessionRefresh))

	srv.GET("/v1/network/scan", srv.withRouter(srv.scan))

	for _, kind := range []store.ListKind{store.Whitelist, store.Blacklist} {
		kind := kind
		prefix := "/v1/" + string(kind)
		srv.GET(prefix+"/list", srv.withRouter(srv.listMembers(kind)))
		srv.POST(prefix+"/add", srv.withRouter(srv.listAdd(kind)))
		srv.POST(prefix+"/remove", srv.withRouter(srv.listRemove(kind)))
		srv.GET(prefix+"/mode", srv.withRouter(srv.modeGet))
		srv.POST(prefix+"/mode", srv.withRouter(srv.modeSet(kind)))
		srv.POST(prefix+"/limit-rate", srv.withRouter(srv.limitRate(kind)))
	}

	srv.GET("/v1/monitor/current", srv.withRouter(srv.monitorCurrent))
	srv.GET("/v1/monitor/last-week", srv.withRouter(srv.monitorLastWeek))
	srv.GET("/v1/monitor/last-month", srv.withRouter(srv.monitorLastMonth))
	srv.GET("/v1/monitor/device/:mac", srv.withRouter(srv.monitorDevice))

	srv.GET("/v1/settings/router-id", srv.withVerified(srv.routerGet))
	srv.POST("/v1/settings/router-id", srv.withVerified(srv.routerSet))

	srv.GET("/v1/health", srv.health)

	return srv
}

func writeEnvelope(w http.ResponseWriter, env *envelope.Envelope) {
	status := http.StatusOK
	if !env.Success && env.Error != nil {
		status = envelope.HTTPStatus(env.Error.Code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		util.WithComponent("authdb").Errorf("writing envelope: %v", err)
	}
}

func decodeBody(r *http.Request) (*apiRequest, error) {
	var req apiRequest
	if r.Body == nil || r.ContentLength == 0 {
		return &req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrBadRequest, err)
	}
	return &req, nil
}

func ok(data interface{}, md envelope.Metadata) *envelope.Envelope {
	env, err := envelope.OK(data, md)
	if err != nil {
		return envelope.Fail(err, md)
	}
	return env
}

// ====================================================================
// OAuth login
// ====================================================================

func (s *Server) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	state, err := newStateNonce()
	if err != nil {
		writeEnvelope(w, envelope.Fail(err, envelope.Metadata{}))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.oauth.authURL(state), http.StatusFound)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != q.Get("state") {
		writeEnvelope(w, envelope.Fail(
			fmt.Errorf("%w: oauth state mismatch", util.ErrAuthFailed), envelope.Metadata{}))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/", MaxAge: -1})

	info, err := s.oauth.exchange(r.Context(), q.Get("code"))
	if err != nil {
		writeEnvelope(w, envelope.Fail(err, envelope.Metadata{}))
		return
	}

	user, err := s.store.FindOrCreateUser(r.Context(), info.Email, info.Name)
	if err != nil {
		writeEnvelope(w, envelope.Fail(err, envelope.Metadata{}))
		return
	}

	enabled, err := s.twofa.Enabled(r.Context(), user.ID)
	if err != nil {
		writeEnvelope(w, envelope.Fail(err, envelope.Metadata{}))
		return
	}
	needsCode := user.Requires2FA && enabled

	sess, err := s.store.CreateSession(r.Context(), user.ID, s.sessionTTL, !needsCode)
	if err != nil {
		writeEnvelope(w, envelope.Fail(err, envelope.Metadata{}))
		return
	}

	if !needsCode {
		// The session is usable immediately, so it must exist on the
		// commands-server before the browser gets the cookie. Fail closed.
		if err := s.disp.AnnounceSession(r.Context(), sess.ID, false); err != nil {
			s.store.DeleteSession(r.Context(), sess.ID)
			writeEnvelope(w, envelope.Fail(err, envelope.Metadata{SessionID: sess.ID}))
			return
		}
	}

	s.cookies.set(w, sess.ID, s.sessionTTL)
	target := "/"
	if needsCode {
		target = "/?twofa=required"
	}
	util.WithSession(sess.ID).WithField("user", user.ID).Info("login")
	http.Redirect(w, r, target, http.StatusFound)
}

// logout is a raw handle rather than a sessionFunc so it can expire the
// browser cookie alongside the session row.
func (s *Server) logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sess, err := s.authenticate(r)
	if err != nil {
		writeEnvelope(w, envelope.Fail(err, envelope.Metadata{}))
		return
	}
	md := envelope.Metadata{SessionID: sess.ID}
	if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
		writeEnvelope(w, envelope.Fail(err, md))
		return
	}
	// The mirrored session dies too; a failure here only delays the
	// commands-server's idle reaper.
	if err := s.disp.EndSession(r.Context(), sess.ID); err != nil {
		util.WithSession(sess.ID).Warnf("ending mirrored session: %v", err)
	}
	s.cookies.clear(w)
	writeEnvelope(w, ok(map[string]bool{"loggedOut": true}, md))
}

func (s *Server) me(r *http.Request, sess *store.Session, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: sess.ID}
	user, err := s.store.GetUser(r.Context(), sess.UserID)
	if err != nil {
		return envelope.Fail(err, md)
	}
	enabled, err := s.twofa.Enabled(r.Context(), user.ID)
	if err != nil {
		return envelope.Fail(err, md)
	}
	defaultRouter, err := s.store.GetDefaultRouter(r.Context(), user.ID)
	if err != nil && !isNotFound(err) {
		return envelope.Fail(err, md)
	}
	return ok(map[string]interface{}{
		"userId":          user.ID,
		"email":           user.Email,
		"name":            user.Name,
		"requires2fa":     user.Requires2FA,
		"has2faEnabled":   enabled,
		"twofaVerified":   sess.TwoFAVerified,
		"defaultRouterId": defaultRouter,
	}, md)
}

// ====================================================================
// Two-factor endpoints
// ====================================================================

func (s *Server) twofaSetupStart(r *http.Request, sess *store.Session, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: sess.ID}
	user, err := s.store.GetUser(r.Context(), sess.UserID)
	if err != nil {
		return envelope.Fail(err, md)
	}
	setup, err := s.twofa.StartSetup(r.Context(), user.ID, user.Email)
	if err != nil {
		return envelope.Fail(err, md)
	}
	return ok(setup, md)
}

func (s *Server) twofaSetupVerify(r *http.Request, sess *store.Session, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: sess.ID}
	req, err := decodeBody(r)
	if err != nil {
		return envelope.Fail(err, md)
	}
	codes, err := s.twofa.VerifySetup(r.Context(), sess.UserID, req.SetupToken, req.Code)
	if err != nil {
		return envelope.Fail(err, md)
	}
	return ok(map[string]interface{}{"backupCodes": codes}, md)
}

// twofaVerify completes a login whose second factor was pending. The
// mirrored commands-server session is created here, fail closed.
func (s *Server) twofaVerify(r *http.Request, sess *store.Session, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: sess.ID}
	req, err := decodeBody(r)
	if err != nil {
		return envelope.Fail(err, md)
	}
	if err := s.twofa.Verify(r.Context(), sess.UserID, req.Code); err != nil {
		return envelope.Fail(err, md)
	}
	if err := s.store.MarkSessionVerified(r.Context(), sess.ID); err != nil {
		return envelope.Fail(err, md)
	}
	if err := s.disp.AnnounceSession(r.Context(), sess.ID, false); err != nil {
		s.store.DeleteSession(r.Context(), sess.ID)
		return envelope.Fail(err, md)
	}
	return ok(map[string]bool{"verified": true}, md)
}

func (s *Server) twofaDisable(r *http.Request, sess *store.Session, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: sess.ID}
	req, err := decodeBody(r)
	if err != nil {
		return envelope.Fail(err, md)
	}
	if err := s.twofa.Disable(r.Context(), sess.UserID, req.Code); err != nil {
		return envelope.Fail(err, md)
	}
	return ok(map[string]bool{"disabled": true}, md)
}

func (s *Server) twofaStatus(r *http.Request, sess *store.Session, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: sess.ID}
	enabled, err := s.twofa.Enabled(r.Context(), sess.UserID)
	if err != nil {
		return envelope.Fail(err, md)
	}
	return ok(map[string]bool{
		"enabled":  enabled,
		"verified": sess.TwoFAVerified,
	}, md)
}

// ====================================================================
// Session mirroring endpoints
// ====================================================================

func (s *Server) sessionStart(r *http.Request, sess *store.Session, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: sess.ID}
	req, err := decodeBody(r)
	if err != nil {
		return envelope.Fail(err, md)
	}
	if err := s.disp.AnnounceSession(r.Context(), sess.ID, req.Restart); err != nil {
		return envelope.Fail(err, md)
	}
	return ok(map[string]string{"sessionId": sess.ID}, md)
}

func (s *Server) sessionEnd(r *http.Request, sess *store.Session, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: sess.ID}
	if err := s.disp.EndSession(r.Context(), sess.ID); err != nil {
		return envelope.Fail(err, md)
	}
	return ok(map[string]string{"sessionId": sess.ID}, md)
}

func (s *Server) sessionRefresh(r *http.Request, sess *store.Session, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: sess.ID}
	if err := s.disp.RefreshSession(r.Context(), sess); err != nil {
		return envelope.Fail(err, md)
	}
	return ok(map[string]string{"sessionId": sess.ID}, md)
}

// ====================================================================
// Router-scoped endpoints
// ====================================================================

func routerMD(sess *store.Session, routerID string) envelope.Metadata {
	return envelope.Metadata{SessionID: sess.ID, RouterID: routerID}
}

func (s *Server) scan(r *http.Request, sess *store.Session, routerID string, _ httprouter.Params) *envelope.Envelope {
	devices, err := s.disp.Scan(r.Context(), sess, routerID)
	if err != nil {
		return envelope.Fail(err, routerMD(sess, routerID))
	}
	return ok(map[string]interface{}{"devices": devices}, routerMD(sess, routerID))
}

func (s *Server) listMembers(kind store.ListKind) routerScopedFunc {
	return func(r *http.Request, sess *store.Session, routerID string, _ httprouter.Params) *envelope.Envelope {
		members, err := s.disp.Members(r.Context(), sess, routerID, kind)
		if err != nil {
			return envelope.Fail(err, routerMD(sess, routerID))
		}
		type memberOut struct {
			IP      string    `json:"ip"`
			MAC     string    `json:"mac"`
			AddedAt time.Time `json:"addedAt"`
		}
		out := make([]memberOut, 0, len(members))
		for _, m := range members {
			out = append(out, memberOut{IP: m.IP, MAC: m.MAC, AddedAt: m.AddedAt})
		}
		return ok(map[string]interface{}{"members": out}, routerMD(sess, routerID))
	}
}

func (s *Server) listAdd(kind store.ListKind) routerScopedFunc {
	return func(r *http.Request, sess *store.Session, routerID string, _ httprouter.Params) *envelope.Envelope {
		req, err := decodeBody(r)
		if err != nil {
			return envelope.Fail(err, routerMD(sess, routerID))
		}
		if err := s.disp.ListAdd(r.Context(), sess, routerID, kind, req.IP, req.MAC); err != nil {
			return envelope.Fail(err, routerMD(sess, routerID))
		}
		return ok(map[string]string{"ip": req.IP}, routerMD(sess, routerID))
	}
}

func (s *Server) listRemove(kind store.ListKind) routerScopedFunc {
	return func(r *http.Request, sess *store.Session, routerID string, _ httprouter.Params) *envelope.Envelope {
		req, err := decodeBody(r)
		if err != nil {
			return envelope.Fail(err, routerMD(sess, routerID))
		}
		if err := s.disp.ListRemove(r.Context(), sess, routerID, kind, req.IP); err != nil {
			return envelope.Fail(err, routerMD(sess, routerID))
		}
		return ok(map[string]string{"ip": req.IP}, routerMD(sess, routerID))
	}
}

func (s *Server) modeGet(r *http.Request, sess *store.Session, routerID string, _ httprouter.Params) *envelope.Envelope {
	mode, err := s.disp.Mode(r.Context(), sess, routerID)
	if err != nil {
		return envelope.Fail(err, routerMD(sess, routerID))
	}
	return ok(map[string]interface{}{
		"whitelistActive": mode.WhitelistActive,
		"blacklistActive": mode.BlacklistActive,
		"whitelistRate":   mode.WhitelistRate,
		"blacklistRate":   mode.BlacklistRate,
	}, routerMD(sess, routerID))
}

func (s *Server) modeSet(kind store.ListKind) routerScopedFunc {
	return func(r *http.Request, sess *store.Session, routerID string, _ httprouter.Params) *envelope.Envelope {
		req, err := decodeBody(r)
		if err != nil {
			return envelope.Fail(err, routerMD(sess, routerID))
		}
		if req.Active == nil {
			return envelope.Fail(fmt.Errorf("%w: active is required", util.ErrBadRequest),
				routerMD(sess, routerID))
		}
		if err := s.disp.SetMode(r.Context(), sess, routerID, kind, *req.Active, req.Replace); err != nil {
			return envelope.Fail(err, routerMD(sess, routerID))
		}
		return ok(map[string]bool{"active": *req.Active}, routerMD(sess, routerID))
	}
}

func (s *Server) limitRate(kind store.ListKind) routerScopedFunc {
	return func(r *http.Request, sess *store.Session, routerID string, _ httprouter.Params) *envelope.Envelope {
		req, err := decodeBody(r)
		if err != nil {
			return envelope.Fail(err, routerMD(sess, routerID))
		}
		if req.Rate == nil {
			return envelope.Fail(fmt.Errorf("%w: rate is required", util.ErrBadRequest),
				routerMD(sess, routerID))
		}
		if err := s.disp.SetRate(r.Context(), sess, routerID, kind, *req.Rate); err != nil {
			return envelope.Fail(err, routerMD(sess, routerID))
		}
		return ok(map[string]int{"rate": *req.Rate}, routerMD(sess, routerID))
	}
}

func (s *Server) monitorCurrent(r *http.Request, sess *store.Session, routerID string, _ httprouter.Params) *envelope.Envelope {
	data, err := s.disp.MonitorCurrent(r.Context(), sess, routerID)
	if err != nil {
		return envelope.Fail(err, routerMD(sess, routerID))
	}
	return ok(data, routerMD(sess, routerID))
}

func (s *Server) monitorLastWeek(r *http.Request, sess *store.Session, routerID string, _ httprouter.Params) *envelope.Envelope {
	data, err := s.disp.MonitorLastWeek(r.Context(), sess, routerID)
	if err != nil {
		return envelope.Fail(err, routerMD(sess, routerID))
	}
	return ok(data, routerMD(sess, routerID))
}

func (s *Server) monitorLastMonth(r *http.Request, sess *store.Session, routerID string, _ httprouter.Params) *envelope.Envelope {
	data, err := s.disp.MonitorLastMonth(r.Context(), sess, routerID)
	if err != nil {
		return envelope.Fail(err, routerMD(sess, routerID))
	}
	return ok(data, routerMD(sess, routerID))
}

func (s *Server) monitorDevice(r *http.Request, sess *store.Session, routerID string, p httprouter.Params) *envelope.Envelope {
	period := 0
	if q := r.URL.Query().Get("period"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			return envelope.Fail(fmt.Errorf("%w: bad period %q", util.ErrBadRequest, q),
				routerMD(sess, routerID))
		}
		period = n
	}
	usage, err := s.disp.MonitorDevice(r.Context(), sess, routerID, p.ByName("mac"), period)
	if err != nil {
		return envelope.Fail(err, routerMD(sess, routerID))
	}
	return ok(usage, routerMD(sess, routerID))
}

// ====================================================================
// Router binding settings
// ====================================================================

func (s *Server) routerGet(r *http.Request, sess *store.Session, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: sess.ID}
	routers, err := s.store.ListRouters(r.Context(), sess.UserID)
	if err != nil {
		return envelope.Fail(err, md)
	}
	defaultRouter, err := s.store.GetDefaultRouter(r.Context(), sess.UserID)
	if err != nil && !isNotFound(err) {
		return envelope.Fail(err, md)
	}
	type routerOut struct {
		RouterID string `json:"routerId"`
		Name     string `json:"name"`
		Active   bool   `json:"active"`
	}
	out := make([]routerOut, 0, len(routers))
	for _, rt := range routers {
		out = append(out, routerOut{RouterID: rt.RouterID, Name: rt.Name, Active: rt.Active})
	}
	return ok(map[string]interface{}{
		"routers":         out,
		"defaultRouterId": defaultRouter,
	}, md)
}

func (s *Server) routerSet(r *http.Request, sess *store.Session, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: sess.ID}
	req, err := decodeBody(r)
	if err != nil {
		return envelope.Fail(err, md)
	}
	routerID := util.NormalizeRouterID(req.RouterID)
	if !util.IsValidRouterID(routerID) {
		return envelope.Fail(fmt.Errorf("%w: malformed routerId %q", util.ErrBadRequest, req.RouterID), md)
	}
	if err := s.store.AddRouter(r.Context(), sess.UserID, routerID, req.Name); err != nil {
		return envelope.Fail(err, md)
	}
	if err := s.store.SetDefaultRouter(r.Context(), sess.UserID, routerID); err != nil {
		return envelope.Fail(err, md)
	}
	return ok(map[string]string{"routerId": routerID}, md)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeEnvelope(w, ok(map[string]string{"status": "ok"}, envelope.Metadata{}))
}

func isNotFound(err error) bool {
	return errors.Is(err, util.ErrNotFound)
}
