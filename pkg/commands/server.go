package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/netpilot-net/netpilot/pkg/envelope"
	"github.com/netpilot-net/netpilot/pkg/util"
)

// Server is the commands-server HTTP API. Every response is the uniform
// envelope; the HTTP status mirrors the envelope's error code.
type Server struct {
	httprouter.Router
	table      *SessionTable
	dispatcher *Dispatcher
}

// request is the common body shape: {sessionId, routerId, ...payload}.
type request struct {
	SessionID string `json:"sessionId"`
	RouterID  string `json:"routerId"`
	Restart   bool   `json:"restart,omitempty"`
	MAC       string `json:"mac,omitempty"`
	Active    *bool  `json:"active,omitempty"`
	Rate      *int   `json:"rate,omitempty"`
	Period    int    `json:"period,omitempty"`
}

// NewServer wires the route table.
func NewServer(table *SessionTable, dispatcher *Dispatcher) *Server {
	srv := &Server{table: table, dispatcher: dispatcher}

	srv.POST("/v1/session/start", srv.handle(srv.sessionStart))
	srv.POST("/v1/session/end", srv.handle(srv.sessionEnd))
	srv.POST("/v1/session/refresh", srv.handle(srv.sessionRefresh))

	srv.POST("/v1/network/scan", srv.handle(srv.scan))

	for _, kind := range []ListKind{Whitelist, Blacklist} {
		kind := kind
		prefix := "/v1/" + string(kind)
		srv.POST(prefix+"/add", srv.handle(srv.listAdd(kind)))
		srv.POST(prefix+"/remove", srv.handle(srv.listRemove(kind)))
		srv.POST(prefix+"/list", srv.handle(srv.listMembers(kind)))
		srv.POST(prefix+"/mode", srv.handle(srv.listMode(kind)))
		srv.POST(prefix+"/limit-rate", srv.handle(srv.limitRate))
	}

	srv.POST("/v1/monitor/current", srv.handle(srv.monitorCurrent))
	srv.POST("/v1/monitor/last-week", srv.handle(srv.monitorPeriod(1)))
	srv.POST("/v1/monitor/last-month", srv.handle(srv.monitorPeriod(4)))
	srv.POST("/v1/monitor/device/:mac", srv.handle(srv.monitorDevice))

	srv.GET("/v1/health", srv.health)
	srv.POST("/v1/health", srv.handle(srv.healthSession))

	return srv
}

type opFunc func(r *http.Request, req *request, p httprouter.Params) *envelope.Envelope

// handle decodes the common request shape and writes the envelope back.
func (s *Server) handle(fn opFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeEnvelope(w, envelope.Fail(
				fmt.Errorf("%w: %v", util.ErrBadRequest, err), envelope.Metadata{}))
			return
		}
		req.RouterID = util.NormalizeRouterID(req.RouterID)
		writeEnvelope(w, fn(r, &req, p))
	}
}

func writeEnvelope(w http.ResponseWriter, env *envelope.Envelope) {
	status := http.StatusOK
	if !env.Success && env.Error != nil {
		status = envelope.HTTPStatus(env.Error.Code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		util.WithComponent("commands").Errorf("writing envelope: %v", err)
	}
}

func (s *Server) sessionStart(r *http.Request, req *request, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: req.SessionID}
	if req.SessionID == "" {
		return envelope.Fail(fmt.Errorf("%w: sessionId is required", util.ErrBadRequest), md)
	}
	s.table.Start(req.SessionID, req.Restart)
	env, _ := envelope.OK(map[string]string{"sessionId": req.SessionID}, md)
	return env
}

func (s *Server) sessionEnd(r *http.Request, req *request, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: req.SessionID}
	s.table.End(req.SessionID)
	env, _ := envelope.OK(map[string]string{"sessionId": req.SessionID}, md)
	return env
}

func (s *Server) sessionRefresh(r *http.Request, req *request, _ httprouter.Params) *envelope.Envelope {
	md := envelope.Metadata{SessionID: req.SessionID}
	if err := s.table.Refresh(req.SessionID); err != nil {
		return envelope.Fail(err, md)
	}
	env, _ := envelope.OK(map[string]string{"sessionId": req.SessionID}, md)
	return env
}

func (s *Server) scan(r *http.Request, req *request, _ httprouter.Params) *envelope.Envelope {
	return s.dispatcher.Scan(r.Context(), req.SessionID, req.RouterID)
}

func (s *Server) listAdd(kind ListKind) opFunc {
	return func(r *http.Request, req *request, _ httprouter.Params) *envelope.Envelope {
		return s.dispatcher.ListAdd(r.Context(), req.SessionID, req.RouterID, kind, req.MAC)
	}
}

func (s *Server) listRemove(kind ListKind) opFunc {
	return func(r *http.Request, req *request, _ httprouter.Params) *envelope.Envelope {
		return s.dispatcher.ListRemove(r.Context(), req.SessionID, req.RouterID, kind, req.MAC)
	}
}

func (s *Server) listMembers(kind ListKind) opFunc {
	return func(r *http.Request, req *request, _ httprouter.Params) *envelope.Envelope {
		return s.dispatcher.ListMembers(r.Context(), req.SessionID, req.RouterID, kind)
	}
}

func (s *Server) listMode(kind ListKind) opFunc {
	return func(r *http.Request, req *request, _ httprouter.Params) *envelope.Envelope {
		if req.Active == nil {
			return envelope.Fail(fmt.Errorf("%w: active is required", util.ErrBadRequest),
				envelope.Metadata{SessionID: req.SessionID, RouterID: req.RouterID})
		}
		return s.dispatcher.SetMode(r.Context(), req.SessionID, req.RouterID, kind, *req.Active)
	}
}

func (s *Server) limitRate(r *http.Request, req *request, _ httprouter.Params) *envelope.Envelope {
	if req.Rate == nil {
		return envelope.Fail(fmt.Errorf("%w: rate is required", util.ErrBadRequest),
			envelope.Metadata{SessionID: req.SessionID, RouterID: req.RouterID})
	}
	return s.dispatcher.SetRate(r.Context(), req.SessionID, req.RouterID, *req.Rate)
}

func (s *Server) monitorCurrent(r *http.Request, req *request, _ httprouter.Params) *envelope.Envelope {
	return s.dispatcher.MonitorCurrent(r.Context(), req.SessionID, req.RouterID)
}

func (s *Server) monitorPeriod(defaultPeriod int) opFunc {
	return func(r *http.Request, req *request, _ httprouter.Params) *envelope.Envelope {
		period := req.Period
		if period == 0 {
			period = defaultPeriod
		}
		return s.dispatcher.MonitorPeriod(r.Context(), req.SessionID, req.RouterID, period)
	}
}

func (s *Server) monitorDevice(r *http.Request, req *request, p httprouter.Params) *envelope.Envelope {
	period := req.Period
	if q := r.URL.Query().Get("period"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			period = n
		}
	}
	return s.dispatcher.MonitorDevice(r.Context(), req.SessionID, req.RouterID, p.ByName("mac"), period)
}

// health without a body answers process liveness for load balancers.
func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	env, _ := envelope.OK(map[string]string{"status": "ok"}, envelope.Metadata{})
	writeEnvelope(w, env)
}

func (s *Server) healthSession(r *http.Request, req *request, _ httprouter.Params) *envelope.Envelope {
	return s.dispatcher.Health(r.Context(), req.SessionID, req.RouterID)
}
