package portmgr

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/netpilot-net/netpilot/pkg/envelope"
	"github.com/netpilot-net/netpilot/pkg/util"
)

// Server is the port-manager HTTP API. It is an internal service: every
// endpoint except healthz requires the shared bearer token.
type Server struct {
	httprouter.Router
	alloc *Allocator
	token string
}

// NewServer wires the route table.
func NewServer(alloc *Allocator, token string) *Server {
	srv := &Server{alloc: alloc, token: token}

	srv.POST("/v1/allocate", srv.withAuth(srv.allocate))
	srv.POST("/v1/release", srv.withAuth(srv.release))
	srv.GET("/v1/lookup", srv.withAuth(srv.lookup))
	srv.GET("/v1/active", srv.withAuth(srv.active))
	srv.GET("/v1/healthz", srv.healthz)

	return srv
}

type handlerFunc func(r *http.Request, p httprouter.Params) (interface{}, error)

// withAuth checks the bearer token and turns the handler's return into JSON.
func (s *Server) withAuth(fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if !s.authorized(r) {
			replyError(w, fmt.Errorf("%w: bad or missing bearer token", util.ErrUnauthenticated))
			return
		}
		out, err := fn(r, p)
		if err != nil {
			replyError(w, err)
			return
		}
		replyJSON(w, http.StatusOK, out)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

type allocateReq struct {
	RouterID string `json:"routerId"`
}

type allocateResp struct {
	RouterID string `json:"routerId"`
	Port     int    `json:"port"`
}

func (s *Server) allocate(r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req allocateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrBadRequest, err)
	}
	routerID := util.NormalizeRouterID(req.RouterID)
	port, err := s.alloc.Allocate(r.Context(), routerID)
	if err != nil {
		return nil, err
	}
	return allocateResp{RouterID: routerID, Port: port}, nil
}

type releaseReq struct {
	RouterID string `json:"routerId,omitempty"`
	Port     int    `json:"port,omitempty"`
}

func (s *Server) release(r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req releaseReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrBadRequest, err)
	}
	switch {
	case req.RouterID != "":
		if err := s.alloc.Release(r.Context(), util.NormalizeRouterID(req.RouterID)); err != nil {
			return nil, err
		}
	case req.Port != 0:
		if err := s.alloc.ReleasePort(r.Context(), req.Port); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: one of routerId or port is required", util.ErrBadRequest)
	}
	return map[string]bool{"released": true}, nil
}

func (s *Server) lookup(r *http.Request, _ httprouter.Params) (interface{}, error) {
	q := r.URL.Query()
	if routerID := q.Get("routerId"); routerID != "" {
		port, err := s.alloc.LookupRouter(util.NormalizeRouterID(routerID))
		if err != nil {
			return nil, err
		}
		return allocateResp{RouterID: util.NormalizeRouterID(routerID), Port: port}, nil
	}
	if portStr := q.Get("port"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("%w: bad port %q", util.ErrBadRequest, portStr)
		}
		routerID, err := s.alloc.LookupPort(port)
		if err != nil {
			return nil, err
		}
		return allocateResp{RouterID: routerID, Port: port}, nil
	}
	return nil, fmt.Errorf("%w: one of routerId or port is required", util.ErrBadRequest)
}

type activeResp struct {
	Leases []Lease `json:"leases"`
	Free   int     `json:"free"`
}

func (s *Server) active(r *http.Request, _ httprouter.Params) (interface{}, error) {
	return activeResp{Leases: s.alloc.Active(), Free: s.alloc.FreeCount()}, nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	replyJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func replyJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.WithComponent("portmgr").Errorf("writing response: %v", err)
	}
}

// replyError writes {"error": {code, message}} with the status the code maps to.
func replyError(w http.ResponseWriter, err error) {
	code := envelope.CodeForError(err)
	replyJSON(w, envelope.HTTPStatus(code), map[string]envelope.Error{
		"error": {Code: code, Message: err.Error()},
	})
}
