package api

import (
	"net/http"
	"time"

	"github.com/penguintechinc/marchproxy/pkg/registrar"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrar.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}

	resp, err := s.registrar.Register(&req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

// heartbeatBody carries the cluster credential alongside the report, the
// same shape proxies send on register.
type heartbeatBody struct {
	ClusterAPIKey string `json:"cluster_api_key"`
	ProxyName     string `json:"proxy_name"`
	registrar.HeartbeatRequest
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatBody
	if !s.decode(w, r, &body) {
		return
	}

	resp, err := s.registrar.Heartbeat(body.ClusterAPIKey, body.ProxyName, &body.HeartbeatRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProxyConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := s.dist.GetProxyConfig(bearerToken(r), r.PathValue("proxy_name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleClusterConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := s.dist.GetClusterConfig(bearerToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	// The path names the cluster the caller believes it is addressing; the
	// bearer key is authoritative.
	if id := r.PathValue("cluster_id"); id != snap.Cluster.ID {
		s.writeError(w, types.NewError(types.KindAuth, "cluster key does not match cluster"))
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePollChanges(w http.ResponseWriter, r *http.Request) {
	lastSeen := r.URL.Query().Get("last_seen")

	maxWait := time.Duration(0)
	if v := r.URL.Query().Get("max_wait_seconds"); v != "" {
		if secs, err := time.ParseDuration(v + "s"); err == nil {
			maxWait = secs
		}
	}

	snap, err := s.dist.PollChanges(r.Context(), bearerToken(r), lastSeen, maxWait)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; nothing to write.
			return
		}
		s.writeError(w, err)
		return
	}
	if snap == nil {
		s.writeJSON(w, http.StatusOK, map[string]bool{"no_change": true})
		return
	}
	if id := r.PathValue("cluster_id"); id != snap.Cluster.ID {
		s.writeError(w, types.NewError(types.KindAuth, "cluster key does not match cluster"))
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}
