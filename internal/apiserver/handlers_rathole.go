package apiserver

import (
	"net/http"
	"strconv"

	"connectd/internal/apierr"
	"connectd/internal/httpcore"
	"connectd/internal/rathole"
)

func (s *Server) handleRatholeConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		cfg, err := s.rathole.GetConfig(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, cfg)
		return
	}

	var cfg rathole.Config
	if err := httpcore.DecodeJSON(r, &cfg); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.rathole.SetConfig(r.Context(), cfg); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type ratholeServiceRequest struct {
	Name      string `json:"name"`
	Token     string `json:"token"`
	LocalAddr string `json:"local_addr"`
	Enabled   bool   `json:"enabled"`
}

func (s *Server) handleRatholeServices(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		list, err := s.rathole.ListServices(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, list)
		return
	}

	var req ratholeServiceRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	svc, err := s.rathole.CreateService(r.Context(), req.Name, req.Token, req.LocalAddr)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, svc)
}

func (s *Server) handleRatholeServiceByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathVar(r, "id"), 10, 64)
	if err != nil {
		writeErr(w, apierr.Invalid("invalid rathole service id"))
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.rathole.DeleteService(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, nil)
		return
	}

	var req ratholeServiceRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.rathole.UpdateService(r.Context(), id, req.Name, req.Token, req.LocalAddr, req.Enabled); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleRatholeStart(w http.ResponseWriter, r *http.Request) {
	if err := s.rathole.Start(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleRatholeStop(w http.ResponseWriter, r *http.Request) {
	if err := s.rathole.Stop(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleRatholeStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.rathole.GetStatus(r.Context()))
}

func (s *Server) handleRatholeLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			n = v
		}
	}
	lines, err := s.rathole.TailLog(n)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, lines)
}

func (s *Server) handleRatholeServerConfig(w http.ResponseWriter, r *http.Request) {
	text, err := s.rathole.ServerSkeleton(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"toml": text})
}
