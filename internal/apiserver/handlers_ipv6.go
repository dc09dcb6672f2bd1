package apiserver

import (
	"net/http"
	"strconv"

	"connectd/internal/apierr"
	"connectd/internal/httpcore"
	"connectd/internal/ipv6fwd"
)

func (s *Server) handleIpv6Config(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		cfg, err := s.ipv6.GetConfig(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, cfg)
		return
	}

	var cfg ipv6fwd.Config
	if err := httpcore.DecodeJSON(r, &cfg); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.ipv6.SetConfig(r.Context(), cfg); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type ipv6RuleRequest struct {
	LocalPort int  `json:"local_port"`
	Ipv6Port  int  `json:"ipv6_port"`
	Enabled   bool `json:"enabled"`
}

func (s *Server) handleIpv6Rules(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		list, err := s.ipv6.ListRules(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, list)
		return
	}

	var req ipv6RuleRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	rule, err := s.ipv6.CreateRule(r.Context(), req.LocalPort, req.Ipv6Port, req.Enabled)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, rule)
}

func (s *Server) handleIpv6RuleByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathVar(r, "id"), 10, 64)
	if err != nil {
		writeErr(w, apierr.Invalid("invalid ipv6 rule id"))
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.ipv6.DeleteRule(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, nil)
		return
	}

	var req ipv6RuleRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.ipv6.UpdateRule(r.Context(), id, req.LocalPort, req.Ipv6Port, req.Enabled); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleIpv6Start(w http.ResponseWriter, r *http.Request) {
	if err := s.ipv6.Start(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleIpv6Stop(w http.ResponseWriter, r *http.Request) {
	if err := s.ipv6.Stop(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleIpv6Restart(w http.ResponseWriter, r *http.Request) {
	if err := s.ipv6.Restart(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleIpv6Send(w http.ResponseWriter, r *http.Request) {
	s.ipv6.TestReport(r.Context())
	writeOK(w, s.ipv6.SendLog())
}

func (s *Server) handleIpv6Test(w http.ResponseWriter, r *http.Request) {
	s.ipv6.TestReport(r.Context())
	writeOK(w, s.ipv6.SendLog())
}

func (s *Server) handleIpv6Status(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.ipv6.GetStatus())
}

func (s *Server) handleIpv6SendLogs(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.ipv6.SendLog())
}
