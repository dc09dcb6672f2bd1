package apiserver

import (
	"net/http"
	"strconv"

	"connectd/internal/apierr"
	"connectd/internal/databearer"
	"connectd/internal/httpcore"
)

func (s *Server) handleApnTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		list, err := s.bearer.ListApnTemplates(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, list)
		return
	}

	var t databearer.ApnTemplate
	if err := httpcore.DecodeJSON(r, &t); err != nil {
		writeErr(w, err)
		return
	}
	created, err := s.bearer.CreateApnTemplate(r.Context(), t)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, created)
}

func (s *Server) handleApnTemplateByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathVar(r, "id"), 10, 64)
	if err != nil {
		writeErr(w, apierr.Invalid("invalid apn template id"))
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.bearer.DeleteApnTemplate(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, nil)
		return
	}

	var t databearer.ApnTemplate
	if err := httpcore.DecodeJSON(r, &t); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.bearer.UpdateApnTemplate(r.Context(), id, t); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleApnConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		cfg, err := s.bearer.GetApnConfig(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, cfg)
		return
	}

	var cfg databearer.ApnConfigState
	if err := httpcore.DecodeJSON(r, &cfg); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.bearer.SetApnConfig(r.Context(), cfg); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type apnApplyRequest struct {
	TemplateID int64 `json:"template_id"`
}

func (s *Server) handleApnApply(w http.ResponseWriter, r *http.Request) {
	var req apnApplyRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.bearer.ApplyApnTemplate(r.Context(), req.TemplateID); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleApnClear(w http.ResponseWriter, r *http.Request) {
	if err := s.bearer.ClearApnContext(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}
