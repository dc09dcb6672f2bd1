package apiserver

import (
	"net/http"
	"strconv"

	"connectd/internal/apierr"
	"connectd/internal/httpcore"
	"connectd/internal/sms"
)

type sendSmsRequest struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

func (s *Server) handleSmsList(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		inbox, err := s.sms.ListInbox(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		sent, err := s.sms.ListSent(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, map[string]any{"inbox": inbox, "sent": sent})
		return
	}

	var req sendSmsRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	sent, err := s.sms.Send(r.Context(), req.Recipient, []byte(req.Content))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, sent)
}

func (s *Server) handleSmsByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(pathVar(r, "id"), 10, 64)
	if err != nil {
		writeErr(w, apierr.Invalid("invalid sms id"))
		return
	}
	if err := s.sms.DeleteMessage(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleSmsWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		cfg, err := s.sms.GetWebhookConfig(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, cfg)
		return
	}

	var cfg sms.WebhookConfig
	if err := httpcore.DecodeJSON(r, &cfg); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.sms.SetWebhookConfig(r.Context(), cfg); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleSmsWebhookTest(w http.ResponseWriter, r *http.Request) {
	if err := s.sms.TestWebhook(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, s.sms.WebhookLog())
}

type smsConfigRequest struct {
	MaxInbox int `json:"max_inbox"`
	MaxSent  int `json:"max_sent"`
}

func (s *Server) handleSmsConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		cfg, err := s.sms.GetConfig(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, cfg)
		return
	}

	var req smsConfigRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.sms.SetConfig(r.Context(), req.MaxInbox, req.MaxSent); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type smsFixRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSmsFix(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		cfg, err := s.sms.GetConfig(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, map[string]bool{"enabled": cfg.FixEnabled})
		return
	}

	var req smsFixRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.sms.SetFixEnabled(r.Context(), req.Enabled); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}
