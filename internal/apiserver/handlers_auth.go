package apiserver

import (
	"context"
	"net/http"
	"os/exec"
	"time"

	"connectd/internal/auth"
	"connectd/internal/httpcore"
)

// factoryResetTables lists every table a factory reset truncates, drawn
// from each component's own schema (spec.md §4.8 factoryReset; Auth
// doesn't own these tables itself, so ApiSurface — the one place that
// already knows every component — supplies the list).
var factoryResetTables = auth.FactoryResetTables{
	"auth_state", "auth_tokens", "security_questions",
	"apn_templates", "apn_config",
	"sms_inbox", "sms_sent", "sms_webhook_config", "sms_config",
	"ipv6_rules", "ipv6_config",
	"rathole_services", "rathole_config",
}

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	token, err := s.auth.Login(r.Context(), req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"token": token})
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerTokenFromHeader(r)
	if token == "" {
		writeOK(w, nil)
		return
	}
	if err := s.auth.Logout(r.Context(), token); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleAuthPassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.auth.ChangePassword(r.Context(), req.OldPassword, req.NewPassword); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	token := bearerTokenFromHeader(r)
	authenticated := false
	if token != "" {
		ok, err := s.auth.Verify(r.Context(), token)
		if err == nil {
			authenticated = ok
		}
	}
	questionsSet, err := s.auth.SecurityQuestionsSet(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]bool{
		"authenticated":            authenticated,
		"security_questions_set":  questionsSet,
	})
}

type securityQuestionsRequest struct {
	Question1 string `json:"question1"`
	Answer1   string `json:"answer1"`
	Question2 string `json:"question2"`
	Answer2   string `json:"answer2"`
}

func (s *Server) handleAuthSecurityQuestions(w http.ResponseWriter, r *http.Request) {
	var req securityQuestionsRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.auth.SetupSecurityQuestions(r.Context(), req.Question1, req.Answer1, req.Question2, req.Answer2); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type recoverRequest struct {
	Answer1 string `json:"answer1"`
	Answer2 string `json:"answer2"`
	Confirm string `json:"confirm"`
}

func (s *Server) handleAuthRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.auth.ResetPassword(r.Context(), req.Answer1, req.Answer2, req.Confirm); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// handleAuthFactoryReset truncates every component's tables and vacuums
// the store (spec.md §4.8 factoryReset), then reboots. The reboot is
// triggered from a detached goroutine after the response is flushed, the
// same pattern handleUsbAdvance uses, since the reboot itself will cut
// the connection the caller is waiting on.
func (s *Server) handleAuthFactoryReset(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.auth.FactoryReset(r.Context(), req.Answer1, req.Answer2, req.Confirm, factoryResetTables); err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, nil)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		if err := exec.CommandContext(context.Background(), "reboot").Run(); err != nil {
			s.log.Warnf("factory reset reboot: %v", err)
		}
	}()
}
