// Package apiserver is ApiSurface: it registers one handler per endpoint
// in spec.md §6 and wires every other component together behind HttpCore
// (spec.md §4.9, §6). Grounded on the teacher's server/server.go route
// registration and server/handlers.go per-endpoint handler style.
package apiserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"connectd/internal/auth"
	"connectd/internal/databearer"
	"connectd/internal/httpcore"
	"connectd/internal/ipv6fwd"
	"connectd/internal/modem"
	"connectd/internal/rathole"
	"connectd/internal/sms"
	"connectd/internal/usbmode"
)

// Server holds every component ApiSurface dispatches to.
type Server struct {
	log *logrus.Logger
	http *httpcore.Server

	auth    *auth.Service
	modem   *modem.Modem
	bearer  *databearer.DataBearer
	sms     *sms.Engine
	ipv6    *ipv6fwd.Forwarder
	rathole *rathole.Controller
	usb     *usbmode.Controller

	version string
	startedAt time.Time
}

func New(
	log *logrus.Logger,
	httpSrv *httpcore.Server,
	authSvc *auth.Service,
	modemSvc *modem.Modem,
	bearer *databearer.DataBearer,
	smsEngine *sms.Engine,
	ipv6Fwd *ipv6fwd.Forwarder,
	ratholeCtl *rathole.Controller,
	usbCtl *usbmode.Controller,
	version string,
) *Server {
	s := &Server{
		log:       log,
		http:      httpSrv,
		auth:      authSvc,
		modem:     modemSvc,
		bearer:    bearer,
		sms:       smsEngine,
		ipv6:      ipv6Fwd,
		rathole:   ratholeCtl,
		usb:       usbCtl,
		version:   version,
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	h := s.http

	h.Handle("/api/info", s.handleInfo, http.MethodGet)
	h.Handle("/api/at", s.handleAt, http.MethodPost)
	h.Handle("/api/set_network", s.handleSetNetwork, http.MethodPost)
	h.Handle("/api/switch", s.handleSwitchSlot, http.MethodPost)
	h.Handle("/api/airplane_mode", s.handleAirplaneMode, http.MethodPost)
	h.Handle("/api/data", s.handleData, http.MethodGet, http.MethodPost)
	h.Handle("/api/roaming", s.handleRoaming, http.MethodGet, http.MethodPost)
	h.Handle("/api/current_band", s.handleCurrentBand, http.MethodGet)

	h.Handle("/api/sms", s.handleSmsList, http.MethodGet, http.MethodPost)
	h.Handle("/api/sms/{id}", s.handleSmsByID, http.MethodDelete)
	h.Handle("/api/sms/webhook", s.handleSmsWebhook, http.MethodGet, http.MethodPost)
	h.Handle("/api/sms/webhook/test", s.handleSmsWebhookTest, http.MethodPost)
	h.Handle("/api/sms/config", s.handleSmsConfig, http.MethodGet, http.MethodPost)
	h.Handle("/api/sms/fix", s.handleSmsFix, http.MethodGet, http.MethodPost)

	h.Handle("/api/apn/templates", s.handleApnTemplates, http.MethodGet, http.MethodPost)
	h.Handle("/api/apn/templates/{id}", s.handleApnTemplateByID, http.MethodPut, http.MethodDelete)
	h.Handle("/api/apn/config", s.handleApnConfig, http.MethodGet, http.MethodPost)
	h.Handle("/api/apn/apply", s.handleApnApply, http.MethodPost)
	h.Handle("/api/apn/clear", s.handleApnClear, http.MethodPost)

	h.Handle("/api/rathole/config", s.handleRatholeConfig, http.MethodGet, http.MethodPost)
	h.Handle("/api/rathole/services", s.handleRatholeServices, http.MethodGet, http.MethodPost)
	h.Handle("/api/rathole/services/{id}", s.handleRatholeServiceByID, http.MethodPut, http.MethodDelete)
	h.Handle("/api/rathole/start", s.handleRatholeStart, http.MethodPost)
	h.Handle("/api/rathole/stop", s.handleRatholeStop, http.MethodPost)
	h.Handle("/api/rathole/status", s.handleRatholeStatus, http.MethodGet)
	h.Handle("/api/rathole/logs", s.handleRatholeLogs, http.MethodGet)
	h.Handle("/api/rathole/server-config", s.handleRatholeServerConfig, http.MethodGet)

	h.Handle("/api/ipv6-proxy/config", s.handleIpv6Config, http.MethodGet, http.MethodPost)
	h.Handle("/api/ipv6-proxy/rules", s.handleIpv6Rules, http.MethodGet, http.MethodPost)
	h.Handle("/api/ipv6-proxy/rules/{id}", s.handleIpv6RuleByID, http.MethodPut, http.MethodDelete)
	h.Handle("/api/ipv6-proxy/start", s.handleIpv6Start, http.MethodPost)
	h.Handle("/api/ipv6-proxy/stop", s.handleIpv6Stop, http.MethodPost)
	h.Handle("/api/ipv6-proxy/restart", s.handleIpv6Restart, http.MethodPost)
	h.Handle("/api/ipv6-proxy/send", s.handleIpv6Send, http.MethodPost)
	h.Handle("/api/ipv6-proxy/test", s.handleIpv6Test, http.MethodPost)
	h.Handle("/api/ipv6-proxy/status", s.handleIpv6Status, http.MethodGet)
	h.Handle("/api/ipv6-proxy/send-logs", s.handleIpv6SendLogs, http.MethodGet)

	h.Handle("/api/usb/mode", s.handleUsbMode, http.MethodGet, http.MethodPost)
	h.Handle("/api/usb-advance", s.handleUsbAdvance, http.MethodPost)

	h.Handle("/api/auth/login", s.handleAuthLogin, http.MethodPost)
	h.Handle("/api/auth/logout", s.handleAuthLogout, http.MethodPost)
	h.Handle("/api/auth/password", s.handleAuthPassword, http.MethodPost)
	h.Handle("/api/auth/status", s.handleAuthStatus, http.MethodGet)
	h.Handle("/api/auth/security-questions", s.handleAuthSecurityQuestions, http.MethodPost)
	h.Handle("/api/auth/recover", s.handleAuthRecover, http.MethodPost)
	h.Handle("/api/auth/factory-reset", s.handleAuthFactoryReset, http.MethodPost)
}

func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func writeErr(w http.ResponseWriter, err error) {
	httpcore.WriteErr(w, err)
}

func writeOK(w http.ResponseWriter, data any) {
	httpcore.WriteOK(w, data)
}

// bearerTokenFromHeader is used by handlers that need the raw token (e.g.
// logout) beyond what the auth middleware already validated.
func bearerTokenFromHeader(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
