package apiserver

import (
	"context"
	"net/http"
	"time"

	"connectd/internal/httpcore"
	"connectd/internal/usbmode"
)

type usbModeResponse struct {
	Mode      string `json:"mode"`
	Permanent bool   `json:"permanent"`
}

func (s *Server) handleUsbMode(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		mode, permanent, err := s.usb.ReadMode()
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, usbModeResponse{Mode: mode.String(), Permanent: permanent})
		return
	}

	var req struct {
		Mode      string `json:"mode"`
		Permanent bool   `json:"permanent"`
	}
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	mode, err := usbmode.ParseMode(req.Mode)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.usb.SetMode(mode, req.Permanent); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type usbAdvanceRequest struct {
	Mode string `json:"mode"`
}

// handleUsbAdvance flushes the response before performing the hot switch
// (spec.md §9 "Recovery of old behavior"): the caller already has its
// 200 by the time the gadget actually starts reconfiguring, so a client
// watching for the response is never blocked on configfs I/O.
func (s *Server) handleUsbAdvance(w http.ResponseWriter, r *http.Request) {
	var req usbAdvanceRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	mode, err := usbmode.ParseMode(req.Mode)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, nil)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	// Detached from the request context on purpose: the response is
	// already flushed, and the switch must run to completion even if the
	// client disconnects immediately after.
	go func() {
		time.Sleep(200 * time.Millisecond)
		if err := s.usb.SwitchAdvanced(context.Background(), mode); err != nil {
			s.log.Warnf("usb advance switch: %v", err)
		}
	}()
}
