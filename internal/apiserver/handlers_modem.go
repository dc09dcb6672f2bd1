package apiserver

import (
	"net/http"
	"runtime"
	"time"

	"connectd/internal/apierr"
	"connectd/internal/httpcore"
	"connectd/internal/modem"
)

type infoResponse struct {
	Version   string      `json:"version"`
	UptimeSec float64     `json:"uptime_sec"`
	Modem     *modem.State `json:"modem"`
	GoVersion string      `json:"go_version"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	state, err := s.modem.GetInfo(r.Context())
	if err != nil {
		// Device snapshot degrades gracefully: modem info is best-effort.
		state = nil
	}
	writeOK(w, infoResponse{
		Version:   s.version,
		UptimeSec: time.Since(s.startedAt).Seconds(),
		Modem:     state,
		GoVersion: runtime.Version(),
	})
}

type atRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleAt(w http.ResponseWriter, r *http.Request) {
	var req atRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	resp, err := s.modem.ExecuteAT(r.Context(), req.Command)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"response": resp})
}

type setNetworkRequest struct {
	Mode string  `json:"mode"`
	Slot *string `json:"slot,omitempty"`
}

func (s *Server) handleSetNetwork(w http.ResponseWriter, r *http.Request) {
	var req setNetworkRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	var slot *modem.Slot
	if req.Slot != nil {
		sl := modem.Slot(*req.Slot)
		slot = &sl
	}

	if err := s.modem.SetNetworkMode(r.Context(), slot, modem.NetworkMode(req.Mode)); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type switchRequest struct {
	Slot string `json:"slot"`
}

func (s *Server) handleSwitchSlot(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.modem.SwitchSlot(r.Context(), modem.Slot(req.Slot)); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type airplaneRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleAirplaneMode(w http.ResponseWriter, r *http.Request) {
	var req airplaneRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.modem.SetAirplane(r.Context(), req.Enabled); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type dataRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		active, err := s.bearer.GetDataStatus(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, map[string]bool{"active": active})
		return
	}

	var req dataRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.bearer.SetDataStatus(r.Context(), req.Active); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type roamingRequest struct {
	Allowed bool `json:"allowed"`
}

func (s *Server) handleRoaming(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		allowed, err := s.bearer.GetRoaming(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, map[string]bool{"allowed": allowed})
		return
	}

	var req roamingRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.bearer.SetRoamingAllowed(r.Context(), req.Allowed); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

type currentBandResponse struct {
	NetworkType string  `json:"network_type"`
	Band        int     `json:"band"`
	Arfcn       int     `json:"arfcn"`
	Pci         int     `json:"pci"`
	Rsrp        float64 `json:"rsrp"`
	Rsrq        float64 `json:"rsrq"`
	Sinr        float64 `json:"sinr"`
}

func (s *Server) handleCurrentBand(w http.ResponseWriter, r *http.Request) {
	info, err := s.modem.GetCurrentBand(r.Context())
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.NotFound, "current band", err))
		return
	}
	writeOK(w, currentBandResponse{
		NetworkType: info.NetworkType,
		Band:        info.Band,
		Arfcn:       info.ARFCN,
		Pci:         info.PCI,
		Rsrp:        info.RSRP,
		Rsrq:        info.RSRQ,
		Sinr:        info.SINR,
	})
}
