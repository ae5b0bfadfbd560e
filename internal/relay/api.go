package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/petervdpas/tunepair/internal/pairing"
)

// ── Envelope helpers ────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, v any) {
	writeJSON(w, http.StatusOK, map[string]any{"data": v})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps pairing errors onto the statuses the pairing
// client understands.
func writeServiceError(w http.ResponseWriter, route string, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, pairing.ErrNotFound),
		errors.Is(err, pairing.ErrCodeNotFound),
		errors.Is(err, pairing.ErrUnknownDevice):
		status = http.StatusNotFound
	case errors.Is(err, pairing.ErrCodeExpired):
		status = http.StatusGone
	case errors.Is(err, pairing.ErrTooManyAttempts):
		status = http.StatusTooManyRequests
	}
	pairingResults.WithLabelValues(route, http.StatusText(status)).Inc()
	writeJSONError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

// ── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req pairing.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.UserID = UserFromContext(r.Context())

	dev, err := s.svc.RegisterDevice(r.Context(), req)
	if err != nil {
		writeServiceError(w, "register", err)
		return
	}
	pairingResults.WithLabelValues("register", "ok").Inc()
	writeData(w, dev)
}

func (s *Server) handleGenerateCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceDeviceID string `json:"mobile_device_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !s.owns(r, body.SourceDeviceID) {
		writeServiceError(w, "code", pairing.ErrUnknownDevice)
		return
	}

	p, err := s.svc.GenerateCode(r.Context(), body.SourceDeviceID)
	if err != nil {
		writeServiceError(w, "code", err)
		return
	}
	pairingResults.WithLabelValues("code", "ok").Inc()
	writeData(w, p)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if !s.limiter.Allow(user) {
		writeServiceError(w, "connect", pairing.ErrTooManyAttempts)
		return
	}

	var body struct {
		SinkDeviceID string `json:"browser_device_id"`
		Code         string `json:"pair_code"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !s.owns(r, body.SinkDeviceID) {
		writeServiceError(w, "connect", pairing.ErrUnknownDevice)
		return
	}

	p, err := s.svc.ConnectWithCode(r.Context(), body.SinkDeviceID, body.Code)
	if err != nil {
		writeServiceError(w, "connect", err)
		return
	}
	pairingResults.WithLabelValues("connect", "ok").Inc()
	writeData(w, p)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("device_id")
	if !s.owns(r, id) {
		writeServiceError(w, "active", pairing.ErrUnknownDevice)
		return
	}
	p, err := s.svc.ActivePairing(r.Context(), id)
	if errors.Is(err, pairing.ErrNotFound) {
		// No active pairing is a normal answer, not an error.
		writeData(w, nil)
		return
	}
	if err != nil {
		writeServiceError(w, "active", err)
		return
	}
	writeData(w, p)
}

// owns reports whether a device was registered by the request's user.
func (s *Server) owns(r *http.Request, deviceID string) bool {
	dev, ok := s.svc.Device(deviceID)
	return ok && dev.UserID == UserFromContext(r.Context())
}
