// Package pairing binds a source device to a sink device through a
// short-lived six digit code.
//
// The source asks the pairing service for a code and shows it. The sink
// submits the code; a matching unexpired code moves the pairing from
// pending to paired exactly once. Expired or consumed codes are rejected
// and never retried.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCode     = errors.New("pairing code must be exactly 6 digits")
	ErrPairingRejected = errors.New("pairing rejected")
	ErrNotFound        = errors.New("not found")
	ErrCodeNotFound    = errors.New("pairing code not found")
	ErrCodeExpired     = errors.New("pairing code expired")
	ErrTooManyAttempts = errors.New("too many failed pairing attempts")
	ErrUnknownDevice   = errors.New("unknown device")
)

// Status of a pairing. Paired and expired are terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaired  Status = "paired"
	StatusExpired Status = "expired"
)

// Kind is a device's role in a pairing.
type Kind string

const (
	KindSource Kind = "source"
	KindSink   Kind = "sink"
)

// Wire device types used by the pairing service.
const (
	DeviceTypeMobile  = "mobile"
	DeviceTypeBrowser = "browser"
)

// Device is a registered endpoint. Sources register as "mobile" devices,
// sinks as "browser" devices.
type Device struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"device_name"`
	DeviceType   string     `json:"device_type"`
	IsSource     bool       `json:"is_source"`
	UserID       string     `json:"user_id,omitempty"`
	LastOnlineAt *time.Time `json:"last_online_at,omitempty"`
}

func (d Device) Kind() Kind {
	if d.IsSource {
		return KindSource
	}
	return KindSink
}

// RegisterRequest registers a device with the pairing service.
type RegisterRequest struct {
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	IsSource   bool   `json:"is_source"`
	UserID     string `json:"user_id,omitempty"`
}

// NewRegisterRequest fills in the wire device type for a role.
func NewRegisterRequest(name string, kind Kind) RegisterRequest {
	r := RegisterRequest{DeviceName: name, DeviceType: DeviceTypeBrowser}
	if kind == KindSource {
		r.DeviceType = DeviceTypeMobile
		r.IsSource = true
	}
	return r
}

// Pairing binds one source device to at most one sink device.
type Pairing struct {
	ID             string    `json:"id"`
	SourceDeviceID string    `json:"mobile_device_id"`
	SinkDeviceID   string    `json:"browser_device_id,omitempty"`
	Code           string    `json:"pair_code"`
	Status         Status    `json:"status"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Service is the pairing service as seen by a device.
type Service interface {
	RegisterDevice(ctx context.Context, req RegisterRequest) (*Device, error)
	GenerateCode(ctx context.Context, sourceDeviceID string) (*Pairing, error)
	ConnectWithCode(ctx context.Context, sinkDeviceID, code string) (*Pairing, error)
	ActivePairing(ctx context.Context, deviceID string) (*Pairing, error)
}

// RejectedError reports a code the service would not pair. Status is what
// the service reported, or empty when the code was unknown.
type RejectedError struct {
	Code   string
	Status Status
	Err    error
}

func (e *RejectedError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("pairing code %s rejected: %v", e.Code, e.Err)
	case e.Status != "":
		return fmt.Sprintf("pairing code %s rejected: status %s", e.Code, e.Status)
	}
	return fmt.Sprintf("pairing code %s rejected", e.Code)
}

func (e *RejectedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPairingRejected}
	}
	return []error{ErrPairingRejected, e.Err}
}
