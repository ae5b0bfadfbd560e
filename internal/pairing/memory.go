package pairing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/tunepair/internal/util"
)

const (
	// DefaultCodeTTL is how long a generated code stays pending.
	DefaultCodeTTL = 5 * time.Minute
	// DefaultMaxFailedAttempts is how many wrong codes a sink may submit
	// before it is locked out for one TTL window.
	DefaultMaxFailedAttempts = 5
)

type MemoryOptions struct {
	TTL               time.Duration
	MaxFailedAttempts int
	Now               func() time.Time
	// NewCode defaults to a random 6-digit code.
	NewCode func() (string, error)
}

// MemoryService is an in-process pairing service. It backs the development
// relay and tests.
type MemoryService struct {
	ttl       time.Duration
	maxFailed int
	now       func() time.Time
	newCode   func() (string, error)

	mu       sync.Mutex
	devices  map[string]*Device
	pairings map[string]*Pairing // by pairing id
	failures map[string]*failure // by attemptKey
}

type failure struct {
	count int
	until time.Time
}

var _ Service = (*MemoryService)(nil)

func NewMemoryService(opts MemoryOptions) *MemoryService {
	if opts.TTL <= 0 {
		opts.TTL = DefaultCodeTTL
	}
	if opts.MaxFailedAttempts <= 0 {
		opts.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewCode == nil {
		opts.NewCode = generateCode
	}
	return &MemoryService{
		ttl:       opts.TTL,
		maxFailed: opts.MaxFailedAttempts,
		now:       opts.Now,
		newCode:   opts.NewCode,
		devices:   make(map[string]*Device),
		pairings:  make(map[string]*Pairing),
		failures:  make(map[string]*failure),
	}
}

func (s *MemoryService) RegisterDevice(_ context.Context, req RegisterRequest) (*Device, error) {
	name, err := util.ValidateDeviceName(req.DeviceName)
	if err != nil {
		return nil, err
	}
	switch req.DeviceType {
	case DeviceTypeMobile, DeviceTypeBrowser:
	default:
		return nil, fmt.Errorf("device_type must be %q or %q", DeviceTypeMobile, DeviceTypeBrowser)
	}

	now := s.now()
	d := &Device{
		ID:           uuid.NewString(),
		DisplayName:  name,
		DeviceType:   req.DeviceType,
		IsSource:     req.IsSource,
		UserID:       req.UserID,
		LastOnlineAt: &now,
	}

	s.mu.Lock()
	s.devices[d.ID] = d
	s.mu.Unlock()

	log.Infow("device registered", "device", d.ID, "name", d.DisplayName, "kind", d.Kind())
	out := *d
	return &out, nil
}

// Device returns a registered device.
func (s *MemoryService) Device(id string) (*Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, false
	}
	out := *d
	return &out, true
}

// Touch records that a device was seen online.
func (s *MemoryService) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		now := s.now()
		d.LastOnlineAt = &now
	}
}

func (s *MemoryService) GenerateCode(_ context.Context, sourceDeviceID string) (*Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[sourceDeviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, sourceDeviceID)
	}
	if !d.IsSource {
		return nil, fmt.Errorf("device %s is not a source", sourceDeviceID)
	}

	s.pruneExpired()

	code, err := s.uniqueCode()
	if err != nil {
		return nil, err
	}

	p := &Pairing{
		ID:             uuid.NewString(),
		SourceDeviceID: sourceDeviceID,
		Code:           code,
		Status:         StatusPending,
		ExpiresAt:      s.now().Add(s.ttl),
	}
	s.pairings[p.ID] = p

	log.Infow("pairing code generated", "pairing", p.ID, "source", sourceDeviceID, "expires_at", p.ExpiresAt)
	out := *p
	return &out, nil
}

func (s *MemoryService) ConnectWithCode(_ context.Context, sinkDeviceID, code string) (*Pairing, error) {
	if err := ValidateCode(code); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[sinkDeviceID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, sinkDeviceID)
	}

	now := s.now()
	key := s.attemptKey(sinkDeviceID)
	if f := s.failures[key]; f != nil && now.Before(f.until) {
		return nil, ErrTooManyAttempts
	}

	var match *Pairing
	for _, p := range s.pairings {
		if p.Code == code && p.Status == StatusPending {
			match = p
			break
		}
	}

	if match == nil {
		s.recordFailure(key, now)
		return nil, ErrCodeNotFound
	}
	if !now.Before(match.ExpiresAt) {
		match.Status = StatusExpired
		s.recordFailure(key, now)
		log.Infow("pairing code expired", "pairing", match.ID)
		return nil, ErrCodeExpired
	}

	match.Status = StatusPaired
	match.SinkDeviceID = sinkDeviceID
	delete(s.failures, key)

	log.Infow("pairing connected", "pairing", match.ID, "source", match.SourceDeviceID, "sink", sinkDeviceID)
	out := *match
	return &out, nil
}

// ActivePairing returns the most recently expiring paired pairing that
// includes the device.
func (s *MemoryService) ActivePairing(_ context.Context, deviceID string) (*Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Pairing
	for _, p := range s.pairings {
		if p.Status != StatusPaired {
			continue
		}
		if p.SourceDeviceID != deviceID && p.SinkDeviceID != deviceID {
			continue
		}
		if best == nil || p.ExpiresAt.After(best.ExpiresAt) {
			best = p
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	out := *best
	return &out, nil
}

// Peer returns the other device of an active pairing.
func (s *MemoryService) Peer(ctx context.Context, deviceID string) (string, error) {
	p, err := s.ActivePairing(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if p.SourceDeviceID == deviceID {
		return p.SinkDeviceID, nil
	}
	return p.SourceDeviceID, nil
}

// --- Internal ---

// pruneExpired marks pending pairings past their expiry. Caller holds mu.
func (s *MemoryService) pruneExpired() {
	now := s.now()
	for _, p := range s.pairings {
		if p.Status == StatusPending && !now.Before(p.ExpiresAt) {
			p.Status = StatusExpired
		}
	}
}

func (s *MemoryService) uniqueCode() (string, error) {
	for i := 0; i < 20; i++ {
		code, err := s.newCode()
		if err != nil {
			return "", err
		}
		if err := ValidateCode(code); err != nil {
			return "", err
		}
		taken := false
		for _, p := range s.pairings {
			if p.Status == StatusPending && p.Code == code {
				taken = true
				break
			}
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("no free pairing code")
}

// attemptKey groups failed attempts by account, so registering another sink
// under the same user does not reset the count. Devices without a user are
// counted on their own.
func (s *MemoryService) attemptKey(deviceID string) string {
	if d := s.devices[deviceID]; d != nil && d.UserID != "" {
		return "user:" + d.UserID
	}
	return "device:" + deviceID
}

func (s *MemoryService) recordFailure(key string, now time.Time) {
	f := s.failures[key]
	if f == nil || (!f.until.IsZero() && !now.Before(f.until)) {
		f = &failure{}
		s.failures[key] = f
	}
	f.count++
	if f.count < s.maxFailed {
		return
	}
	f.until = now.Add(s.ttl)

	// Pending codes of the locked-out account expire with it.
	expired := 0
	for _, p := range s.pairings {
		if p.Status == StatusPending && s.attemptKey(p.SourceDeviceID) == key {
			p.Status = StatusExpired
			expired++
		}
	}
	log.Warnw("pairing locked out after failed attempts", "account", key, "attempts", f.count, "codes_expired", expired)
}
