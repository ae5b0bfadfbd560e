package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// CodeLength is the number of digits in a pairing code.
const CodeLength = 6

var codeSpace = big.NewInt(1_000_000)

// ValidateCode accepts exactly six ASCII digits.
func ValidateCode(code string) error {
	if len(code) != CodeLength {
		return ErrInvalidCode
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return ErrInvalidCode
		}
	}
	return nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Pair submits a code on behalf of a sink device. It returns the pairing
// only when the service reports it as paired; anything else is a
// *RejectedError. Malformed codes never reach the service.
func Pair(ctx context.Context, svc Service, sinkDeviceID, code string) (*Pairing, error) {
	if err := ValidateCode(code); err != nil {
		return nil, err
	}

	p, err := svc.ConnectWithCode(ctx, sinkDeviceID, code)
	switch {
	case errors.Is(err, ErrCodeNotFound):
		return nil, &RejectedError{Code: code, Err: err}
	case errors.Is(err, ErrCodeExpired):
		return nil, &RejectedError{Code: code, Status: StatusExpired, Err: err}
	case err != nil:
		return nil, err
	}

	if p.Status != StatusPaired {
		log.Warnw("pairing not accepted", "code", code, "status", p.Status)
		return nil, &RejectedError{Code: code, Status: p.Status}
	}
	log.Infow("paired", "pairing", p.ID, "source", p.SourceDeviceID, "sink", p.SinkDeviceID)
	return p, nil
}
