// Package auth supplies the bearer token a device presents to the
// signaling and pairing services.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoToken is returned when no token is currently available.
var ErrNoToken = errors.New("not authenticated")

// Source yields the current bearer token.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// Static always returns the same token. An empty Static is unauthenticated.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// File reads the token from disk on every call so an external login
// process can rotate it.
type File string

func (f File) Token(context.Context) (string, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// Func adapts a plain function to Source.
type Func func(ctx context.Context) (string, error)

func (f Func) Token(ctx context.Context) (string, error) { return f(ctx) }
