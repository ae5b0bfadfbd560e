package app

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/petervdpas/tunepair/internal/pairing"
	"github.com/petervdpas/tunepair/internal/relay"
	"github.com/petervdpas/tunepair/internal/util"
)

var errNoSecret = errors.New("relay.jwt_secret is required")

// RunRelay serves the development relay until ctx ends.
func RunRelay(ctx context.Context, o Options) error {
	cfg := o.Cfg.Relay
	if cfg.JWTSecret == "" {
		return errNoSecret
	}

	srv, err := relay.New(relay.Options{
		Secret: []byte(cfg.JWTSecret),
		Pairing: pairing.MemoryOptions{
			TTL:               cfg.CodeTTL(),
			MaxFailedAttempts: cfg.MaxFailedAttempts,
		},
		ConnectRatePerMin: cfg.ConnectRatePerMin,
	})
	if err != nil {
		return err
	}

	l, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return err
	}
	o.printf("Relay on http://%s (websockets under /ws, metrics at /metrics)\n", l.Addr())
	return srv.Serve(ctx, l)
}

// MintToken signs a token for user with the relay secret and, when
// auth.token_file is set, writes it there.
func MintToken(o Options, user string, ttl time.Duration) (string, error) {
	if o.Cfg.Relay.JWTSecret == "" {
		return "", errNoSecret
	}
	tok, err := relay.MintToken([]byte(o.Cfg.Relay.JWTSecret), user, ttl)
	if err != nil {
		return "", err
	}
	if f := o.Cfg.Auth.TokenFile; f != "" {
		if err := writeTokenFile(util.ResolvePath(o.Dir, f), tok); err != nil {
			return "", err
		}
	}
	return tok, nil
}
