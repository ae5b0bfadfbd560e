package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/tunepair/internal/auth"
	"github.com/petervdpas/tunepair/internal/util"
)

var log = logging.Logger("pairing")

// Client talks to the external pairing service over HTTP. Responses are
// wrapped as {"data": ...}.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  auth.Source
}

var _ Service = (*Client)(nil)

func NewClient(baseURL string, tokens auth.Source) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP: &http.Client{
			Timeout: util.DefaultFetchTimeout,
		},
		Tokens: tokens,
	}
}

func (c *Client) RegisterDevice(ctx context.Context, req RegisterRequest) (*Device, error) {
	var d Device
	if err := c.do(ctx, http.MethodPost, "/v1/devices/register", req, &d); err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return &d, nil
}

func (c *Client) GenerateCode(ctx context.Context, sourceDeviceID string) (*Pairing, error) {
	body := map[string]string{"mobile_device_id": sourceDeviceID}
	var p Pairing
	if err := c.do(ctx, http.MethodPost, "/v1/pairing/code", body, &p); err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}
	return &p, nil
}

func (c *Client) ConnectWithCode(ctx context.Context, sinkDeviceID, code string) (*Pairing, error) {
	body := map[string]string{"browser_device_id": sinkDeviceID, "pair_code": code}
	var p Pairing
	err := c.do(ctx, http.MethodPost, "/v1/pairing/connect", body, &p)
	if errors.Is(err, ErrNotFound) {
		err = ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("connect with code: %w", err)
	}
	return &p, nil
}

// ActivePairing returns the device's current paired pairing, or ErrNotFound.
func (c *Client) ActivePairing(ctx context.Context, deviceID string) (*Pairing, error) {
	var p Pairing
	path := "/v1/pairing/active?device_id=" + url.QueryEscape(deviceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, fmt.Errorf("active pairing: %w", err)
	}
	return &p, nil
}

// do sends a JSON request, drains the response body and decodes the data
// envelope into out. Well-known statuses map to package errors.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Tokens != nil {
		tok, err := c.Tokens.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		return ErrCodeExpired
	case http.StatusTooManyRequests:
		return ErrTooManyAttempts
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if e.Error != "" {
			return fmt.Errorf("%s %s: status %s: %s", method, path, resp.Status, e.Error)
		}
		return fmt.Errorf("%s %s: status %s", method, path, resp.Status)
	}

	if out == nil {
		return nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return ErrNotFound
	}
	return json.Unmarshal(env.Data, out)
}
