//go:build unix

// Package apiclient talks to the scopectl daemon over its unix socket.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/gurisko/scopectl/internal/limits"
	"github.com/gurisko/scopectl/internal/paths"
)

type Client struct {
	http       *http.Client
	baseURL    string
	socketPath string
	// retryWindow bounds how long a stream connect is retried
	retryWindow time.Duration
}

// New returns a client for the daemon listening on socketPath, or on the
// default socket when socketPath is empty
func New(socketPath string) *Client {
	if socketPath == "" {
		socketPath = paths.DefaultSocketPath()
	}
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		http:        &http.Client{Transport: tr}, // no Timeout; use ctx per-request
		baseURL:     "http://unix",
		socketPath:  socketPath,
		retryWindow: 2 * time.Second,
	}
}

type APIError struct {
	StatusCode int
	Body       []byte
	Message    string // parsed from {"error": "..."} if present
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, string(e.Body))
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, limits.ErrorBody))
	var m struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(b, &m)
	return &APIError{StatusCode: resp.StatusCode, Body: b, Message: m.Error}
}

func (c *Client) do(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.wrapConnErr(err)
	}
	return resp, nil
}

func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.getJSON(ctx, path, out, limits.JSON)
}

func (c *Client) getJSON(ctx context.Context, path string, out any, limit int64) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, limit)).Decode(out)
}

func (c *Client) PostJSON(ctx context.Context, path string, in any, out any) error {
	resp, err := c.do(ctx, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, limits.JSON)).Decode(out)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func IsNotFound(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.StatusCode == http.StatusNotFound
}

// ErrDaemonUnavailable marks a failure to reach the daemon socket at all
var ErrDaemonUnavailable = errors.New("daemon unavailable")

// wrapConnErr adds a start hint when the daemon isn't running / socket missing
func (c *Client) wrapConnErr(err error) error {
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) ||
		strings.Contains(err.Error(), "connect: no such file or directory") ||
		strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: cannot connect to scopectl daemon at %s; is it running? try `scopectl daemon start` (%v)",
			ErrDaemonUnavailable, c.socketPath, err)
	}
	return err
}
