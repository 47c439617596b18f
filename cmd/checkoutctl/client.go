package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/outcome"
)

// apiClient talks to the donation API the way the web client does.
type apiClient struct {
	base   string
	origin string
	http   *http.Client
}

func newAPIClient(base, origin string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), origin: origin, http: &http.Client{Timeout: 10 * time.Second}}
}

type attemptView struct {
	outcome.AttemptView
	OpenWindow *struct {
		URL      string `json:"url"`
		Features string `json:"features"`
	} `json:"open_window,omitempty"`
}

func (c *apiClient) do(ctx context.Context, method, path string, headers map[string]string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) start(ctx context.Context, req map[string]any) (string, error) {
	var resp struct {
		AttemptID string `json:"attempt_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/donations", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.AttemptID, nil
}

func (c *apiClient) status(ctx context.Context, attemptID string) (attemptView, error) {
	var view attemptView
	_, err := c.do(ctx, http.MethodGet, "/api/donations/"+attemptID, nil, nil, &view)
	return view, err
}

func (c *apiClient) window(ctx context.Context, attemptID, event string, opened bool) (bool, error) {
	var in any
	if event == "opened" {
		in = map[string]bool{"opened": opened}
	}
	var out struct {
		Close bool `json:"close"`
	}
	_, err := c.do(ctx, http.MethodPost, "/api/relay/windows/"+attemptID+"/"+event, nil, in, &out)
	return out.Close, err
}

func (c *apiClient) message(ctx context.Context, attemptID string, data map[string]any) error {
	_, err := c.do(ctx, http.MethodPost, "/api/relay/messages", nil, map[string]any{"attempt_id": attemptID, "data": data}, nil)
	return err
}

func (c *apiClient) webhook(ctx context.Context, token string, payload map[string]any) error {
	_, err := c.do(ctx, http.MethodPost, "/api/webhooks/xendit", map[string]string{"x-callback-token": token}, payload, nil)
	return err
}

// follow drives an attempt like a browser whose popups are never blocked:
// it reports the window as opened, heartbeats while waiting and returns the
// resolved view.
func (c *apiClient) follow(ctx context.Context, attemptID string, every time.Duration, progress func(attemptView)) (attemptView, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var last outcome.AttemptStatus
	for {
		view, err := c.status(ctx, attemptID)
		if err != nil {
			return attemptView{}, err
		}
		if view.Status != last {
			progress(view)
			last = view.Status
		}
		switch view.Status {
		case outcome.AttemptResolved, outcome.AttemptPopupBlocked, outcome.AttemptFailedToStart:
			return view, nil
		case outcome.AttemptOpening:
			if view.OpenWindow != nil {
				if _, err := c.window(ctx, attemptID, "opened", true); err != nil {
					return attemptView{}, err
				}
			}
		case outcome.AttemptAwaiting:
			if closeRequested, err := c.window(ctx, attemptID, "heartbeat", false); err == nil && closeRequested {
				_, _ = c.window(ctx, attemptID, "closed", false)
			}
		}
		select {
		case <-ctx.Done():
			return attemptView{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
