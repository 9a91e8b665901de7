package calsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPProvider talks to a REST calendar bridge:
//
//	POST   {base}/events        -> 201 {"id": "..."}
//	PUT    {base}/events/{id}   -> 2xx
//	DELETE {base}/events/{id}   -> 2xx or 404/410 (already gone)
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPProvider(baseURL, token string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

type createEventResponse struct {
	ID string `json:"id"`
}

func (p *HTTPProvider) CreateEvent(ctx context.Context, ev Event) (string, error) {
	body, err := p.do(ctx, http.MethodPost, "/events", ev)
	if err != nil {
		return "", err
	}

	var resp createEventResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
		return "", Permanent("create event: response carries no event id")
	}
	return resp.ID, nil
}

func (p *HTTPProvider) UpdateEvent(ctx context.Context, eventID string, ev Event) error {
	_, err := p.do(ctx, http.MethodPut, "/events/"+url.PathEscape(eventID), ev)
	return err
}

func (p *HTTPProvider) DeleteEvent(ctx context.Context, eventID string) error {
	_, err := p.do(ctx, http.MethodDelete, "/events/"+url.PathEscape(eventID), nil)
	var perm *PermanentError
	if errors.As(err, &perm) {
		var se *statusError
		if errors.As(perm.Err, &se) && (se.code == http.StatusNotFound || se.code == http.StatusGone) {
			return nil
		}
	}
	return err
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("calendar responded %d: %s", e.code, e.body)
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, Permanent("encode event: %v", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, Permanent("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// network failures and deadline overruns are retried
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	return body, classifyStatus(resp.StatusCode, body)
}

func classifyStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	se := &statusError{code: code, body: strings.TrimSpace(string(body))}
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return &TransientError{Err: se}
	default:
		return &PermanentError{Err: se}
	}
}
