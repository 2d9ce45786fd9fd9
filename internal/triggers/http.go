package triggers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskyard/internal/domain"
)

var (
	ErrRegisterRejected = errors.New("trigger registration rejected")
	ErrNoEndpoint       = errors.New("trigger has no endpoint")
)

const maxEventBodySize = 1024 * 1024

// HTTPSource talks to a webhook relay: POST <url>/register once, then
// GET <url>/events?station=<id>&since=<rfc3339>.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPSource(baseURL, token string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  client,
	}
}

func (s *HTTPSource) endpoint(cfg domain.TriggerConfig) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		base = s.baseURL
	}
	if base == "" {
		return "", ErrNoEndpoint
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return "", fmt.Errorf("invalid trigger endpoint %q: %w", base, err)
	}
	return base, nil
}

func (s *HTTPSource) Register(ctx context.Context, stationID uint64, cfg domain.TriggerConfig) error {
	base, err := s.endpoint(cfg)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{
		"station_id": stationID,
		"kind":       cfg.Kind,
	})
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("register station %d: %w", stationID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxEventBodySize))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("register station %d status=%d: %w", stationID, resp.StatusCode, ErrRegisterRejected)
	}
	return nil
}

func (s *HTTPSource) Poll(ctx context.Context, stationID uint64, cfg domain.TriggerConfig, since time.Time) ([]domain.TriggerEvent, error) {
	base, err := s.endpoint(cfg)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("station", strconv.FormatUint(stationID, 10))
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/events?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create poll request: %w", err)
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll station %d: %w", stationID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("poll station %d status=%d", stationID, resp.StatusCode)
	}
	var out struct {
		Events []domain.TriggerEvent `json:"events"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxEventBodySize)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	for i := range out.Events {
		if out.Events[i].Source == "" {
			out.Events[i].Source = "webhook"
		}
	}
	return out.Events, nil
}

func (s *HTTPSource) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}
