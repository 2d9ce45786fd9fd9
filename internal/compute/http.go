package compute

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultRetries           = 2
	defaultRetryBackoff      = 1500 * time.Millisecond
	defaultTimeout           = 90 * time.Second
	defaultMaxOutputBytes    = 1024 * 1024
	maxHTTPErrorBodyReadSize = 64 * 1024
)

type HTTPConfig struct {
	Endpoint       string
	Model          string
	AuthToken      string
	Timeout        time.Duration
	Retries        int
	RetryBackoff   time.Duration
	MaxOutputBytes int
	Logger         *log.Logger
	Client         *http.Client
}

// HTTPProcessor posts requests as JSON to a single endpoint. The endpoint may
// answer with a JSON body or with a server-sent event stream of output deltas.
type HTTPProcessor struct {
	endpoint       string
	model          string
	authToken      string
	retries        int
	retryBackoff   time.Duration
	maxOutputBytes int
	logger         *log.Logger
	client         *http.Client
}

func NewHTTPProcessor(cfg HTTPConfig) (*HTTPProcessor, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty compute endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid compute endpoint %q: %w", endpoint, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	if retries == 0 {
		retries = defaultRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	maxOutputBytes := cfg.MaxOutputBytes
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultMaxOutputBytes
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPProcessor{
		endpoint:       endpoint,
		model:          strings.TrimSpace(cfg.Model),
		authToken:      strings.TrimSpace(cfg.AuthToken),
		retries:        retries,
		retryBackoff:   retryBackoff,
		maxOutputBytes: maxOutputBytes,
		logger:         cfg.Logger,
		client:         client,
	}, nil
}

func (p *HTTPProcessor) Process(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 1; attempt <= p.retries+1; attempt++ {
		resp, err := p.processOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryableAPIError(err) || attempt == p.retries+1 {
			break
		}
		wait := time.Duration(attempt) * p.retryBackoff
		p.logger.Printf("compute retry station=%d attempt=%d wait=%s reason=%v", req.StationID, attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown compute error")
	}
	return Response{}, lastErr
}

func (p *HTTPProcessor) processOnce(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(processRequest{
		Model:       p.model,
		StationID:   req.StationID,
		StationType: string(req.StationType),
		Input:       req.Input,
		Config:      req.Config,
		RunID:       req.RunID,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal compute request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create compute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if p.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("compute request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return Response{}, fmt.Errorf("compute status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return Response{}, apiHTTPError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(body)),
		}
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readOutputStream(resp.Body, p.maxOutputBytes)
	}
	var out processResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, int64(p.maxOutputBytes)+1))
	if err := dec.Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode compute response: %w", err)
	}
	if out.Error != nil {
		return Response{}, fmt.Errorf("compute error: %s", out.Error.Message)
	}
	if strings.TrimSpace(out.Output) == "" && strings.TrimSpace(out.Clarification) == "" {
		return Response{}, fmt.Errorf("empty compute output")
	}
	return Response{Output: out.Output, Metadata: out.Metadata, Clarification: out.Clarification}, nil
}

func isRetryableAPIError(err error) bool {
	var statusErr apiHTTPError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// readOutputStream collects "output.delta" events until "output.completed".
// A completed event carrying the whole response is used when no deltas came.
func readOutputStream(body io.Reader, maxBytes int) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBytes+64*1024)

	var output strings.Builder
	var final Response
	var dataLines []string
	processEvent := func(lines []string) error {
		if len(lines) == 0 {
			return nil
		}
		data := strings.TrimSpace(strings.Join(lines, "\n"))
		if data == "" || data == "[DONE]" {
			return nil
		}
		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("unmarshal stream event: %w", err)
		}
		if event.Error != nil {
			return fmt.Errorf("compute stream error: %s", event.Error.Message)
		}
		switch event.Type {
		case "output.delta":
			if output.Len()+len(event.Delta) > maxBytes {
				return fmt.Errorf("compute output exceeds %d bytes", maxBytes)
			}
			output.WriteString(event.Delta)
		case "output.completed":
			if event.Response == nil {
				return nil
			}
			final.Metadata = event.Response.Metadata
			final.Clarification = event.Response.Clarification
			if output.Len() == 0 {
				if len(event.Response.Output) > maxBytes {
					return fmt.Errorf("compute output exceeds %d bytes", maxBytes)
				}
				output.WriteString(event.Response.Output)
			}
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := processEvent(dataLines); err != nil {
				return Response{}, err
			}
			dataLines = dataLines[:0]
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, err
	}
	if err := processEvent(dataLines); err != nil {
		return Response{}, err
	}
	final.Output = strings.TrimSpace(output.String())
	if final.Output == "" && final.Clarification == "" {
		return Response{}, fmt.Errorf("empty output stream")
	}
	return final, nil
}

type processRequest struct {
	Model       string            `json:"model,omitempty"`
	StationID   uint64            `json:"station_id"`
	StationType string            `json:"station_type"`
	Input       string            `json:"input"`
	Config      map[string]string `json:"config,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
}

type processResponse struct {
	Output        string            `json:"output"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Clarification string            `json:"clarification,omitempty"`
	Error         *apiErrorBody     `json:"error,omitempty"`
}

type streamEvent struct {
	Type     string           `json:"type"`
	Delta    string           `json:"delta,omitempty"`
	Response *processResponse `json:"response,omitempty"`
	Error    *apiErrorBody    `json:"error,omitempty"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type apiHTTPError struct {
	statusCode int
	body       string
}

func (e apiHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("compute status=%d", e.statusCode)
	}
	return fmt.Sprintf("compute status=%d body=%s", e.statusCode, e.body)
}
