package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"taskyard/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func (c *client) snapshot() (domain.Snapshot, error) {
	var out domain.Snapshot
	err := c.getJSON("/snapshot", &out)
	return out, err
}

func (c *client) listEvents(limit int) ([]domain.Event, error) {
	var out []domain.Event
	if err := c.getJSON(fmt.Sprintf("/events?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) startWorkflow(workerID uint64, stationIDs []uint64, input string) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	err := c.postJSON("/workflows", map[string]any{
		"worker_id":   workerID,
		"station_ids": stationIDs,
		"input":       input,
	}, &out)
	return out.RunID, err
}

func (c *client) answer(runID, reply string) error {
	return c.postJSON("/workflows/"+url.PathEscape(runID)+"/clarification", map[string]any{"reply": reply}, nil)
}

func (c *client) injectInput(stationID uint64, text string) error {
	return c.postJSON(fmt.Sprintf("/stations/%d/items", stationID), map[string]any{"text": text}, nil)
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(c.baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

type embeddedServer struct {
	cmd *exec.Cmd
}

// startEmbeddedServer runs taskyard as a child process on the port of addr.
func startEmbeddedServer(addr, binary, dbPath string, demo bool) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"-addr", ":" + port, "-db", dbPath}
	if demo {
		args = append(args, "-demo")
	}
	var cmd *exec.Cmd
	switch {
	case strings.TrimSpace(binary) != "":
		cmd = exec.Command(binary, args...)
	default:
		if self, err := os.Executable(); err == nil {
			sibling := filepath.Join(filepath.Dir(self), "taskyard")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/taskyard"}, args...)...)
			cmd.Dir, _ = os.Getwd()
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start taskyard process: %w", err)
	}
	return &embeddedServer{cmd: cmd}, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
