// Package export writes results delivered to display stations onto disk.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"taskyard/internal/domain"
	"taskyard/internal/sim"
)

var ErrExportDenied = errors.New("export is not enabled for station")

// Policy decides whether a delivery may be written.
type Policy interface {
	CanExport(d sim.Delivery) (bool, string)
}

type ChangeLogger interface {
	LogEvent(ctx context.Context, ev domain.Event) error
}

// ConfigPolicy allows stations whose config sets export=true and rejects
// texts larger than MaxBytes.
type ConfigPolicy struct {
	MaxBytes int
}

func (p ConfigPolicy) CanExport(d sim.Delivery) (bool, string) {
	on, _ := strconv.ParseBool(strings.TrimSpace(d.StationConfig["export"]))
	if !on {
		return false, "export disabled"
	}
	if p.MaxBytes > 0 && len(d.Text) > p.MaxBytes {
		return false, fmt.Sprintf("result exceeds %d bytes", p.MaxBytes)
	}
	return true, "allowed"
}

type Exporter struct {
	root   string
	policy Policy
	logger ChangeLogger
}

func NewExporter(root string, policy Policy, logger ChangeLogger) (*Exporter, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve export root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create export root: %w", err)
	}
	if policy == nil {
		policy = ConfigPolicy{}
	}
	return &Exporter{root: absRoot, policy: policy, logger: logger}, nil
}

func (x *Exporter) Root() string { return x.root }

// Export writes d to <root>/<dir>/<item>.txt where dir is the station's
// export_dir config value or its id. It returns the path relative to root.
func (x *Exporter) Export(ctx context.Context, d sim.Delivery) (string, error) {
	dir := strings.TrimSpace(d.StationConfig["export_dir"])
	if dir == "" {
		dir = strconv.FormatUint(d.StationID, 10)
	}
	relPath := dir + "/" + strconv.FormatUint(d.ItemID, 10) + ".txt"

	absPath, normalized, err := x.resolve(relPath)
	if err != nil {
		x.log(ctx, d, "export_denied", err.Error(), relPath)
		return "", err
	}
	if ok, reason := x.policy.CanExport(d); !ok {
		x.log(ctx, d, "export_denied", reason, normalized)
		return "", fmt.Errorf("%w: %s", ErrExportDenied, reason)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, []byte(d.Text), 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	x.log(ctx, d, "export", "written", normalized)
	return normalized, nil
}

func (x *Exporter) log(ctx context.Context, d sim.Delivery, action, reason, path string) {
	if x.logger == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"station_id": d.StationID,
		"item_id":    d.ItemID,
		"path":       path,
	})
	_ = x.logger.LogEvent(ctx, domain.Event{
		Tick:      d.Tick,
		Actor:     "export",
		Action:    action,
		Reason:    reason,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
}

func (x *Exporter) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	absClean := filepath.Clean(filepath.Join(x.root, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(filepath.Clean(x.root), absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", "", fmt.Errorf("path escapes export root: %q", relPath)
	}
	return absClean, filepath.ToSlash(rel), nil
}
