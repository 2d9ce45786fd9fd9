package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"taskyard/internal/domain"
	"taskyard/internal/grid"
)

// Layout is the initial population of a workspace.
type Layout struct {
	Stations []StationLayout `yaml:"stations"`
	Workers  []WorkerLayout  `yaml:"workers"`
}

type StationLayout struct {
	Name    string                `yaml:"name"`
	Type    domain.StationType    `yaml:"type"`
	X       int                   `yaml:"x"`
	Y       int                   `yaml:"y"`
	Config  map[string]string     `yaml:"config,omitempty"`
	Trigger *domain.TriggerConfig `yaml:"trigger,omitempty"`
}

type WorkerLayout struct {
	Name       string `yaml:"name"`
	Role       string `yaml:"role"`
	X          int    `yaml:"x"`
	Y          int    `yaml:"y"`
	Autonomous *bool  `yaml:"autonomous,omitempty"`
}

// Placer is the subset of the simulation loop a layout needs.
type Placer interface {
	PlaceStation(ctx context.Context, t domain.StationType, c grid.Cell, cfg map[string]string) (uint64, error)
	PlaceWorker(ctx context.Context, name, role string, c grid.Cell) (uint64, error)
	SetAutonomous(ctx context.Context, id uint64, on bool) error
	ConfigureTrigger(ctx context.Context, stationID uint64, cfg domain.TriggerConfig) error
}

// Placed maps layout names to the ids the simulation assigned.
type Placed struct {
	Stations map[string]uint64
	Workers  map[string]uint64
}

func LoadLayout(path string) (Layout, error) {
	resolved, err := expandHome(path)
	if err != nil {
		return Layout{}, err
	}
	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Layout{}, fmt.Errorf("read layout file %s: %w", resolved, err)
	}
	return ParseLayout(bytes)
}

func ParseLayout(data []byte) (Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Layout{}, fmt.Errorf("decode layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func (l Layout) Validate() error {
	seen := make(map[string]bool, len(l.Stations))
	for i, st := range l.Stations {
		if strings.TrimSpace(string(st.Type)) == "" {
			return fmt.Errorf("layout station %d: type is required", i)
		}
		if st.Name == "" {
			continue
		}
		if seen[st.Name] {
			return fmt.Errorf("layout station %d: duplicate name %q", i, st.Name)
		}
		seen[st.Name] = true
	}
	for i, wk := range l.Workers {
		if strings.TrimSpace(wk.Name) == "" {
			return fmt.Errorf("layout worker %d: name is required", i)
		}
	}
	return nil
}

// Apply places every station, then every worker. It stops at the first
// failure.
func (l Layout) Apply(ctx context.Context, p Placer) (Placed, error) {
	placed := Placed{
		Stations: make(map[string]uint64, len(l.Stations)),
		Workers:  make(map[string]uint64, len(l.Workers)),
	}
	for _, st := range l.Stations {
		id, err := p.PlaceStation(ctx, st.Type, grid.Cell{X: st.X, Y: st.Y}, st.Config)
		if err != nil {
			return placed, fmt.Errorf("place layout station %q: %w", st.Name, err)
		}
		if st.Name != "" {
			placed.Stations[st.Name] = id
		}
		if st.Trigger != nil {
			if err := p.ConfigureTrigger(ctx, id, *st.Trigger); err != nil {
				return placed, fmt.Errorf("configure layout trigger %q: %w", st.Name, err)
			}
		}
	}
	for _, wk := range l.Workers {
		id, err := p.PlaceWorker(ctx, wk.Name, wk.Role, grid.Cell{X: wk.X, Y: wk.Y})
		if err != nil {
			return placed, fmt.Errorf("place layout worker %q: %w", wk.Name, err)
		}
		placed.Workers[wk.Name] = id
		if wk.Autonomous != nil && !*wk.Autonomous {
			if err := p.SetAutonomous(ctx, id, false); err != nil {
				return placed, fmt.Errorf("set layout worker autonomy %q: %w", wk.Name, err)
			}
		}
	}
	return placed, nil
}

// Demo is a prompt to llm to display chain fed by a schedule trigger, with
// two autonomous workers.
func Demo() Layout {
	return Layout{
		Stations: []StationLayout{
			{Name: "ticker", Type: domain.StationTypeSchedule, X: 0, Y: 0, Config: map[string]string{"frequency": "every_10s", "prompt": "Summarize what changed"}},
			{Name: "prompt", Type: domain.StationTypePrompt, X: 4, Y: 0},
			{Name: "llm", Type: domain.StationTypeLLM, X: 8, Y: 0},
			{Name: "tidy", Type: domain.StationTypeTransform, X: 8, Y: 4},
			{Name: "board", Type: domain.StationTypeDisplay, X: 12, Y: 0, Config: map[string]string{"export": "true"}},
		},
		Workers: []WorkerLayout{
			{Name: "ada", Role: "runner", X: 2, Y: 2},
			{Name: "lin", Role: "runner", X: 6, Y: 3},
		},
	}
}
