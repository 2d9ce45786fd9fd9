package sim

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskyard/internal/domain"
	"taskyard/internal/world"
)

const DefaultFrequency = "every_minute"

// frequencyTicks maps schedule labels to intervals at 10 ticks per second.
var frequencyTicks = map[string]uint64{
	"every_10s":        100,
	"every_minute":     600,
	"every_5_minutes":  3000,
	"every_15_minutes": 9000,
	"hourly":           36000,
	"daily":            864000,
}

// FrequencyTicks returns the interval for a schedule label. Unknown labels
// run every minute.
func FrequencyTicks(label string) uint64 {
	if n, ok := frequencyTicks[strings.TrimSpace(label)]; ok {
		return n
	}
	return frequencyTicks[DefaultFrequency]
}

type triggerState struct {
	cfg domain.TriggerConfig
	// next is the first tick at which the trigger may act again.
	next        uint64
	registered  bool
	registering bool
	polling     bool
	since       time.Time
}

func triggerFromConfig(kind domain.TriggerKind, cfg map[string]string) domain.TriggerConfig {
	tc := domain.TriggerConfig{
		Kind:      kind,
		Frequency: cfg["frequency"],
		Prompt:    cfg["prompt"],
		URL:       cfg["url"],
	}
	if n, err := strconv.Atoi(cfg["poll_ticks"]); err == nil && n > 0 {
		tc.PollTicks = n
	}
	return tc
}

// ConfigureTrigger sets or replaces the trigger of a schedule or webhook
// station. Replacing an event trigger keeps its registration.
func (e *Engine) ConfigureTrigger(stationID uint64, cfg domain.TriggerConfig) error {
	st, ok := e.world.Station(stationID)
	if !ok {
		return fmt.Errorf("configure trigger on station %d: %w", stationID, world.ErrNotFound)
	}
	if st.Spec.Trigger == "" {
		return fmt.Errorf("configure trigger on %s station %d: %w", st.Type(), stationID, ErrNotTrigger)
	}
	cfg.Kind = st.Spec.Trigger
	if cfg.Kind == domain.TriggerKindSchedule && cfg.Frequency == "" {
		cfg.Frequency = DefaultFrequency
	}
	prev := e.triggers[stationID]
	ts := &triggerState{cfg: cfg}
	switch cfg.Kind {
	case domain.TriggerKindSchedule:
		ts.next = e.world.Tick() + FrequencyTicks(cfg.Frequency)
	case domain.TriggerKindEvent:
		ts.next = e.world.Tick()
		if prev != nil {
			ts.registered = prev.registered
			ts.registering = prev.registering
			ts.polling = prev.polling
			ts.since = prev.since
		}
	}
	c := cfg
	st.Trigger = &c
	e.triggers[stationID] = ts
	return nil
}

func (e *Engine) pollTriggers() {
	tick := e.world.Tick()
	for _, st := range e.world.Stations() {
		ts, ok := e.triggers[st.ID]
		if !ok || tick < ts.next {
			continue
		}
		switch ts.cfg.Kind {
		case domain.TriggerKindSchedule:
			ts.next = tick + FrequencyTicks(ts.cfg.Frequency)
			payload := ts.cfg.Prompt
			if payload == "" {
				payload = fmt.Sprintf("Scheduled run at tick %d", tick)
			}
			e.fire(st, payload, "schedule")
		case domain.TriggerKindEvent:
			e.pollEvents(st, ts)
		}
	}
}

func (e *Engine) pollEvents(st *world.Station, ts *triggerState) {
	if e.source == nil {
		return
	}
	interval := ts.cfg.PollTicks
	if interval <= 0 {
		interval = e.cfg.EventPollTicks
	}
	ts.next = e.world.Tick() + uint64(interval)
	id, cfg := st.ID, ts.cfg
	if !ts.registered {
		if ts.registering {
			return
		}
		ts.registering = true
		e.launch(e.cfg.PollTimeout, func(ctx context.Context) completion {
			err := e.source.Register(ctx, id, cfg)
			return completion{kind: completionRegister, stationID: id, err: err}
		})
		return
	}
	if ts.polling {
		return
	}
	ts.polling = true
	since := ts.since
	e.launch(e.cfg.PollTimeout, func(ctx context.Context) completion {
		events, err := e.source.Poll(ctx, id, cfg, since)
		return completion{kind: completionPoll, stationID: id, events: events, err: err}
	})
}

func (e *Engine) applyRegistration(c completion) {
	ts, ok := e.triggers[c.stationID]
	if !ok {
		return
	}
	ts.registering = false
	if c.err != nil {
		e.debugf("trigger registration failed station=%d: %v", c.stationID, c.err)
		return
	}
	if ts.registered {
		return
	}
	ts.registered = true
	if e.journal != nil {
		reg := domain.TriggerRegistration{
			StationID:    c.stationID,
			Kind:         ts.cfg.Kind,
			URL:          ts.cfg.URL,
			RegisteredAt: e.now().UTC(),
		}
		if err := e.journal.RecordTriggerRegistration(context.Background(), reg); err != nil {
			e.logger.Printf("journal trigger registration failed station=%d: %v", c.stationID, err)
		}
	}
	e.record("trigger", "registered", string(ts.cfg.Kind), map[string]any{"station_id": c.stationID})
}

func (e *Engine) applyPoll(c completion) {
	ts, ok := e.triggers[c.stationID]
	if !ok {
		return
	}
	ts.polling = false
	if c.err != nil {
		e.debugf("trigger poll failed station=%d: %v", c.stationID, c.err)
		return
	}
	st, ok := e.world.Station(c.stationID)
	if !ok {
		return
	}
	for _, ev := range c.events {
		if ev.Timestamp.After(ts.since) {
			ts.since = ev.Timestamp
		}
		src := ev.Source
		if src == "" {
			src = "event"
		}
		e.fire(st, ev.Payload, src)
	}
}

func (e *Engine) fire(st *world.Station, payload, source string) {
	it, ok := e.world.InjectInput(st.ID, payload, map[string]string{"source": source})
	if !ok {
		return
	}
	e.record("trigger", "fired", source, map[string]any{"station_id": st.ID, "item_id": it.ID})
}
