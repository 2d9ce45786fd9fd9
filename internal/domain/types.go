package domain

import (
	"encoding/json"
	"time"
)

type ItemType string

const (
	ItemTypeInput  ItemType = "task-input"
	ItemTypeResult ItemType = "task-result"
)

type StationType string

const (
	StationTypePrompt    StationType = "prompt"
	StationTypeTransform StationType = "transform"
	StationTypeLLM       StationType = "llm"
	StationTypeTool      StationType = "tool"
	StationTypeSchedule  StationType = "schedule"
	StationTypeWebhook   StationType = "webhook"
	StationTypeDisplay   StationType = "display"
)

type WorkerState string

const (
	WorkerStateDormant  WorkerState = "dormant"
	WorkerStateIdle     WorkerState = "idle"
	WorkerStateMoving   WorkerState = "moving"
	WorkerStateWorking  WorkerState = "working"
	WorkerStateConfused WorkerState = "confused"
	WorkerStateHappy    WorkerState = "happy"
	WorkerStateAtNode   WorkerState = "at-node"
)

type BehaviorPhase string

const (
	PhaseIdle           BehaviorPhase = "idle"
	PhaseMovingToSource BehaviorPhase = "moving-to-source"
	PhasePickingUp      BehaviorPhase = "picking-up"
	PhaseMovingToDest   BehaviorPhase = "moving-to-dest"
	PhaseDropping       BehaviorPhase = "dropping"
)

type WorkflowStatus string

const (
	WorkflowStatusRunning WorkflowStatus = "running"
	WorkflowStatusWaiting WorkflowStatus = "waiting_clarification"
	WorkflowStatusDone    WorkflowStatus = "done"
	WorkflowStatusStopped WorkflowStatus = "stopped"
)

type TriggerKind string

const (
	TriggerKindSchedule TriggerKind = "schedule"
	TriggerKindEvent    TriggerKind = "event"
)

// TriggerConfig describes how a station receives task input without a worker
// delivering it.
type TriggerConfig struct {
	Kind      TriggerKind `json:"kind" yaml:"kind"`
	Frequency string      `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	Prompt    string      `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	PollTicks int         `json:"poll_ticks,omitempty" yaml:"poll_ticks,omitempty"`
	URL       string      `json:"url,omitempty" yaml:"url,omitempty"`
}

type TriggerEvent struct {
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type TriggerRegistration struct {
	StationID    uint64      `json:"station_id"`
	Kind         TriggerKind `json:"kind"`
	URL          string      `json:"url,omitempty"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// Event is one journaled engine decision, the simulation's equivalent of a
// decision log row.
type Event struct {
	ID        int64           `json:"id"`
	Tick      uint64          `json:"tick"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Narration struct {
	RunID     string    `json:"run_id"`
	WorkerID  uint64    `json:"worker_id"`
	StationID uint64    `json:"station_id,omitempty"`
	Step      int       `json:"step"`
	Text      string    `json:"text"`
	Tick      uint64    `json:"tick"`
	At        time.Time `json:"at"`
}

type WorkflowRun struct {
	ID         string         `json:"id"`
	WorkerID   uint64         `json:"worker_id"`
	StationIDs []uint64       `json:"station_ids"`
	Input      string         `json:"input"`
	Output     string         `json:"output,omitempty"`
	Status     WorkflowStatus `json:"status"`
	Step       int            `json:"step"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type WorkflowResult struct {
	RunID    string   `json:"run_id"`
	WorkerID uint64   `json:"worker_id"`
	Output   string   `json:"output"`
	Steps    []string `json:"steps"`
}

type Clarification struct {
	RunID     string `json:"run_id"`
	StationID uint64 `json:"station_id"`
	Question  string `json:"question"`
}

type Snapshot struct {
	Tick      uint64         `json:"tick"`
	Workers   []WorkerView   `json:"workers"`
	Stations  []StationView  `json:"stations"`
	Items     []ItemView     `json:"items"`
	Workflows []WorkflowView `json:"workflows"`
}

type WorkerView struct {
	ID         uint64        `json:"id"`
	Name       string        `json:"name"`
	Role       string        `json:"role"`
	X          int           `json:"x"`
	Y          int           `json:"y"`
	PosX       float64       `json:"pos_x"`
	PosY       float64       `json:"pos_y"`
	State      WorkerState   `json:"state"`
	Phase      BehaviorPhase `json:"phase"`
	Carrying   uint64        `json:"carrying,omitempty"`
	PathLen    int           `json:"path_len"`
	Autonomous bool          `json:"autonomous"`
	WorkflowID string        `json:"workflow_id,omitempty"`
}

type StationView struct {
	ID               uint64      `json:"id"`
	Type             StationType `json:"type"`
	X                int         `json:"x"`
	Y                int         `json:"y"`
	Inventory        []uint64    `json:"inventory"`
	Processing       bool        `json:"processing"`
	AwaitingExternal bool        `json:"awaiting_external"`
	Progress         float64     `json:"progress"`
	Result           string      `json:"result,omitempty"`
}

type ItemView struct {
	ID       uint64   `json:"id"`
	Type     ItemType `json:"type"`
	Text     string   `json:"text"`
	Location string   `json:"location"`
	Holder   uint64   `json:"holder,omitempty"`
	X        int      `json:"x"`
	Y        int      `json:"y"`
}

type WorkflowView struct {
	ID       string         `json:"id"`
	WorkerID uint64         `json:"worker_id"`
	Status   WorkflowStatus `json:"status"`
	Step     int            `json:"step"`
	Steps    int            `json:"steps"`
	Payload  string         `json:"payload"`
}

type Topic string

const (
	TopicNarration Topic = "narration"
	TopicEvent     Topic = "event"
	TopicWorkflow  Topic = "workflow"
	TopicSnapshot  Topic = "snapshot"
)

// Message is what the in-process bus fans out to subscribers such as the
// websocket stream.
type Message struct {
	Topic   Topic           `json:"topic"`
	Tick    uint64          `json:"tick"`
	Payload json.RawMessage `json:"payload"`
}
