package notify

import (
	"sync"

	"github.com/skyforge/launcher/launcher/internal/catalog"
)

// EventType names the lifecycle notifications sent to the UI.
type EventType string

const (
	EventStarted   EventType = "install-started"
	EventProgress  EventType = "install-progress"
	EventFinished  EventType = "install-finished"
	EventCancelled EventType = "install-cancelled"
	EventError     EventType = "install-error"
)

// Phase labels an install-progress event.
type Phase string

const (
	PhasePreparing Phase = "preparing"
	PhaseRuntime   Phase = "runtime-check"
	PhaseTool      Phase = "patch-tool-check"
	PhaseDownload  Phase = "bundle-download"
	PhasePatch     Phase = "patching"
	PhaseFinalize  Phase = "finalizing"
)

// Indeterminate is the percent value used when progress cannot be computed.
const Indeterminate = -1

// Code is the stable error code that crosses the UI boundary. Diagnostic text stays in logs.
type Code string

const (
	CodeNetwork           Code = "network"
	CodeChecksumMismatch  Code = "checksum-mismatch"
	CodeProcessSpawn      Code = "process-spawn"
	CodeProcessExit       Code = "process-exit"
	CodeDependencyMissing Code = "dependency-missing"
	CodeFilesystem        Code = "filesystem"
	CodeInternal          Code = "internal"
)

// Progress is a single progress report of one phase.
type Progress struct {
	Phase   Phase `json:"phase"`
	Percent int   `json:"percent"`
	Current int64 `json:"current,omitempty"`
	Total   int64 `json:"total,omitempty"`
}

// ProgressFunc receives progress reports.
type ProgressFunc func(Progress)

// Event is one ordered notification of an install operation.
type Event struct {
	Type    EventType        `json:"type"`
	Key     catalog.Key      `json:"-"`
	Channel catalog.Channel  `json:"channel"`
	Build   int              `json:"buildIndex"`
	Phase   Phase            `json:"phase,omitempty"`
	Percent *int             `json:"percent,omitempty"`
	Current int64            `json:"current,omitempty"`
	Total   int64            `json:"total,omitempty"`
	Version *catalog.Version `json:"version,omitempty"`
	Code    Code             `json:"code,omitempty"`
}

// Sink consumes install events. Implementations must be safe for concurrent use since
// installs of distinct keys may run in parallel.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) {
	f(e)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type multiSink struct {
	sinks []Sink
}

// Multi fans events out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) Publish(e Event) {
	for _, s := range m.sinks {
		s.Publish(e)
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in delivery order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
