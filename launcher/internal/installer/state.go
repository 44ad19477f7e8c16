package installer

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/skyforge/launcher/launcher/internal/catalog"
)

// State is the lifecycle state of one install job.
type State string

const (
	StateIdle            State = "idle"
	StatePreparing       State = "preparing"
	StateEnsuringRuntime State = "ensuring-runtime"
	StateEnsuringTool    State = "ensuring-tool"
	StateDownloading     State = "downloading"
	StatePatching        State = "patching"
	StateFinalizing      State = "finalizing"
	StateDone            State = "done"
	StateCancelled       State = "cancelled"
	StateFailed          State = "failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:            {StatePreparing},
	StatePreparing:       {StateEnsuringRuntime, StateDone},
	StateEnsuringRuntime: {StateEnsuringTool},
	StateEnsuringTool:    {StateDownloading},
	StateDownloading:     {StatePatching, StateCancelled},
	StatePatching:        {StateFinalizing},
	StateFinalizing:      {StateDone},
}

func canTransition(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// jobStates tracks the latest job state of every install key.
type jobStates struct {
	mu     sync.Mutex
	states map[catalog.Key]State
}

func newJobStates() *jobStates {
	return &jobStates{states: make(map[catalog.Key]State)}
}

func (j *jobStates) get(key catalog.Key) State {
	j.mu.Lock()
	defer j.mu.Unlock()
	if s, ok := j.states[key]; ok {
		return s
	}
	return StateIdle
}

// reset starts a new job for key.
func (j *jobStates) reset(key catalog.Key) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.states[key] = StateIdle
}

func (j *jobStates) transition(key catalog.Key, to State) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	from, ok := j.states[key]
	if !ok {
		from = StateIdle
	}
	if !canTransition(from, to) {
		log.Errorf("invalid install state transition for %s: %s -> %s", key, from, to)
		return fmt.Errorf("invalid install state transition %s -> %s", from, to)
	}
	j.states[key] = to
	return nil
}
