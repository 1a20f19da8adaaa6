package timer

import (
	"stillpoint/internal/domain"
)

// Hooks receive transition emissions synchronously, in the call that caused them.
type Hooks struct {
	OnEnter    func(p domain.Phase, index int)
	OnExit     func(p domain.Phase, index int)
	OnComplete func()
}

// Snapshot is the externally visible timer state.
type Snapshot struct {
	PhaseID       string           `json:"phase_id,omitempty"`
	PhaseName     string           `json:"phase,omitempty"`
	Kind          domain.PhaseKind `json:"kind,omitempty"`
	Index         int              `json:"index"`
	PhaseCount    int              `json:"phase_count"`
	TimeLeft      int              `json:"time_left_seconds"`
	PhaseDuration int              `json:"phase_duration_seconds"`
	Running       bool             `json:"running"`
	Paused        bool             `json:"paused"`
	Cycle         int              `json:"cycle"`
	Cycles        int              `json:"cycles,omitempty"`
	Elapsed       int              `json:"elapsed_seconds"`
	Total         int              `json:"total_seconds"`
	Completed     bool             `json:"completed"`
}

// PhaseTimer is a countdown state machine over an ordered list of phases.
// It is not safe for concurrent use; callers serialize access.
type PhaseTimer struct {
	hooks Hooks

	phases   []domain.Phase
	index    int
	timeLeft int
	running  bool
	paused   bool
	started  bool

	cyclic    bool
	cycles    int
	cycle     int
	completed bool
}

func New(h Hooks) *PhaseTimer {
	return &PhaseTimer{hooks: h}
}

// SetHooks replaces the emission hooks.
func (t *PhaseTimer) SetHooks(h Hooks) { t.hooks = h }

// Select loads a single-pass phase list and resets the timer.
func (t *PhaseTimer) Select(phases []domain.Phase) error {
	return t.load(phases, false, 0)
}

// SelectCycles loads a phase list that repeats. Each wrap back to the first
// phase counts one cycle; the session completes after n cycles, or never when n is 0.
func (t *PhaseTimer) SelectCycles(phases []domain.Phase, n int) error {
	if n < 0 {
		return domain.NewError(domain.InvalidSessionInput, "cycle count must not be negative")
	}
	return t.load(phases, true, n)
}

func (t *PhaseTimer) load(phases []domain.Phase, cyclic bool, n int) error {
	if len(phases) == 0 {
		return domain.NewError(domain.InvalidSessionInput, "phase list is empty")
	}
	for i, p := range phases {
		if p.DurationSeconds < 0 {
			return domain.NewError(domain.InvalidSessionInput, "phase %d (%s) has negative duration", i, p.Name)
		}
	}
	t.phases = append([]domain.Phase(nil), phases...)
	t.cyclic = cyclic
	t.cycles = n
	t.completed = false
	t.resetState()
	return nil
}

func (t *PhaseTimer) resetState() {
	t.index = 0
	t.timeLeft = t.phases[0].DurationSeconds
	t.running = false
	t.paused = false
	t.started = false
	t.cycle = 0
}

// Start begins the countdown. The first start of a selection enters phase 0.
func (t *PhaseTimer) Start() error {
	if len(t.phases) == 0 {
		return domain.NewError(domain.InvalidSessionInput, "no phases selected")
	}
	if t.running {
		return nil
	}
	t.running = true
	t.paused = false
	if !t.started {
		t.started = true
		t.completed = false
		t.enter()
		t.settle()
	}
	return nil
}

func (t *PhaseTimer) Pause() {
	if t.running {
		t.paused = true
	}
}

func (t *PhaseTimer) Resume() {
	if t.running {
		t.paused = false
	}
}

// Tick advances the countdown by one second. It has no effect unless running and not paused.
func (t *PhaseTimer) Tick() {
	if !t.running || t.paused {
		return
	}
	if t.timeLeft > 0 {
		t.timeLeft--
	}
	t.settle()
}

// Skip ends the current phase immediately with the same emissions as natural expiry.
func (t *PhaseTimer) Skip() {
	if !t.started {
		return
	}
	if t.advance() {
		return
	}
	t.settle()
}

// Reset returns to the first phase without emitting anything.
func (t *PhaseTimer) Reset() {
	if len(t.phases) == 0 {
		return
	}
	t.completed = false
	t.resetState()
}

// settle performs transitions while the current phase has no time left,
// at most once per phase so zero-length lists terminate.
func (t *PhaseTimer) settle() {
	for i := 0; t.timeLeft == 0 && i < len(t.phases); i++ {
		if t.advance() {
			return
		}
	}
}

// advance exits the current phase and enters the next one. It returns true
// when the session completed.
func (t *PhaseTimer) advance() bool {
	if t.hooks.OnExit != nil {
		t.hooks.OnExit(t.phases[t.index], t.index)
	}
	next := t.index + 1
	if next >= len(t.phases) {
		if !t.cyclic {
			t.complete()
			return true
		}
		t.cycle++
		if t.cycles > 0 && t.cycle >= t.cycles {
			t.complete()
			return true
		}
		next = 0
	}
	t.index = next
	t.timeLeft = t.phases[next].DurationSeconds
	t.enter()
	return false
}

func (t *PhaseTimer) enter() {
	if t.hooks.OnEnter != nil {
		t.hooks.OnEnter(t.phases[t.index], t.index)
	}
}

func (t *PhaseTimer) complete() {
	t.resetState()
	t.completed = true
	if t.hooks.OnComplete != nil {
		t.hooks.OnComplete()
	}
}

func (t *PhaseTimer) Running() bool { return t.running }

func (t *PhaseTimer) Paused() bool { return t.paused }

// Current returns the active phase, if a phase list is loaded.
func (t *PhaseTimer) Current() (domain.Phase, bool) {
	if len(t.phases) == 0 {
		return domain.Phase{}, false
	}
	return t.phases[t.index], true
}

func (t *PhaseTimer) Snapshot() Snapshot {
	s := Snapshot{
		PhaseCount: len(t.phases),
		Running:    t.running,
		Paused:     t.paused,
		Cycle:      t.cycle,
		Cycles:     t.cycles,
		Completed:  t.completed,
	}
	if len(t.phases) == 0 {
		return s
	}
	cur := t.phases[t.index]
	s.PhaseID = cur.ID
	s.PhaseName = cur.Name
	s.Kind = cur.Kind
	s.Index = t.index
	s.TimeLeft = t.timeLeft
	s.PhaseDuration = cur.DurationSeconds
	for i, p := range t.phases {
		s.Total += p.DurationSeconds
		if i < t.index {
			s.Elapsed += p.DurationSeconds
		}
	}
	s.Elapsed += cur.DurationSeconds - t.timeLeft
	return s
}
