package session

import (
	"sync"
	"time"
)

// Status is a call's terminal status
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusMissed    Status = "missed"
	StatusFailed    Status = "failed"
)

// Call identifies a live or finished phone call
type Call struct {
	ID        string     `json:"call_id"`
	StreamID  string     `json:"stream_id,omitempty"`
	Phone     string     `json:"phone"`
	Direction string     `json:"direction,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    Status     `json:"status"`
}

// Duration returns the call length so far, or the final length once ended
func (c Call) Duration() time.Duration {
	if c.EndedAt != nil {
		return c.EndedAt.Sub(c.StartedAt)
	}
	return time.Since(c.StartedAt)
}

// Latency holds per-stage timings of a turn
type Latency struct {
	Recognition time.Duration `json:"recognition"`
	Generation  time.Duration `json:"generation"`
	Synthesis   time.Duration `json:"synthesis"`
	Total       time.Duration `json:"total"`
}

// Turn is one recognize, generate, synthesize cycle
type Turn struct {
	ID                string        `json:"id"`
	Index             int           `json:"index"`
	UtteranceStart    time.Duration `json:"utterance_start"`
	UtteranceEnd      time.Duration `json:"utterance_end"`
	Text              string        `json:"text"`
	Persona           string        `json:"persona"`
	Reply             string        `json:"reply"`
	AudioBytes        int           `json:"audio_bytes"`
	Latency           Latency       `json:"latency"`
	GenerationFailed  bool          `json:"generation_failed,omitempty"`
	SynthesisDegraded bool          `json:"synthesis_degraded,omitempty"`
	FillerPlayed      bool          `json:"filler_played,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
}

// PersonaSwitch records a change of persona between turns
type PersonaSwitch struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	Turn int       `json:"turn"`
	At   time.Time `json:"at"`
}

// ErrorMarker notes a stage failure that did not produce a turn
type ErrorMarker struct {
	Stage   string    `json:"stage"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

const maxErrorMarkers = 50

// Counters summarise a call
type Counters struct {
	Turns         int `json:"turns"`
	Interruptions int `json:"interruptions"`
	Errors        int `json:"errors"`
	Fillers       int `json:"fillers"`
	Degraded      int `json:"degraded"`
}

// Session is the state of one live call. It is written only by the call's
// own pipeline; readers use Snapshot or the copying accessors.
type Session struct {
	mu sync.RWMutex

	call         Call
	history      []Turn
	transcript   []Turn
	historyMax   int
	transcriptMx int

	persona  string
	greeting string
	switches []PersonaSwitch
	state    string
	errors   []ErrorMarker
	counters Counters

	latencySum   time.Duration
	lastActivity time.Time
	nextIndex    int
}

func newSession(call Call, persona string, historyMax, transcriptMax int) *Session {
	if call.Status == "" {
		call.Status = StatusOngoing
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = time.Now()
	}
	return &Session{
		call:         call,
		historyMax:   historyMax,
		transcriptMx: transcriptMax,
		persona:      persona,
		state:        "idle",
		lastActivity: call.StartedAt,
	}
}

// ID returns the call id
func (s *Session) ID() string {
	return s.call.ID
}

// Call returns a copy of the call record
func (s *Session) Call() Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.call
}

// Persona returns the current persona id
func (s *Session) Persona() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persona
}

// State returns the last recorded pipeline state
func (s *Session) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState records the pipeline state
func (s *Session) SetState(state string) {
	s.mu.Lock()
	s.state = state
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// AppendTurn adds a completed turn to the history window and the transcript.
// A persona differing from the current one is recorded as a switch.
func (s *Session) AppendTurn(t Turn) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.Index = s.nextIndex
	s.nextIndex++

	if t.Persona != "" && t.Persona != s.persona {
		s.switches = append(s.switches, PersonaSwitch{
			From: s.persona,
			To:   t.Persona,
			Turn: t.Index,
			At:   time.Now(),
		})
		s.persona = t.Persona
	}

	s.history = append(s.history, t)
	if s.historyMax > 0 && len(s.history) > s.historyMax {
		s.history = append([]Turn(nil), s.history[len(s.history)-s.historyMax:]...)
	}
	if s.transcriptMx <= 0 || len(s.transcript) < s.transcriptMx {
		s.transcript = append(s.transcript, t)
	}

	s.counters.Turns++
	s.latencySum += t.Latency.Total
	if t.GenerationFailed || t.SynthesisDegraded {
		s.counters.Degraded++
	}
	s.lastActivity = time.Now()
	return t
}

// SetGreeting records the greeting that was played. It is not a turn.
func (s *Session) SetGreeting(text string) {
	s.mu.Lock()
	s.greeting = text
	s.mu.Unlock()
}

// Greeting returns the played greeting, if any
func (s *Session) Greeting() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.greeting
}

// History returns the bounded history window, oldest first
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Transcript returns every recorded turn, oldest first
func (s *Session) Transcript() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// PersonaSwitches returns the persona switch history
func (s *Session) PersonaSwitches() []PersonaSwitch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PersonaSwitch, len(s.switches))
	copy(out, s.switches)
	return out
}

// RecordError adds an error marker
func (s *Session) RecordError(stage, kind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.Errors++
	if len(s.errors) < maxErrorMarkers {
		s.errors = append(s.errors, ErrorMarker{Stage: stage, Kind: kind, Message: message, At: time.Now()})
	}
}

// Errors returns recorded error markers
func (s *Session) Errors() []ErrorMarker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ErrorMarker, len(s.errors))
	copy(out, s.errors)
	return out
}

// RecordInterruption counts a barge-in
func (s *Session) RecordInterruption() {
	s.mu.Lock()
	s.counters.Interruptions++
	s.mu.Unlock()
}

// RecordFiller counts a played filler
func (s *Session) RecordFiller() {
	s.mu.Lock()
	s.counters.Fillers++
	s.mu.Unlock()
}

// Counters returns the call counters
func (s *Session) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters
}

// AverageLatency returns the mean total latency of answered turns
func (s *Session) AverageLatency() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.counters.Turns == 0 {
		return 0
	}
	return s.latencySum / time.Duration(s.counters.Turns)
}

// MarkEnded sets the terminal status and end time once
func (s *Session) MarkEnded(status Status, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call.EndedAt != nil {
		return false
	}
	s.call.EndedAt = &at
	s.call.Status = status
	s.state = "ended"
	return true
}

// LastActivity returns the time of the last state change or turn
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Snapshot is a read-only view for operators
type Snapshot struct {
	Call            Call          `json:"call"`
	State           string        `json:"state"`
	Persona         string        `json:"persona"`
	Counters        Counters      `json:"counters"`
	HistoryLen      int           `json:"history_len"`
	DurationSeconds float64       `json:"duration_seconds"`
	AvgLatencyMs    float64       `json:"avg_latency_ms"`
	LastActivity    time.Time     `json:"last_activity"`
	LastTurn        *Turn         `json:"last_turn,omitempty"`
	PersonaSwitches int           `json:"persona_switches"`
	Errors          []ErrorMarker `json:"errors,omitempty"`
}

// Snapshot returns a consistent view of the session
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Call:            s.call,
		State:           s.state,
		Persona:         s.persona,
		Counters:        s.counters,
		HistoryLen:      len(s.history),
		DurationSeconds: s.call.Duration().Seconds(),
		LastActivity:    s.lastActivity,
		PersonaSwitches: len(s.switches),
	}
	if s.counters.Turns > 0 {
		snap.AvgLatencyMs = float64(s.latencySum/time.Duration(s.counters.Turns)) / float64(time.Millisecond)
	}
	if n := len(s.history); n > 0 {
		last := s.history[n-1]
		snap.LastTurn = &last
	}
	if len(s.errors) > 0 {
		snap.Errors = append([]ErrorMarker(nil), s.errors...)
	}
	return snap
}
