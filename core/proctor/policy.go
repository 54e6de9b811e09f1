package proctor

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// fsm events
const (
	eventActivate  = "activate"
	eventViolate   = "violate"
	eventTerminate = "terminate"
	eventComplete  = "complete"
)

type DecisionKind string

const (
	DecisionActivated  DecisionKind = "activated"
	DecisionWarning    DecisionKind = "warning"
	DecisionTerminated DecisionKind = "terminated"
	DecisionCompleted  DecisionKind = "completed"
)

// Decision is what the engine asks the coordinator to tell the client and the supervisors.
type Decision struct {
	Kind    DecisionKind `json:"kind"`
	Message string       `json:"message,omitempty"`
	Count   int          `json:"count"`
	Reason  Reason       `json:"reason,omitempty"`
	At      time.Time    `json:"at"`
}

type PolicyConfig struct {
	// Threshold is the number of counted violations that terminates the session.
	Threshold   int
	DedupWindow time.Duration
}

var warningCauses = map[Kind]string{
	KindWindowBlur:         "the exam window lost focus",
	KindProhibitedShortcut: "a prohibited keyboard shortcut was used",
	KindRightClick:         "the context menu was opened",
	KindFullscreenExit:     "fullscreen mode was exited",
	KindScreenShareStopped: "screen sharing stopped",
	KindConnectionGap:      "the connection was interrupted",
}

// Engine drives one session through the state lattice. It is not safe for concurrent use:
// the session's owner goroutine is its only caller.
type Engine struct {
	session    *Session
	threshold  int
	classifier *Classifier
	dedup      *Deduper
	machine    *fsm.FSM
}

// NewEngine takes ownership of session, which must be Idle.
func NewEngine(session *Session, cfg PolicyConfig, classifier *Classifier) (*Engine, error) {
	if cfg.Threshold < 1 {
		return nil, errors.Errorf("violation threshold must be at least 1, got %d", cfg.Threshold)
	}
	if session.State == "" {
		session.State = StateIdle
	}
	if session.State != StateIdle {
		return nil, errors.Wrapf(ErrInvalidTransition, "new engine for %s session", session.State)
	}
	return &Engine{
		session:    session,
		threshold:  cfg.Threshold,
		classifier: classifier,
		dedup:      NewDeduper(cfg.DedupWindow),
		machine:    fsm.NewFSM(string(StateIdle), lattice(cfg.Threshold), fsm.Callbacks{}),
	}, nil
}

// lattice lists the transitions for a threshold of n:
// idle -> active -> warned-1 -> ... -> warned-(n-1) -> terminated, plus the
// terminate and complete shortcuts.
func lattice(n int) fsm.Events {
	monitoring := []string{string(StateActive)}
	for i := 1; i < n; i++ {
		monitoring = append(monitoring, string(WarnedState(i)))
	}

	events := fsm.Events{
		{Name: eventActivate, Src: []string{string(StateIdle)}, Dst: string(StateActive)},
	}
	for i, src := range monitoring {
		dst := string(StateTerminated)
		if i+1 < n {
			dst = string(WarnedState(i + 1))
		}
		events = append(events, fsm.EventDesc{Name: eventViolate, Src: []string{src}, Dst: dst})
	}
	events = append(events,
		fsm.EventDesc{
			Name: eventTerminate,
			Src:  append([]string{string(StateIdle)}, monitoring...),
			Dst:  string(StateTerminated),
		},
		fsm.EventDesc{Name: eventComplete, Src: monitoring, Dst: string(StateCompleted)},
	)
	return events
}

func (e *Engine) State() State {
	return State(e.machine.Current())
}

func (e *Engine) Threshold() int {
	return e.threshold
}

// Session returns the engine's session. Callers outside the owner goroutine must Clone it.
func (e *Engine) Session() *Session {
	return e.session
}

// Activate moves an Idle session to Active once camera and microphone are confirmed.
// Missing screen share or fullscreen is recorded as a risk factor. Activating an already
// monitoring session does nothing.
func (e *Engine) Activate(caps Capabilities, at time.Time) ([]Decision, error) {
	state := e.State()
	if state.Monitoring() {
		return nil, nil
	}
	if state.Terminal() {
		return nil, ErrSessionTerminal
	}
	if !caps.Camera || !caps.Microphone {
		return nil, ErrCapabilityUnavailable
	}
	if err := e.transition(eventActivate); err != nil {
		return nil, err
	}

	e.session.ActivatedAt = at
	if !caps.ScreenShare {
		e.riskAtEntry(KindScreenShareStopped, "screen-share-unavailable", at)
	}
	if !caps.Fullscreen {
		e.riskAtEntry(KindFullscreenExit, "fullscreen-unavailable", at)
	}
	return []Decision{{Kind: DecisionActivated, At: at}}, nil
}

func (e *Engine) riskAtEntry(k Kind, factor string, at time.Time) {
	e.session.RiskFactors = append(e.session.RiskFactors, factor)
	e.session.Audit = append(e.session.Audit, AuditEntry{Kind: k, Timestamp: at, Note: noteAtEntry})
}

// Observe classifies sig and, when it qualifies and is not a duplicate, counts it.
// Every signal lands in the audit log; signals after a terminal state are ignored.
func (e *Engine) Observe(sig Signal) ([]Decision, error) {
	state := e.State()
	if state.Terminal() {
		return nil, nil
	}

	cl := e.classifier.Classify(sig)
	entry := AuditEntry{
		Kind:       sig.Kind,
		Timestamp:  sig.Timestamp,
		Qualifying: cl.Qualifying,
		Note:       cl.Note,
		Payload:    sig.Metadata,
	}

	switch {
	case !state.Monitoring():
		if entry.Note == "" {
			entry.Note = noteNotMonitoring
		}
		e.session.Audit = append(e.session.Audit, entry)
		return nil, nil
	case !cl.Qualifying:
		e.session.Audit = append(e.session.Audit, entry)
		return nil, nil
	case !e.dedup.Admit(sig.Kind, sig.Timestamp):
		entry.Note = noteDeduplicated
		e.session.Audit = append(e.session.Audit, entry)
		return nil, nil
	}

	entry.Counted = true
	e.session.Audit = append(e.session.Audit, entry)
	e.session.Violations = append(e.session.Violations, cl.Record)
	e.session.ViolationCount = len(e.session.Violations)

	if err := e.transition(eventViolate); err != nil {
		return nil, err
	}

	count := e.session.ViolationCount
	if e.State() == StateTerminated {
		e.end(ReasonViolationThreshold, sig.Timestamp)
		return []Decision{{
			Kind:    DecisionTerminated,
			Message: fmt.Sprintf("Session terminated: %s (%d of %d violations).", cause(sig.Kind), count, e.threshold),
			Count:   count,
			Reason:  ReasonViolationThreshold,
			At:      sig.Timestamp,
		}}, nil
	}
	return []Decision{{
		Kind:    DecisionWarning,
		Message: fmt.Sprintf("Warning: %s (%d of %d).", cause(sig.Kind), count, e.threshold),
		Count:   count,
		At:      sig.Timestamp,
	}}, nil
}

// Complete ends a monitoring session successfully.
func (e *Engine) Complete(reason Reason, at time.Time) ([]Decision, error) {
	if e.State().Terminal() {
		return nil, ErrSessionTerminal
	}
	if err := e.transition(eventComplete); err != nil {
		return nil, err
	}
	e.end(reason, at)
	return []Decision{{Kind: DecisionCompleted, Count: e.session.ViolationCount, Reason: reason, At: at}}, nil
}

// Terminate ends the session from any non-terminal state.
func (e *Engine) Terminate(reason Reason, at time.Time) ([]Decision, error) {
	if e.State().Terminal() {
		return nil, ErrSessionTerminal
	}
	if err := e.transition(eventTerminate); err != nil {
		return nil, err
	}
	e.end(reason, at)
	return []Decision{{Kind: DecisionTerminated, Count: e.session.ViolationCount, Reason: reason, At: at}}, nil
}

// Expire applies the deadline: a monitoring session completes, an Idle one is terminated
// since there is nothing to submit.
func (e *Engine) Expire(at time.Time) ([]Decision, error) {
	state := e.State()
	switch {
	case state.Terminal():
		return nil, ErrSessionTerminal
	case state.Monitoring():
		return e.Complete(ReasonDeadline, at)
	}
	return e.Terminate(ReasonDeadline, at)
}

func (e *Engine) transition(event string) error {
	if !e.machine.Can(event) {
		return errors.Wrapf(ErrInvalidTransition, "%s from %s", event, e.machine.Current())
	}
	if err := e.machine.Event(context.Background(), event); err != nil {
		return errors.Wrapf(err, "%s from %s", event, e.machine.Current())
	}
	e.session.State = State(e.machine.Current())
	return nil
}

func (e *Engine) end(reason Reason, at time.Time) {
	e.session.Outcome = &Outcome{Reason: reason, EndedAt: at}
}

func cause(k Kind) string {
	if c, ok := warningCauses[k]; ok {
		return c
	}
	return string(k)
}
