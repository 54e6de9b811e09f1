package proctor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/trezcool/masomo-proctor/core/evidence"
)

type State string

const (
	StateIdle       State = "idle"
	StateActive     State = "active"
	StateTerminated State = "terminated"
	StateCompleted  State = "completed"

	warnedPrefix = "warned-"
)

// WarnedState is the state reached after the n-th qualifying violation (below the threshold).
func WarnedState(n int) State {
	return State(fmt.Sprintf("%s%d", warnedPrefix, n))
}

func (s State) Terminal() bool {
	return s == StateTerminated || s == StateCompleted
}

// Monitoring reports whether s is Active or one of the Warned states.
func (s State) Monitoring() bool {
	return s == StateActive || strings.HasPrefix(string(s), warnedPrefix)
}

// Kind enumerates the violation kinds a signal can be classified into.
type Kind string

const (
	KindWindowBlur         Kind = "window-blur"
	KindProhibitedShortcut Kind = "prohibited-shortcut"
	KindRightClick         Kind = "right-click"
	KindFullscreenExit     Kind = "fullscreen-exit"
	KindScreenShareStopped Kind = "screen-share-stopped"
	KindConnectionGap      Kind = "connection-gap"
)

var Kinds = []Kind{
	KindWindowBlur,
	KindProhibitedShortcut,
	KindRightClick,
	KindFullscreenExit,
	KindScreenShareStopped,
	KindConnectionGap,
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Reason is the code reported to the client when a session ends.
type Reason string

const (
	ReasonViolationThreshold Reason = "violation-threshold"
	ReasonConnectionLost     Reason = "connection-lost"
	ReasonAuthorityOverride  Reason = "authority-override"
	ReasonDeadline           Reason = "deadline"
	ReasonSubmitted          Reason = "submitted"
)

type (
	// Signal is a raw browser/environment observation, before classification.
	Signal struct {
		Kind            Kind
		Metadata        map[string]interface{}
		ClientTimestamp time.Time
		// Timestamp is the intake timestamp.
		Timestamp time.Time
		// Malformed is set when the payload did not decode; such signals never qualify.
		Malformed bool
	}

	ViolationRecord struct {
		Kind            Kind                   `json:"kind"`
		Timestamp       time.Time              `json:"timestamp"`
		ClientTimestamp time.Time              `json:"client_timestamp,omitempty"`
		Payload         map[string]interface{} `json:"payload,omitempty"`
	}

	// AuditEntry records every classified signal, counted or not.
	AuditEntry struct {
		Kind       Kind                   `json:"kind"`
		Timestamp  time.Time              `json:"timestamp"`
		Qualifying bool                   `json:"qualifying"`
		Counted    bool                   `json:"counted"`
		Note       string                 `json:"note,omitempty"`
		Payload    map[string]interface{} `json:"payload,omitempty"`
	}

	Outcome struct {
		Reason  Reason    `json:"reason"`
		EndedAt time.Time `json:"ended_at"`
	}

	Capabilities struct {
		Camera      bool
		Microphone  bool
		ScreenShare bool
		Fullscreen  bool
	}

	Session struct {
		ID             string            `json:"id"`
		SubjectID      string            `json:"subject_id"`
		ExamID         string            `json:"exam_id"`
		ExpiresAt      time.Time         `json:"expires_at"`
		State          State             `json:"state"`
		ViolationCount int               `json:"violation_count"`
		Violations     []ViolationRecord `json:"violations"`
		Audit          []AuditEntry      `json:"audit"`
		RiskFactors    []string          `json:"risk_factors,omitempty"`
		Outcome        *Outcome          `json:"outcome,omitempty"`
		CreatedAt      time.Time         `json:"created_at"`
		ActivatedAt    time.Time         `json:"activated_at,omitempty"`
		// Duration is set for timed sessions, whose ExpiresAt moves to ActivatedAt+Duration
		// on entry to Active.
		Duration       time.Duration     `json:"-"`
		LastAnswers    json.RawMessage   `json:"-"`
		Evidence       evidence.Stats    `json:"evidence"`
	}

	Filter struct {
		State     State
		SubjectID string
		ExamID    string
	}
)

// Clone returns a copy that shares no slices with s.
func (s Session) Clone() Session {
	c := s
	c.Violations = append([]ViolationRecord(nil), s.Violations...)
	c.Audit = append([]AuditEntry(nil), s.Audit...)
	c.RiskFactors = append([]string(nil), s.RiskFactors...)
	c.LastAnswers = append(json.RawMessage(nil), s.LastAnswers...)
	if s.Outcome != nil {
		o := *s.Outcome
		c.Outcome = &o
	}
	return c
}

func (f Filter) Match(s Session) bool {
	if f.State != "" && s.State != f.State {
		return false
	}
	if f.SubjectID != "" && s.SubjectID != f.SubjectID {
		return false
	}
	if f.ExamID != "" && s.ExamID != f.ExamID {
		return false
	}
	return true
}
