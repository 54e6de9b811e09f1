package proctor

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var fullCaps = Capabilities{Camera: true, Microphone: true, ScreenShare: true, Fullscreen: true}

func newTestEngine(t require.TestingT, threshold int, window time.Duration) (*Engine, *Session) {
	s := &Session{ID: "s-1", SubjectID: "u-1", ExamID: "e-1", ExpiresAt: epoch.Add(time.Hour)}
	e, err := NewEngine(s, PolicyConfig{Threshold: threshold, DedupWindow: window}, testClassifier())
	require.NoError(t, err)
	return e, s
}

func activeEngine(t require.TestingT, threshold int, window time.Duration) (*Engine, *Session) {
	e, s := newTestEngine(t, threshold, window)
	_, err := e.Activate(fullCaps, epoch)
	require.NoError(t, err)
	return e, s
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(&Session{}, PolicyConfig{Threshold: 0}, testClassifier())
	assert.Error(t, err)

	_, err = NewEngine(&Session{State: StateActive}, PolicyConfig{Threshold: 3}, testClassifier())
	assert.Equal(t, ErrInvalidTransition, errors.Cause(err))

	s := &Session{}
	e, err := NewEngine(s, PolicyConfig{Threshold: 3}, testClassifier())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, StateIdle, s.State)
}

func TestEngine_Activate(t *testing.T) {
	tests := []struct {
		name            string
		caps            Capabilities
		wantErr         error
		wantState       State
		wantRiskFactors []string
	}{
		{"all capabilities", fullCaps, nil, StateActive, nil},
		{"no camera", Capabilities{Microphone: true, ScreenShare: true, Fullscreen: true}, ErrCapabilityUnavailable, StateIdle, nil},
		{"no microphone", Capabilities{Camera: true, ScreenShare: true, Fullscreen: true}, ErrCapabilityUnavailable, StateIdle, nil},
		{"no screen share", Capabilities{Camera: true, Microphone: true, Fullscreen: true}, nil, StateActive, []string{"screen-share-unavailable"}},
		{"camera and mic only", Capabilities{Camera: true, Microphone: true}, nil, StateActive,
			[]string{"screen-share-unavailable", "fullscreen-unavailable"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, s := newTestEngine(t, 3, 0)
			decisions, err := e.Activate(tc.caps, epoch)
			if err != tc.wantErr {
				t.Errorf("failed! err = %v; wantErr %v", err, tc.wantErr)
			}
			if got := e.State(); got != tc.wantState {
				t.Errorf("failed! state = %v; wantState %v", got, tc.wantState)
			}
			assert.Equal(t, tc.wantRiskFactors, s.RiskFactors)
			assert.Len(t, s.Audit, len(tc.wantRiskFactors))
			for _, entry := range s.Audit {
				assert.False(t, entry.Qualifying)
				assert.Equal(t, noteAtEntry, entry.Note)
			}
			assert.Zero(t, s.ViolationCount)
			if tc.wantErr == nil {
				require.Len(t, decisions, 1)
				assert.Equal(t, DecisionActivated, decisions[0].Kind)
				assert.Equal(t, epoch, s.ActivatedAt)
			}
		})
	}
}

func TestEngine_ActivateIdempotent(t *testing.T) {
	e, _ := activeEngine(t, 3, 0)
	decisions, err := e.Activate(fullCaps, epoch.Add(time.Second))
	assert.NoError(t, err)
	assert.Empty(t, decisions)
	assert.Equal(t, StateActive, e.State())
}

func TestEngine_WarnWarnTerminate(t *testing.T) {
	e, s := activeEngine(t, 3, 2*time.Second)

	steps := []struct {
		kind         Kind
		offset       time.Duration
		wantState    State
		wantDecision DecisionKind
	}{
		{KindWindowBlur, 10 * time.Second, WarnedState(1), DecisionWarning},
		{KindProhibitedShortcut, 20 * time.Second, WarnedState(2), DecisionWarning},
		{KindRightClick, 30 * time.Second, StateTerminated, DecisionTerminated},
	}

	for i, step := range steps {
		decisions, err := e.Observe(Signal{Kind: step.kind, Timestamp: epoch.Add(step.offset)})
		require.NoError(t, err)
		if got := e.State(); got != step.wantState {
			t.Fatalf("failed! step %d: state = %v; wantState %v", i+1, got, step.wantState)
		}
		require.Len(t, decisions, 1)
		assert.Equal(t, step.wantDecision, decisions[0].Kind)
		assert.Equal(t, i+1, decisions[0].Count)
		assert.Contains(t, decisions[0].Message, "of 3")
	}

	assert.Equal(t, ReasonViolationThreshold, s.Outcome.Reason)
	assert.Equal(t, epoch.Add(30*time.Second), s.Outcome.EndedAt)
	assert.Equal(t, 3, s.ViolationCount)
	assert.Len(t, s.Violations, 3)
	assert.Equal(t, StateTerminated, s.State)

	// absorbed
	decisions, err := e.Observe(Signal{Kind: KindRightClick, Timestamp: epoch.Add(time.Minute)})
	assert.NoError(t, err)
	assert.Empty(t, decisions)
	assert.Equal(t, 3, s.ViolationCount)
}

func TestEngine_DedupRightClicks(t *testing.T) {
	e, s := activeEngine(t, 3, 2*time.Second)

	var warnings int
	for i := 0; i < 5; i++ {
		decisions, err := e.Observe(Signal{Kind: KindRightClick, Timestamp: epoch.Add(time.Duration(i) * 100 * time.Millisecond)})
		require.NoError(t, err)
		warnings += len(decisions)
	}

	assert.Equal(t, 1, warnings)
	assert.Equal(t, 1, s.ViolationCount)
	assert.Equal(t, WarnedState(1), e.State())
	require.Len(t, s.Audit, 5)
	assert.True(t, s.Audit[0].Counted)
	for _, entry := range s.Audit[1:] {
		assert.False(t, entry.Counted)
		assert.Equal(t, noteDeduplicated, entry.Note)
	}
}

func TestEngine_NonQualifying(t *testing.T) {
	e, s := activeEngine(t, 3, 0)

	signals := []Signal{
		{Kind: KindWindowBlur, Metadata: map[string]interface{}{durationKey: 100}, Timestamp: epoch},
		{Kind: KindConnectionGap, Metadata: map[string]interface{}{durationKey: 5000}, Timestamp: epoch},
		{Kind: "clipboard", Timestamp: epoch},
	}
	for _, sig := range signals {
		decisions, err := e.Observe(sig)
		require.NoError(t, err)
		assert.Empty(t, decisions)
	}

	assert.Equal(t, StateActive, e.State())
	assert.Zero(t, s.ViolationCount)
	assert.Empty(t, s.Violations)
	assert.Len(t, s.Audit, 3)
	assert.Equal(t, map[string]interface{}{durationKey: 5000}, s.Audit[1].Payload)
}

func TestEngine_ObserveWhileIdle(t *testing.T) {
	e, s := newTestEngine(t, 3, 0)

	decisions, err := e.Observe(Signal{Kind: KindRightClick, Timestamp: epoch})
	require.NoError(t, err)
	assert.Empty(t, decisions)
	assert.Equal(t, StateIdle, e.State())
	require.Len(t, s.Audit, 1)
	assert.Equal(t, noteNotMonitoring, s.Audit[0].Note)
	assert.Zero(t, s.ViolationCount)
}

func TestEngine_Complete(t *testing.T) {
	e, s := newTestEngine(t, 3, 0)
	_, err := e.Complete(ReasonSubmitted, epoch)
	assert.Equal(t, ErrInvalidTransition, errors.Cause(err), "completing an idle session")

	_, err = e.Activate(fullCaps, epoch)
	require.NoError(t, err)
	decisions, err := e.Complete(ReasonSubmitted, epoch.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionCompleted, decisions[0].Kind)
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, ReasonSubmitted, s.Outcome.Reason)

	_, err = e.Terminate(ReasonAuthorityOverride, epoch.Add(2*time.Minute))
	assert.Equal(t, ErrSessionTerminal, err)
	assert.Equal(t, ReasonSubmitted, s.Outcome.Reason)
}

func TestEngine_Expire(t *testing.T) {
	tests := []struct {
		name       string
		activate   bool
		warn       bool
		wantState  State
		wantReason Reason
	}{
		{"idle", false, false, StateTerminated, ReasonDeadline},
		{"active", true, false, StateCompleted, ReasonDeadline},
		{"warned", true, true, StateCompleted, ReasonDeadline},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, s := newTestEngine(t, 3, 0)
			if tc.activate {
				_, err := e.Activate(fullCaps, epoch)
				require.NoError(t, err)
			}
			if tc.warn {
				_, err := e.Observe(Signal{Kind: KindRightClick, Timestamp: epoch})
				require.NoError(t, err)
			}
			_, err := e.Expire(s.ExpiresAt)
			require.NoError(t, err)
			if s.State != tc.wantState || s.Outcome.Reason != tc.wantReason {
				t.Errorf("failed! state = %v, reason = %v; wantState %v, wantReason %v",
					s.State, s.Outcome.Reason, tc.wantState, tc.wantReason)
			}

			_, err = e.Expire(s.ExpiresAt)
			assert.Equal(t, ErrSessionTerminal, err)
		})
	}
}

func TestEngine_TerminateFromIdle(t *testing.T) {
	e, s := newTestEngine(t, 3, 0)
	decisions, err := e.Terminate(ReasonConnectionLost, epoch)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ReasonConnectionLost, decisions[0].Reason)
	assert.Equal(t, StateTerminated, s.State)
	assert.Equal(t, ErrConnectionLost, ErrorFor(s.Outcome.Reason))
}

func TestLattice_ThresholdOne(t *testing.T) {
	e, s := activeEngine(t, 1, 0)
	decisions, err := e.Observe(Signal{Kind: KindFullscreenExit, Timestamp: epoch})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionTerminated, decisions[0].Kind)
	assert.Equal(t, StateTerminated, s.State)
}

// The state after k counted violations is warned-k below the threshold and terminated at it,
// whatever the kinds involved.
func TestEngine_ThresholdLaw(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.IntRange(1, 6).Draw(t, "threshold")
		kinds := rapid.SliceOfN(rapid.SampledFrom([]Kind{
			KindWindowBlur, KindProhibitedShortcut, KindRightClick, KindFullscreenExit, KindScreenShareStopped,
		}), 1, 10).Draw(t, "kinds")

		e, s := activeEngine(t, threshold, 0)
		warnings := 0
		for i, k := range kinds {
			decisions, err := e.Observe(Signal{Kind: k, Timestamp: epoch.Add(time.Duration(i) * time.Second)})
			if err != nil {
				t.Fatalf("observe: %v", err)
			}
			for _, d := range decisions {
				if d.Kind == DecisionWarning {
					warnings++
				}
			}

			counted := i + 1
			if counted > threshold {
				counted = threshold
			}
			if s.ViolationCount != counted || len(s.Violations) != counted {
				t.Fatalf("count = %d, violations = %d; want %d", s.ViolationCount, len(s.Violations), counted)
			}
			want := WarnedState(counted)
			if counted == threshold {
				want = StateTerminated
			}
			if e.State() != want {
				t.Fatalf("state after %d violations = %v; want %v", counted, e.State(), want)
			}
		}

		wantWarnings := len(kinds)
		if wantWarnings >= threshold {
			wantWarnings = threshold - 1
		}
		if warnings != wantWarnings {
			t.Fatalf("warnings = %d; want %d", warnings, wantWarnings)
		}
	})
}

// Once terminal, no operation changes the session.
func TestEngine_TerminalAbsorbing(t *testing.T) {
	ops := []string{"activate", "observe", "complete", "terminate", "expire"}

	rapid.Check(t, func(t *rapid.T) {
		e, s := newTestEngine(t, rapid.IntRange(1, 4).Draw(t, "threshold"), 0)
		steps := rapid.SliceOfN(rapid.SampledFrom(ops), 1, 20).Draw(t, "ops")

		var frozen *Session
		terminalTransitions := 0
		for i, op := range steps {
			at := epoch.Add(time.Duration(i) * time.Second)
			wasTerminal := e.State().Terminal()
			switch op {
			case "activate":
				_, _ = e.Activate(fullCaps, at)
			case "observe":
				_, _ = e.Observe(Signal{Kind: KindRightClick, Timestamp: at})
			case "complete":
				_, _ = e.Complete(ReasonSubmitted, at)
			case "terminate":
				_, _ = e.Terminate(ReasonAuthorityOverride, at)
			case "expire":
				_, _ = e.Expire(at)
			}

			if e.State() != s.State {
				t.Fatalf("engine state %v, session state %v", e.State(), s.State)
			}
			if !wasTerminal && e.State().Terminal() {
				terminalTransitions++
				c := s.Clone()
				frozen = &c
			}
			if frozen != nil {
				assert.Equal(t, *frozen, s.Clone())
			}
		}
		if terminalTransitions > 1 {
			t.Fatalf("reached a terminal state %d times", terminalTransitions)
		}
		if frozen != nil && s.Outcome == nil {
			t.Fatal("terminal session without outcome")
		}
	})
}
