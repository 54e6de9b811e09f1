package proctor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/channel"
	"github.com/trezcool/masomo-proctor/core/clock"
	"github.com/trezcool/masomo-proctor/core/evidence"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

type fakeAcceptor struct {
	mu     sync.Mutex
	accept bool
	calls  []json.RawMessage
}

func (a *fakeAcceptor) AcceptSubmission(_ context.Context, _ string, payload json.RawMessage) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, payload)
	return a.accept, nil
}

func (a *fakeAcceptor) setAccept(v bool) {
	a.mu.Lock()
	a.accept = v
	a.mu.Unlock()
}

func (a *fakeAcceptor) Calls() []json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]json.RawMessage(nil), a.calls...)
}

type fakeEvidence struct {
	mu     sync.Mutex
	frames []evidence.Frame
}

func (e *fakeEvidence) Store(_ context.Context, _ string, f evidence.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, f)
	return nil
}

func (e *fakeEvidence) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

type fakeArchive struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func (a *fakeArchive) Save(_ context.Context, s Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[s.ID] = s.Clone()
	return nil
}

func (a *fakeArchive) Get(_ context.Context, id string) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (a *fakeArchive) Query(_ context.Context, f Filter) ([]Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Session
	for _, s := range a.sessions {
		if f.Match(s) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *fakePublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) kinds() []DecisionKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]DecisionKind, 0, len(p.events))
	for _, ev := range p.events {
		kinds = append(kinds, ev.Decision.Kind)
	}
	return kinds
}

type fakeMailer struct {
	mu       sync.Mutex
	messages []*core.EmailMessage
}

func (m *fakeMailer) SendMessages(messages ...*core.EmailMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, messages...)
}

func (m *fakeMailer) sent() []*core.EmailMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*core.EmailMessage(nil), m.messages...)
}

type harness struct {
	t         *testing.T
	clk       *clock.FakeClock
	coord     *Coordinator
	acceptor  *fakeAcceptor
	evidence  *fakeEvidence
	archive   *fakeArchive
	publisher *fakePublisher
	mailer    *fakeMailer
}

func testConfig() Config {
	return Config{
		Threshold:             3,
		DedupWindow:           2 * time.Second,
		ConnectionGrace:       30 * time.Second,
		CapabilityGrace:       30 * time.Second,
		SubmissionTimeout:     time.Second,
		CaptureInterval:       10 * time.Second,
		EvidenceQueueCapacity: 8,
		EvidenceFlushGrace:    time.Second,
		Classifier: ClassifierConfig{
			BlurFloor:      time.Second,
			GapPersistence: 30 * time.Second,
		},
		AppName:         "Masomo",
		SupervisorEmail: "Supervisor <supervisor@masomo.test>",
	}
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	cfg := testConfig()
	for _, fn := range configure {
		fn(&cfg)
	}
	h := &harness{
		t:         t,
		clk:       clock.NewFake(epoch),
		acceptor:  &fakeAcceptor{accept: true},
		evidence:  &fakeEvidence{},
		archive:   &fakeArchive{sessions: make(map[string]Session)},
		publisher: &fakePublisher{},
		mailer:    &fakeMailer{},
	}
	coord, err := NewCoordinator(cfg, Deps{
		Clock:     h.clk,
		Logger:    nopLogger{},
		Acceptor:  h.acceptor,
		Evidence:  h.evidence,
		Archive:   h.archive,
		Publisher: h.publisher,
		Mailer:    h.mailer,
	})
	require.NoError(t, err)
	h.coord = coord
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return h
}

func (h *harness) open() Session {
	s, err := h.coord.Open(context.Background(), "u-1", "e-1", epoch.Add(time.Hour))
	require.NoError(h.t, err)
	return s
}

func (h *harness) attach(id string) channel.Channel {
	client, server := channel.Pipe(16)
	require.NoError(h.t, h.coord.Attach(context.Background(), id, server))
	return client
}

// monitor opens a session, attaches a client and confirms every capability.
func (h *harness) monitor() (Session, channel.Channel) {
	s := h.open()
	client := h.attach(s.ID)
	send(h.t, client, channel.KindCapabilities, channel.Capabilities{Camera: true, Microphone: true, ScreenShare: true, Fullscreen: true})
	expect(h.t, client, channel.KindMonitoringStarted, nil)
	return s, client
}

func (h *harness) eventually(id string, cond func(Session) bool) Session {
	var last Session
	require.Eventually(h.t, func() bool {
		s, err := h.coord.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = s
		return cond(s)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func send(t *testing.T, ch channel.Channel, kind channel.Kind, payload interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.Send(ctx, channel.MustMessage(kind, payload)))
}

func violate(t *testing.T, ch channel.Channel, kind Kind) {
	t.Helper()
	send(t, ch, channel.KindBrowserEvent, channel.BrowserEvent{Kind: string(kind)})
}

func expect(t *testing.T, ch channel.Channel, kind channel.Kind, payload interface{}) channel.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := ch.Receive(ctx)
	require.NoError(t, err, "waiting for %s", kind)
	require.Equal(t, kind, msg.Kind, "payload: %s", msg.Payload)
	if payload != nil {
		require.NoError(t, json.Unmarshal(msg.Payload, payload))
	}
	return msg
}

func expectClosed(t *testing.T, ch channel.Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := ch.Receive(ctx)
	require.Equal(t, channel.ErrClosed, err, "unexpected %s message: %s", msg.Kind, msg.Payload)
}

func TestNewCoordinator(t *testing.T) {
	deps := Deps{Logger: nopLogger{}, Acceptor: &fakeAcceptor{}, Evidence: &fakeEvidence{}, Archive: &fakeArchive{}}

	_, err := NewCoordinator(Config{Threshold: 0}, deps)
	assert.Error(t, err)

	_, err = NewCoordinator(testConfig(), Deps{Logger: nopLogger{}})
	assert.Error(t, err)

	_, err = NewCoordinator(testConfig(), deps)
	assert.NoError(t, err)
}

func TestCoordinator_Open(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.Open(context.Background(), "u-1", "e-1", epoch)
	assert.Equal(t, ErrInvalidExpiry, err)

	s := h.open()
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, epoch.Add(time.Hour), s.ExpiresAt)

	got, err := h.coord.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = h.coord.Get(context.Background(), "missing")
	assert.Equal(t, ErrNotFound, err)
}

func TestCoordinator_WarnWarnTerminate(t *testing.T) {
	h := newHarness(t)
	s, client := h.monitor()

	kinds := []Kind{KindWindowBlur, KindProhibitedShortcut, KindRightClick}
	for i, k := range kinds[:2] {
		h.clk.Advance(10 * time.Second)
		violate(t, client, k)

		var w channel.Warning
		expect(t, client, channel.KindWarning, &w)
		if w.ViolationCount != i+1 {
			t.Errorf("failed! count = %d; wantCount %d", w.ViolationCount, i+1)
		}
	}

	h.clk.Advance(10 * time.Second)
	violate(t, client, kinds[2])
	var term channel.Terminate
	expect(t, client, channel.KindTerminate, &term)
	assert.Equal(t, string(ReasonViolationThreshold), term.Reason)
	expectClosed(t, client)

	final := h.eventually(s.ID, func(s Session) bool { return s.State.Terminal() })
	assert.Equal(t, StateTerminated, final.State)
	assert.Equal(t, 3, final.ViolationCount)
	assert.Len(t, final.Violations, 3)
	assert.Equal(t, ReasonViolationThreshold, final.Outcome.Reason)

	assert.Eventually(t, func() bool { return len(h.publisher.kinds()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t,
		[]DecisionKind{DecisionActivated, DecisionWarning, DecisionWarning, DecisionTerminated},
		h.publisher.kinds())

	assert.Eventually(t, func() bool { return len(h.mailer.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	mail := h.mailer.sent()[0]
	assert.Equal(t, "session_terminated", mail.TemplateName)
	assert.Contains(t, mail.TextContent, s.ID)
	assert.Contains(t, mail.TextContent, string(ReasonViolationThreshold))

	require.Len(t, mail.Attachments, 1)
	at := mail.Attachments[0]
	assert.Equal(t, "session-"+s.ID+"-audit.json", at.Filename)
	assert.Equal(t, "application/json", at.ContentType)
	raw, err := base64.StdEncoding.DecodeString(at.Content.String())
	require.NoError(t, err)
	var audit []AuditEntry
	require.NoError(t, json.Unmarshal(raw, &audit))
	assert.Len(t, audit, 3)

	assert.Empty(t, h.acceptor.Calls())
}

func TestCoordinator_DedupRightClicks(t *testing.T) {
	h := newHarness(t)
	s, client := h.monitor()

	for i := 0; i < 5; i++ {
		violate(t, client, KindRightClick)
		h.clk.Advance(100 * time.Millisecond)
	}
	var w channel.Warning
	expect(t, client, channel.KindWarning, &w)
	assert.Equal(t, 1, w.ViolationCount)

	// a later, distinct violation is the second one counted
	h.clk.Advance(3 * time.Second)
	violate(t, client, KindProhibitedShortcut)
	expect(t, client, channel.KindWarning, &w)
	assert.Equal(t, 2, w.ViolationCount)

	snap := h.eventually(s.ID, func(s Session) bool { return len(s.Audit) == 6 })
	assert.Equal(t, 2, snap.ViolationCount)
	assert.Equal(t, WarnedState(2), snap.State)
}

func TestCoordinator_ReconnectWithinGrace(t *testing.T) {
	h := newHarness(t)
	s, client := h.monitor()

	violate(t, client, KindRightClick)
	expect(t, client, channel.KindWarning, nil)

	require.NoError(t, client.Close("network"))
	h.clk.WaitForTimers(2) // deadline + grace
	h.clk.Advance(10 * time.Second)

	client = h.attach(s.ID)
	var started channel.MonitoringStarted
	expect(t, client, channel.KindMonitoringStarted, &started)
	assert.Equal(t, 1, started.ViolationCount)

	// the grace timer is gone
	h.clk.Advance(time.Minute)
	snap := h.eventually(s.ID, func(s Session) bool { return len(s.Audit) == 2 })
	assert.Equal(t, WarnedState(1), snap.State)
	assert.Equal(t, 1, snap.ViolationCount)

	gap := snap.Audit[1]
	assert.Equal(t, KindConnectionGap, gap.Kind)
	assert.False(t, gap.Counted)
	assert.Equal(t, noteNotPersistent, gap.Note)
	assert.EqualValues(t, 10000, gap.Payload[durationKey])

	violate(t, client, KindFullscreenExit)
	var w channel.Warning
	expect(t, client, channel.KindWarning, &w)
	assert.Equal(t, 2, w.ViolationCount)
}

func TestCoordinator_ConnectionLost(t *testing.T) {
	h := newHarness(t)
	s, client := h.monitor()

	require.NoError(t, client.Close("network"))
	h.clk.WaitForTimers(2)
	h.clk.Advance(30 * time.Second)

	final := h.eventually(s.ID, func(s Session) bool { return s.State.Terminal() })
	assert.Equal(t, StateTerminated, final.State)
	assert.Equal(t, ReasonConnectionLost, final.Outcome.Reason)
	assert.Equal(t, ErrConnectionLost, ErrorFor(final.Outcome.Reason))

	// a late client learns the outcome and is disconnected
	late, server := channel.Pipe(4)
	err := h.coord.Attach(context.Background(), s.ID, server)
	assert.Equal(t, ErrSessionTerminal, errors.Cause(err))
	var term channel.Terminate
	expect(t, late, channel.KindTerminate, &term)
	assert.Equal(t, string(ReasonConnectionLost), term.Reason)
	expectClosed(t, late)
}

func TestCoordinator_IdleDisconnect(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.CapabilityGrace = 0 })
	s := h.open()
	client := h.attach(s.ID)
	require.NoError(t, client.Close("network"))

	// only the deadline is armed: an Idle session has no grace period to run out
	require.Never(t, func() bool { return h.clk.Pending() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	h.clk.Advance(time.Minute)

	client = h.attach(s.ID)
	send(t, client, channel.KindCapabilities, channel.Capabilities{Camera: true, Microphone: true, ScreenShare: true, Fullscreen: true})
	expect(t, client, channel.KindMonitoringStarted, nil)

	snap := h.eventually(s.ID, func(s Session) bool { return s.State == StateActive })
	assert.Nil(t, snap.Outcome)
	for _, entry := range snap.Audit {
		assert.NotEqual(t, KindConnectionGap, entry.Kind)
	}
}

func TestCoordinator_ReplaceChannel(t *testing.T) {
	h := newHarness(t)
	s, first := h.monitor()

	second := h.attach(s.ID)
	expect(t, second, channel.KindMonitoringStarted, nil)
	expectClosed(t, first)
	assert.Equal(t, closeReasonReplaced, channel.CloseReason(first))

	// the old channel's close doesn't arm the grace period
	h.clk.Advance(time.Minute)
	violate(t, second, KindRightClick)
	expect(t, second, channel.KindWarning, nil)
}

func TestCoordinator_ExpiryRace(t *testing.T) {
	tests := []struct {
		name       string
		at         time.Duration // relative to expiry
		wantReason Reason
		wantState  State
	}{
		{"violation strictly before expiry", -time.Millisecond, ReasonViolationThreshold, StateTerminated},
		{"violation at expiry", 0, ReasonDeadline, StateCompleted},
		{"violation after a late timer", time.Second, ReasonDeadline, StateCompleted},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *Config) { cfg.Threshold = 1 })
			s, client := h.monitor()
			send(t, client, channel.KindAnswers, channel.Answers{Payload: json.RawMessage(`{"q1":"b"}`)})
			h.eventually(s.ID, func(s Session) bool { return len(s.LastAnswers) > 0 })

			h.clk.Set(s.ExpiresAt.Add(tc.at))
			violate(t, client, KindFullscreenExit)

			var term channel.Terminate
			expect(t, client, channel.KindTerminate, &term)
			if term.Reason != string(tc.wantReason) {
				t.Errorf("failed! reason = %v; wantReason %v", term.Reason, tc.wantReason)
			}
			expectClosed(t, client)

			final := h.eventually(s.ID, func(s Session) bool { return s.State.Terminal() })
			assert.Equal(t, tc.wantState, final.State)

			calls := h.acceptor.Calls()
			if tc.wantState == StateCompleted {
				require.Len(t, calls, 1)
				assert.JSONEq(t, `{"q1":"b"}`, string(calls[0]))
				assert.Equal(t, s.ExpiresAt, final.Outcome.EndedAt)
			} else {
				assert.Empty(t, calls)
			}
		})
	}
}

func TestCoordinator_DeadlineIdempotent(t *testing.T) {
	h := newHarness(t)
	h.acceptor.setAccept(false)
	s, client := h.monitor()

	h.clk.Advance(time.Hour)
	var term channel.Terminate
	expect(t, client, channel.KindTerminate, &term)
	assert.Equal(t, string(ReasonDeadline), term.Reason)
	expectClosed(t, client)

	final := h.eventually(s.ID, func(s Session) bool { return s.State.Terminal() })
	// completes even though the collaborator said no
	assert.Equal(t, StateCompleted, final.State)

	h.clk.Advance(time.Hour)
	err := h.coord.Terminate(context.Background(), s.ID)
	assert.Equal(t, ErrSessionTerminal, err)
	assert.Len(t, h.acceptor.Calls(), 1)

	again := h.eventually(s.ID, func(s Session) bool { return true })
	assert.Equal(t, final.Outcome, again.Outcome)
}

func TestCoordinator_TimedSession(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.CapabilityGrace = 0 })

	_, err := h.coord.OpenTimed(context.Background(), "u-1", "e-1", 0)
	assert.Equal(t, ErrInvalidExpiry, err)

	s, err := h.coord.OpenTimed(context.Background(), "u-1", "e-1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), s.ExpiresAt)

	// time spent Idle is not exam time
	h.clk.WaitForTimers(1)
	h.clk.Advance(40 * time.Minute)
	client := h.attach(s.ID)
	send(t, client, channel.KindCapabilities, channel.Capabilities{Camera: true, Microphone: true, ScreenShare: true, Fullscreen: true})
	var started channel.MonitoringStarted
	expect(t, client, channel.KindMonitoringStarted, &started)
	wantExpiry := epoch.Add(40*time.Minute + time.Hour)
	assert.True(t, wantExpiry.Equal(started.ExpiresAt), "expires at %s; want %s", started.ExpiresAt, wantExpiry)

	// past the expiry of the Idle phase the session is still monitored
	h.clk.Advance(30 * time.Minute)
	violate(t, client, KindRightClick)
	expect(t, client, channel.KindWarning, nil)

	h.clk.Advance(30 * time.Minute)
	var term channel.Terminate
	expect(t, client, channel.KindTerminate, &term)
	assert.Equal(t, string(ReasonDeadline), term.Reason)

	final := h.eventually(s.ID, func(s Session) bool { return s.State.Terminal() })
	assert.Equal(t, StateCompleted, final.State)
	assert.True(t, wantExpiry.Equal(final.Outcome.EndedAt))
}

func TestCoordinator_IdleExpiry(t *testing.T) {
	h := newHarness(t)
	s := h.open()

	h.clk.Advance(time.Hour)
	final := h.eventually(s.ID, func(s Session) bool { return s.State.Terminal() })
	assert.Equal(t, StateTerminated, final.State)
	assert.Equal(t, ReasonDeadline, final.Outcome.Reason)
	assert.Empty(t, h.acceptor.Calls())
}

func TestCoordinator_Capabilities(t *testing.T) {
	h := newHarness(t)
	s := h.open()
	client := h.attach(s.ID)

	send(t, client, channel.KindCapabilities, channel.Capabilities{Camera: true, ScreenShare: true})
	var e channel.Error
	expect(t, client, channel.KindError, &e)
	assert.Equal(t, channel.CodeCapabilityUnavailable, e.Code)

	// no confirmation within the window
	h.clk.Advance(30 * time.Second)
	expect(t, client, channel.KindError, &e)
	assert.Equal(t, channel.CodeCapabilityUnavailable, e.Code)

	snap := h.eventually(s.ID, func(s Session) bool { return true })
	assert.Equal(t, StateIdle, snap.State)

	// the client may still retry
	send(t, client, channel.KindCapabilities, channel.Capabilities{Camera: true, Microphone: true})
	var started channel.MonitoringStarted
	expect(t, client, channel.KindMonitoringStarted, &started)
	assert.Equal(t, 3, started.Threshold)
	assert.Equal(t, int64(10000), started.CaptureIntervalMs)

	snap = h.eventually(s.ID, func(s Session) bool { return s.State == StateActive })
	assert.Equal(t, []string{"screen-share-unavailable", "fullscreen-unavailable"}, snap.RiskFactors)
}

func TestCoordinator_Submission(t *testing.T) {
	h := newHarness(t)
	h.acceptor.setAccept(false)
	s, client := h.monitor()

	send(t, client, channel.KindSubmit, channel.Answers{Payload: json.RawMessage(`{"q1":"a"}`)})
	var ack channel.SubmitAck
	expect(t, client, channel.KindSubmitAck, &ack)
	assert.False(t, ack.Accepted)
	var e channel.Error
	expect(t, client, channel.KindError, &e)
	assert.Equal(t, channel.CodeSubmissionRejected, e.Code)

	snap := h.eventually(s.ID, func(s Session) bool { return true })
	assert.Equal(t, StateActive, snap.State)

	h.acceptor.setAccept(true)
	send(t, client, channel.KindSubmit, channel.Answers{Payload: json.RawMessage(`{"q1":"c"}`)})
	expect(t, client, channel.KindSubmitAck, &ack)
	assert.True(t, ack.Accepted)
	var term channel.Terminate
	expect(t, client, channel.KindTerminate, &term)
	assert.Equal(t, string(ReasonSubmitted), term.Reason)
	expectClosed(t, client)

	final := h.eventually(s.ID, func(s Session) bool { return s.State.Terminal() })
	assert.Equal(t, StateCompleted, final.State)
	assert.Len(t, h.acceptor.Calls(), 2)

	// the deadline passing later submits nothing more
	h.clk.Advance(2 * time.Hour)
	assert.Len(t, h.acceptor.Calls(), 2)
}

func TestCoordinator_EndMonitoring(t *testing.T) {
	h := newHarness(t)
	s, client := h.monitor()

	send(t, client, channel.KindAnswers, channel.Answers{Payload: json.RawMessage(`[1,2]`)})
	h.eventually(s.ID, func(s Session) bool { return len(s.LastAnswers) > 0 })
	send(t, client, channel.KindEndMonitoring, channel.EndMonitoring{})
	expect(t, client, channel.KindSubmitAck, nil)
	expect(t, client, channel.KindTerminate, nil)

	final := h.eventually(s.ID, func(s Session) bool { return s.State.Terminal() })
	assert.Equal(t, StateCompleted, final.State)
	require.Len(t, h.acceptor.Calls(), 1)
	assert.JSONEq(t, `[1,2]`, string(h.acceptor.Calls()[0]))
}

func TestCoordinator_AuthorityOverride(t *testing.T) {
	h := newHarness(t)
	s, client := h.monitor()

	require.NoError(t, h.coord.Terminate(context.Background(), s.ID))
	var term channel.Terminate
	expect(t, client, channel.KindTerminate, &term)
	assert.Equal(t, string(ReasonAuthorityOverride), term.Reason)
	expectClosed(t, client)

	assert.Equal(t, ErrSessionTerminal, h.coord.Terminate(context.Background(), s.ID))
	assert.Equal(t, ErrNotFound, h.coord.Terminate(context.Background(), "missing"))
}

func TestCoordinator_MalformedMessages(t *testing.T) {
	h := newHarness(t)
	s, client := h.monitor()

	violate(t, client, Kind("tab-hidden"))
	var e channel.Error
	expect(t, client, channel.KindError, &e)
	assert.Equal(t, channel.CodeMalformedMessage, e.Code)

	require.NoError(t, client.Send(context.Background(), channel.Message{Kind: channel.KindWarning}))
	expect(t, client, channel.KindError, &e)

	require.NoError(t, client.Send(context.Background(), channel.Message{Kind: channel.KindBrowserEvent, Payload: json.RawMessage(`{"kind":`)}))
	expect(t, client, channel.KindError, &e)

	snap := h.eventually(s.ID, func(s Session) bool { return len(s.Audit) == 1 })
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, noteUnknownKind, snap.Audit[0].Note)
	assert.Zero(t, snap.ViolationCount)
}

func TestCoordinator_MalformedKnownSignal(t *testing.T) {
	h := newHarness(t)
	s, client := h.monitor()

	payloads := []string{
		`{"kind":"right-click","metadata":"oops"}`,
		`{"kind":"prohibited-shortcut","client_timestamp":"yesterday"}`,
	}
	for _, p := range payloads {
		require.NoError(t, client.Send(context.Background(), channel.Message{Kind: channel.KindBrowserEvent, Payload: json.RawMessage(p)}))
		var e channel.Error
		expect(t, client, channel.KindError, &e)
		assert.Equal(t, channel.CodeMalformedMessage, e.Code)
	}

	// a well-formed signal afterwards is the first to count
	violate(t, client, KindFullscreenExit)
	var w channel.Warning
	expect(t, client, channel.KindWarning, &w)
	assert.Equal(t, 1, w.ViolationCount)

	snap := h.eventually(s.ID, func(s Session) bool { return len(s.Audit) == 3 })
	assert.Equal(t, WarnedState(1), snap.State)
	assert.Equal(t, 1, snap.ViolationCount)
	for i, want := range []Kind{KindRightClick, KindProhibitedShortcut} {
		entry := snap.Audit[i]
		if entry.Kind != want || entry.Qualifying || entry.Counted || entry.Note != noteMalformed {
			t.Errorf("failed! audit[%d] = %+v; want non-qualifying %s with note %q", i, entry, want, noteMalformed)
		}
	}
}

func TestCoordinator_Evidence(t *testing.T) {
	h := newHarness(t)
	s, client := h.monitor()

	for seq := uint64(1); seq <= 3; seq++ {
		send(t, client, channel.KindEvidenceFrame, channel.EvidenceFrame{Sequence: seq, Payload: []byte("jpeg")})
	}
	// out of order frames are rejected, not delivered
	send(t, client, channel.KindEvidenceFrame, channel.EvidenceFrame{Sequence: 2, Payload: []byte("jpeg")})

	assert.Eventually(t, func() bool { return h.evidence.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	snap := h.eventually(s.ID, func(s Session) bool { return s.Evidence.Rejected == 1 })
	assert.Equal(t, uint64(3), snap.Evidence.Captured)
}

func TestCoordinator_ListAndStats(t *testing.T) {
	h := newHarness(t)
	_, client := h.monitor()
	idle := h.open()

	violate(t, client, KindRightClick)
	expect(t, client, channel.KindWarning, nil)

	all, err := h.coord.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	idles, err := h.coord.List(context.Background(), Filter{State: StateIdle})
	require.NoError(t, err)
	require.Len(t, idles, 1)
	assert.Equal(t, idle.ID, idles[0].ID)

	var st Stats
	require.Eventually(t, func() bool {
		st, err = h.coord.Stats(context.Background(), Filter{})
		return err == nil && st.Violations == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, st.Sessions)
	assert.Equal(t, 1, st.ByKind[KindRightClick])
}

func TestCoordinator_Shutdown(t *testing.T) {
	h := newHarness(t)
	s, client := h.monitor()

	require.NoError(t, h.coord.Shutdown(context.Background()))
	expectClosed(t, client)
	assert.Equal(t, closeReasonShutdown, channel.CloseReason(client))

	archived, err := h.archive.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, archived.State)

	_, err = h.coord.Open(context.Background(), "u-2", "e-1", epoch.Add(time.Hour))
	assert.Equal(t, ErrShuttingDown, err)
}
