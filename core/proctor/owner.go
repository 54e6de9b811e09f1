package proctor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core/channel"
	"github.com/trezcool/masomo-proctor/core/clock"
	"github.com/trezcool/masomo-proctor/core/evidence"
)

// owner is the single goroutine allowed to touch a session's engine. Everything else
// reaches it through the intake.
type owner struct {
	c        *Coordinator
	engine   *Engine
	session  *Session
	in       *intake
	deadline *Deadline
	pipeline *evidence.Pipeline

	ctx    context.Context
	cancel context.CancelFunc

	// owned by the run goroutine
	ch          channel.Channel
	gen         uint64
	lostAt      time.Time
	graceTimer  clock.Timer
	capTimer    clock.Timer
	capGen      uint64
	accepted    bool
	finished    bool
	closeReason string

	snapMu sync.RWMutex
	snap   Session

	teardownOnce sync.Once
}

func newOwner(c *Coordinator, engine *Engine) *owner {
	ctx, cancel := context.WithCancel(context.Background())
	o := &owner{
		c:       c,
		engine:  engine,
		session: engine.Session(),
		in:      newIntake(),
		ctx:     ctx,
		cancel:  cancel,
	}
	o.snap = o.session.Clone()
	o.deadline = o.newDeadline(o.session.ExpiresAt)
	return o
}

func (o *owner) newDeadline(expiresAt time.Time) *Deadline {
	return NewDeadline(o.c.deps.Clock, expiresAt, func() {
		o.in.push(&item{kind: itemExpire, at: expiresAt})
	})
}

func (o *owner) run() {
	defer o.c.owners.Done()
	defer o.teardown()

	o.deadline.Arm()
	for !o.finished {
		o.deadline.Check(o.c.now())

		it, ok := o.in.pop()
		if !ok {
			<-o.in.wait()
			continue
		}
		o.handle(it)
		o.updateSnapshot()
	}
}

func (o *owner) handle(it *item) {
	// an item stamped at or past the expiry runs after it, even if the timer is late
	if it.kind != itemExpire && it.kind != itemShutdown && !it.at.Before(o.session.ExpiresAt) {
		o.expire()
	}
	if o.finished {
		o.reject(it)
		return
	}

	switch it.kind {
	case itemMessage:
		if it.gen == o.gen {
			o.handleMessage(it)
		}
	case itemTerminate:
		decisions, err := o.engine.Terminate(it.reason, it.at)
		if err == nil {
			o.c.deps.Logger.Info(fmt.Sprintf("session %s terminated by authority", o.session.ID), *o.session)
		}
		o.apply(decisions)
		o.replyTo(it, err)
	case itemExpire:
		// a deadline replaced on activation may still have queued its fire
		if !it.at.Before(o.session.ExpiresAt) {
			o.expire()
		}
	case itemAttach:
		o.attach(it)
	case itemLost:
		o.lost(it)
	case itemGraceExpired:
		if it.gen == o.gen && !o.lostAt.IsZero() {
			o.c.deps.Logger.Info(fmt.Sprintf("session %s: connection lost for more than %s", o.session.ID, o.c.cfg.ConnectionGrace), *o.session)
			decisions, _ := o.engine.Terminate(ReasonConnectionLost, it.at)
			o.apply(decisions)
		}
	case itemCapabilityTimeout:
		if it.gen == o.capGen && o.capTimer != nil {
			o.capTimer = nil
			if o.engine.State() == StateIdle {
				o.sendError(channel.CodeCapabilityUnavailable, "camera and microphone were not confirmed in time")
			}
		}
	case itemShutdown:
		o.closeReason = closeReasonShutdown
		o.finished = true
	}
}

func (o *owner) handleMessage(it *item) {
	msg := it.msg
	switch msg.Kind {
	case channel.KindBrowserEvent:
		var ev channel.BrowserEvent
		decodeErr := msg.Decode(&ev, nil)
		err := decodeErr
		if err == nil && o.c.deps.Validate != nil {
			err = o.c.deps.Validate.Struct(&ev)
		}
		if err != nil {
			o.malformed(msg, err)
			if ev.Kind == "" {
				return
			}
		}
		// unknown kinds and broken payloads still reach the audit log, never counted
		decisions, err := o.engine.Observe(Signal{
			Kind:            Kind(ev.Kind),
			Metadata:        ev.Metadata,
			ClientTimestamp: ev.ClientTimestamp,
			Timestamp:       it.at,
			Malformed:       decodeErr != nil,
		})
		o.check(err)
		o.apply(decisions)

	case channel.KindEvidenceFrame:
		var fr channel.EvidenceFrame
		if err := msg.Decode(&fr, o.c.deps.Validate); err != nil {
			o.malformed(msg, err)
			return
		}
		if o.pipeline == nil || !o.engine.State().Monitoring() {
			return
		}
		capturedAt := fr.ClientTimestamp
		if capturedAt.IsZero() {
			capturedAt = it.at
		}
		if err := o.pipeline.Offer(evidence.Frame{Sequence: fr.Sequence, CapturedAt: capturedAt, Payload: fr.Payload}); err != nil {
			o.c.deps.Logger.Warn(fmt.Sprintf("session %s: evidence frame %d: %v", o.session.ID, fr.Sequence, err), err)
		}

	case channel.KindCapabilities:
		var caps channel.Capabilities
		if err := msg.Decode(&caps, o.c.deps.Validate); err != nil {
			o.malformed(msg, err)
			return
		}
		o.activate(Capabilities(caps), it.at)

	case channel.KindAnswers:
		var ans channel.Answers
		if err := msg.Decode(&ans, o.c.deps.Validate); err != nil {
			o.malformed(msg, err)
			return
		}
		o.session.LastAnswers = append(json.RawMessage(nil), ans.Payload...)

	case channel.KindSubmit:
		var ans channel.Answers
		if err := msg.Decode(&ans, o.c.deps.Validate); err != nil {
			o.malformed(msg, err)
			return
		}
		o.submit(ans.Payload, it.at)

	case channel.KindEndMonitoring:
		if !o.engine.State().Monitoring() {
			// nothing started yet: drop the channel, the session stays Idle
			_ = o.ch.Close(closeReasonEnded)
			return
		}
		// ending the exam submits the last reported answers
		o.submit(o.session.LastAnswers, it.at)

	default:
		o.malformed(msg, errors.Wrapf(channel.ErrUnknownKind, "%q", msg.Kind))
	}
}

func (o *owner) activate(caps Capabilities, at time.Time) {
	decisions, err := o.engine.Activate(caps, at)
	if err == ErrCapabilityUnavailable {
		o.sendError(channel.CodeCapabilityUnavailable, "camera and microphone are required")
		o.openCapabilityWindow()
		return
	}
	o.check(err)
	if len(decisions) == 0 {
		return
	}

	o.stopCapabilityWindow()
	if o.session.Duration > 0 {
		o.deadline.Cancel()
		o.session.ExpiresAt = at.Add(o.session.Duration).UTC().Round(0)
		o.deadline = o.newDeadline(o.session.ExpiresAt)
		o.deadline.Arm()
	}
	o.startPipeline()
	o.sendMonitoringStarted()
	o.c.deps.Logger.Info(fmt.Sprintf("session %s monitoring started", o.session.ID), *o.session)
	o.apply(decisions)
}

func (o *owner) submit(payload json.RawMessage, at time.Time) {
	o.session.LastAnswers = append(json.RawMessage(nil), payload...)
	if !o.engine.State().Monitoring() || !o.accept(payload) {
		o.send(channel.KindSubmitAck, channel.SubmitAck{Accepted: false})
		o.sendError(channel.CodeSubmissionRejected, ErrSubmissionRejected.Error())
		return
	}
	decisions, err := o.engine.Complete(ReasonSubmitted, at)
	o.check(err)
	o.apply(decisions)
}

// accept calls the submission collaborator. Once a call has been accepted no other is made.
func (o *owner) accept(payload json.RawMessage) bool {
	if o.accepted {
		return false
	}
	ctx, cancel := o.collaboratorContext()
	defer cancel()

	var ok bool
	var err error
	o.c.safely("accepting submission", *o.session, func() {
		ok, err = o.c.deps.Acceptor.AcceptSubmission(ctx, o.session.ID, payload)
	})
	if err != nil {
		o.c.deps.Logger.Warn(fmt.Sprintf("session %s: accepting submission: %v", o.session.ID, err), err, *o.session)
		return false
	}
	o.accepted = ok
	return ok
}

// expire applies the deadline once. A monitoring session submits its last answers first
// and completes whatever the collaborator says.
func (o *owner) expire() {
	if o.engine.State().Terminal() {
		return
	}
	if o.engine.State().Monitoring() {
		o.accept(o.session.LastAnswers)
	}
	decisions, err := o.engine.Expire(o.session.ExpiresAt)
	o.check(err)
	o.apply(decisions)
}

func (o *owner) attach(it *item) {
	if o.ch != nil {
		_ = o.ch.Close(closeReasonReplaced)
	}
	o.gen++
	o.ch = it.ch
	go o.read(it.ch, o.gen)

	if !o.lostAt.IsZero() {
		if o.graceTimer != nil {
			o.graceTimer.Stop()
			o.graceTimer = nil
		}
		gap := it.at.Sub(o.lostAt)
		o.lostAt = time.Time{}
		decisions, err := o.engine.Observe(Signal{
			Kind:      KindConnectionGap,
			Metadata:  map[string]interface{}{durationKey: gap.Milliseconds()},
			Timestamp: it.at,
		})
		o.check(err)
		o.apply(decisions)
	}
	o.replyTo(it, nil)
	if o.finished {
		return
	}

	switch {
	case o.engine.State() == StateIdle:
		o.openCapabilityWindow()
	case o.engine.State().Monitoring():
		o.sendMonitoringStarted()
	}
}

func (o *owner) lost(it *item) {
	if it.gen != o.gen || o.ch == nil {
		return
	}
	o.c.deps.Logger.Debug(fmt.Sprintf("session %s: channel closed (%s)", o.session.ID, channel.CloseReason(o.ch)))
	_ = o.ch.Close(closeReasonLost)
	o.ch = nil
	// an Idle session waits for the client to retry, or for its deadline
	if !o.engine.State().Monitoring() {
		return
	}
	o.lostAt = it.at

	gen := o.gen
	o.graceTimer = o.c.deps.Clock.AfterFunc(o.c.cfg.ConnectionGrace, func() {
		o.in.push(&item{kind: itemGraceExpired, at: o.c.now(), gen: gen})
	})
}

// read forwards inbound messages of one channel generation to the intake.
func (o *owner) read(ch channel.Channel, gen uint64) {
	for {
		msg, err := ch.Receive(o.ctx)
		if err != nil {
			o.in.push(&item{kind: itemLost, at: o.c.now(), gen: gen})
			return
		}
		if !o.in.push(&item{kind: itemMessage, at: o.c.now(), msg: msg, gen: gen}) {
			return
		}
	}
}

func (o *owner) openCapabilityWindow() {
	if o.capTimer != nil || o.c.cfg.CapabilityGrace <= 0 {
		return
	}
	o.capGen++
	gen := o.capGen
	o.capTimer = o.c.deps.Clock.AfterFunc(o.c.cfg.CapabilityGrace, func() {
		o.in.push(&item{kind: itemCapabilityTimeout, at: o.c.now(), gen: gen})
	})
}

func (o *owner) stopCapabilityWindow() {
	if o.capTimer != nil {
		o.capTimer.Stop()
		o.capTimer = nil
	}
}

func (o *owner) startPipeline() {
	id := o.session.ID
	o.pipeline = evidence.New(evidence.Options{
		Capacity: o.c.cfg.EvidenceQueueCapacity,
		Clock:    o.c.deps.Clock,
		Logger:   o.c.deps.Logger,
		Sink: evidence.SinkFunc(func(ctx context.Context, f evidence.Frame) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("evidence store panicked: %v", r)
				}
			}()
			return o.c.deps.Evidence.Store(ctx, id, f)
		}),
	})
	o.pipeline.Start(o.ctx)
}

// apply relays decisions to the client and the publisher, finishing the session on a
// terminal one.
func (o *owner) apply(decisions []Decision) {
	for _, d := range decisions {
		snap := o.session.Clone()
		o.c.publish(snap, d)

		switch d.Kind {
		case DecisionWarning:
			o.send(channel.KindWarning, channel.Warning{Message: d.Message, ViolationCount: d.Count})
			o.c.deps.Logger.Info(fmt.Sprintf("session %s warned (%d/%d)", o.session.ID, d.Count, o.engine.Threshold()), snap)
		case DecisionTerminated, DecisionCompleted:
			o.finish(snap)
		}
	}
}

func (o *owner) finish(s Session) {
	for _, msg := range outcomeMessages(s) {
		o.sendMessage(msg)
	}
	o.closeReason = string(s.Outcome.Reason)
	o.finished = true

	if s.State == StateTerminated {
		args := []interface{}{s}
		if err := ErrorFor(s.Outcome.Reason); err != nil {
			args = append(args, err)
		}
		o.c.deps.Logger.Warn(fmt.Sprintf("session %s terminated: %s", s.ID, s.Outcome.Reason), args...)
		o.c.notifySupervisor(s)
	} else {
		o.c.deps.Logger.Info(fmt.Sprintf("session %s completed: %s", s.ID, s.Outcome.Reason), s)
	}
}

// teardown runs once, after the owner loop exits.
func (o *owner) teardown() {
	o.teardownOnce.Do(func() {
		o.deadline.Cancel()
		if o.graceTimer != nil {
			o.graceTimer.Stop()
		}
		o.stopCapabilityWindow()

		for _, it := range o.in.close() {
			o.reject(it)
		}
		if o.ch != nil {
			_ = o.ch.Close(o.closeReason)
			o.ch = nil
		}
		o.cancel()
		o.updateSnapshot()

		final := o.snapshot()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := o.c.deps.Archive.Save(ctx, final); err != nil {
			o.c.deps.Logger.Error(fmt.Sprintf("archiving session %s: %v", final.ID, err), err, final)
		}
		cancel()
		o.c.remove(final.ID)

		if o.pipeline == nil {
			return
		}
		// capture stops now; the flush and the stats update don't hold up completion
		pipeline := o.pipeline
		o.c.goBackground("stopping evidence pipeline", final, func() {
			pipeline.Stop(o.c.cfg.EvidenceFlushGrace)
			final.Evidence = pipeline.Stats()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := o.c.deps.Archive.Save(ctx, final); err != nil {
				o.c.deps.Logger.Error(fmt.Sprintf("archiving session %s: %v", final.ID, err), err, final)
			}
		})
	})
}

// reject answers an item that arrived after the session finished.
func (o *owner) reject(it *item) {
	switch it.kind {
	case itemAttach:
		err := deliverOutcome(o.ctx, o.snapshotFromSession(), it.ch)
		o.replyTo(it, err)
	case itemTerminate:
		o.replyTo(it, ErrSessionTerminal)
	}
}

func (o *owner) replyTo(it *item, err error) {
	if it.reply != nil {
		it.reply <- err
	}
}

func (o *owner) send(kind channel.Kind, payload interface{}) {
	msg, err := channel.NewMessage(kind, payload)
	if err != nil {
		o.c.deps.Logger.Error(err.Error(), err)
		return
	}
	o.sendMessage(msg)
}

func (o *owner) sendMessage(msg channel.Message) {
	if o.ch == nil {
		return
	}
	msg.SessionID = o.session.ID
	msg.SentAt = o.c.now()

	ctx, cancel := context.WithTimeout(o.ctx, sendTimeout)
	defer cancel()
	if err := o.ch.Send(ctx, msg); err != nil {
		o.c.deps.Logger.Debug(fmt.Sprintf("session %s: sending %s: %v", o.session.ID, msg.Kind, err))
	}
}

func (o *owner) sendError(code, message string) {
	o.send(channel.KindError, channel.Error{Code: code, Message: message})
}

func (o *owner) sendMonitoringStarted() {
	o.send(channel.KindMonitoringStarted, channel.MonitoringStarted{
		ExpiresAt:         o.session.ExpiresAt,
		Threshold:         o.engine.Threshold(),
		CaptureIntervalMs: o.c.cfg.CaptureInterval.Milliseconds(),
		ViolationCount:    o.session.ViolationCount,
	})
}

func (o *owner) malformed(msg channel.Message, err error) {
	o.c.deps.Logger.Warn(fmt.Sprintf("session %s: malformed %s message: %v", o.session.ID, msg.Kind, err), err)
	o.sendError(channel.CodeMalformedMessage, err.Error())
}

func (o *owner) check(err error) {
	if err != nil {
		o.c.deps.Logger.Error(fmt.Sprintf("session %s: %v", o.session.ID, err), err, *o.session)
	}
}

func (o *owner) collaboratorContext() (context.Context, context.CancelFunc) {
	if o.c.cfg.SubmissionTimeout > 0 {
		return context.WithTimeout(o.ctx, o.c.cfg.SubmissionTimeout)
	}
	return context.WithCancel(o.ctx)
}

func (o *owner) updateSnapshot() {
	snap := o.session.Clone()
	if o.pipeline != nil {
		snap.Evidence = o.pipeline.Stats()
	}
	o.snapMu.Lock()
	o.snap = snap
	o.snapMu.Unlock()
}

func (o *owner) snapshot() Session {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snap.Clone()
}

// snapshotFromSession is used on the owner goroutine, where the session is current.
func (o *owner) snapshotFromSession() Session {
	return o.session.Clone()
}
