package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/channel"
	"github.com/trezcool/masomo-proctor/core/clock"
	"github.com/trezcool/masomo-proctor/core/evidence"
)

type agentOptions struct {
	Capabilities channel.Capabilities
	Signals      SignalSource
	// Capturer is optional; without it no evidence is sent.
	Capturer      evidence.Capturer
	QueueCapacity int
	FlushGrace    time.Duration
	Clock         clock.Clock
	Logger        core.Logger
	Out           io.Writer
}

// agent is the monitored side of one session: it forwards signals and evidence frames
// and prints what the authority decides.
type agent struct {
	ch   channel.Channel
	opts agentOptions
}

func newAgent(ch channel.Channel, opts agentOptions) *agent {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = 8
	}
	return &agent{ch: ch, opts: opts}
}

// run announces the client capabilities, then serves the session until the authority
// closes the channel. It returns the reason the session ended with.
func (a *agent) run(ctx context.Context) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.ch.Send(ctx, channel.MustMessage(channel.KindCapabilities, a.opts.Capabilities)); err != nil {
		return "", errors.Wrap(err, "sending capabilities")
	}
	if a.opts.Signals != nil {
		go a.pumpSignals(ctx)
	}
	return a.receive(ctx)
}

func (a *agent) pumpSignals(ctx context.Context) {
	for {
		msg, err := a.opts.Signals.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			a.opts.Logger.Warn(fmt.Sprintf("skipping signal: %v", err), err)
			if errors.Cause(err) == errMalformedLine {
				continue
			}
			return
		}
		if err = a.ch.Send(ctx, msg); err != nil {
			return
		}
	}
}

func (a *agent) receive(ctx context.Context) (string, error) {
	var (
		reason   string
		pipeline *evidence.Pipeline
	)
	defer func() {
		if pipeline != nil {
			pipeline.Stop(a.opts.FlushGrace)
			st := pipeline.Stats()
			a.printf("evidence: %d captured, %d delivered, %d dropped", st.Captured, st.Delivered, st.Dropped)
		}
	}()

	for {
		msg, err := a.ch.Receive(ctx)
		if err == channel.ErrClosed {
			if reason == "" {
				reason = channel.CloseReason(a.ch)
			}
			a.printf("channel closed: %s", reason)
			return reason, nil
		}
		if err != nil {
			return reason, err
		}

		switch msg.Kind {
		case channel.KindMonitoringStarted:
			var started channel.MonitoringStarted
			if err = msg.Decode(&started, nil); err != nil {
				return reason, err
			}
			a.printf("monitoring started: expires at %s, %d violations allowed", started.ExpiresAt.Format(time.RFC3339), started.Threshold)
			if pipeline == nil && a.opts.Capturer != nil && started.CaptureIntervalMs > 0 {
				pipeline = a.startEvidence(ctx, time.Duration(started.CaptureIntervalMs)*time.Millisecond)
			}

		case channel.KindWarning:
			var w channel.Warning
			if err = msg.Decode(&w, nil); err != nil {
				return reason, err
			}
			a.printf("warning (%d): %s", w.ViolationCount, w.Message)

		case channel.KindTerminate:
			var t channel.Terminate
			if err = msg.Decode(&t, nil); err != nil {
				return reason, err
			}
			reason = t.Reason
			a.printf("terminated: %s", t.Reason)

		case channel.KindSubmitAck:
			var ack channel.SubmitAck
			if err = msg.Decode(&ack, nil); err != nil {
				return reason, err
			}
			a.printf("submission accepted: %t", ack.Accepted)

		case channel.KindError:
			var e channel.Error
			if err = msg.Decode(&e, nil); err != nil {
				return reason, err
			}
			a.printf("error %s: %s", e.Code, e.Message)

		default:
			a.opts.Logger.Debug(fmt.Sprintf("ignoring %s message", msg.Kind))
		}
	}
}

func (a *agent) startEvidence(ctx context.Context, interval time.Duration) *evidence.Pipeline {
	p := evidence.New(evidence.Options{
		Interval: interval,
		Capacity: a.opts.QueueCapacity,
		Capturer: a.opts.Capturer,
		Clock:    a.opts.Clock,
		Logger:   a.opts.Logger,
		Sink: evidence.SinkFunc(func(ctx context.Context, f evidence.Frame) error {
			return a.ch.Send(ctx, channel.MustMessage(channel.KindEvidenceFrame, channel.EvidenceFrame{
				Sequence:        f.Sequence,
				Payload:         f.Payload,
				ClientTimestamp: f.CapturedAt,
			}))
		}),
	})
	p.Start(ctx)
	return p
}

func (a *agent) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.opts.Out, format+"\n", args...)
}
