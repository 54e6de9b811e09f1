package proctor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/channel"
	"github.com/trezcool/masomo-proctor/core/clock"
	"github.com/trezcool/masomo-proctor/core/evidence"
)

const (
	sendTimeout    = 5 * time.Second
	publishTimeout = 5 * time.Second

	closeReasonReplaced = "replaced"
	closeReasonShutdown = "server-shutdown"
	closeReasonEnded    = "end-monitoring"
	closeReasonLost     = "connection-lost"
)

type (
	// SubmissionAcceptor is the answer-submission collaborator.
	SubmissionAcceptor interface {
		AcceptSubmission(ctx context.Context, sessionID string, payload json.RawMessage) (bool, error)
	}

	// EvidenceStore is the evidence-storage collaborator. Calls are fire-and-forget.
	EvidenceStore interface {
		Store(ctx context.Context, sessionID string, f evidence.Frame) error
	}

	// Archive persists session logs. Get returns ErrNotFound for unknown ids.
	Archive interface {
		Save(ctx context.Context, s Session) error
		Get(ctx context.Context, id string) (Session, error)
		Query(ctx context.Context, f Filter) ([]Session, error)
	}

	// DecisionPublisher fans decisions out to supervising dashboards.
	DecisionPublisher interface {
		Publish(ctx context.Context, ev Event) error
	}

	Event struct {
		SessionID string   `json:"session_id"`
		SubjectID string   `json:"subject_id"`
		ExamID    string   `json:"exam_id"`
		State     State    `json:"state"`
		Decision  Decision `json:"decision"`
	}
)

// Config is the policy surface of the coordinator.
type Config struct {
	Threshold             int
	DedupWindow           time.Duration
	ConnectionGrace       time.Duration
	CapabilityGrace       time.Duration
	SubmissionTimeout     time.Duration
	CaptureInterval       time.Duration
	EvidenceQueueCapacity int
	EvidenceFlushGrace    time.Duration
	Classifier            ClassifierConfig

	AppName         string
	SupervisorEmail string
}

// ConfigFrom maps the application configuration.
func ConfigFrom(cfg *core.Config) Config {
	pc := cfg.Proctor
	nonQualifying := make([]Kind, 0, len(pc.NonQualifying))
	for _, k := range pc.NonQualifying {
		nonQualifying = append(nonQualifying, Kind(strings.TrimSpace(k)))
	}
	return Config{
		Threshold:             pc.ViolationThreshold,
		DedupWindow:           pc.DedupWindow,
		ConnectionGrace:       pc.ConnectionGrace,
		CapabilityGrace:       pc.CapabilityGrace,
		SubmissionTimeout:     pc.SubmissionTimeout,
		CaptureInterval:       pc.CaptureInterval,
		EvidenceQueueCapacity: pc.EvidenceQueueCapacity,
		EvidenceFlushGrace:    pc.EvidenceFlushGrace,
		Classifier: ClassifierConfig{
			BlurFloor:      pc.BlurFloor,
			GapPersistence: pc.GapPersistence,
			NonQualifying:  nonQualifying,
		},
		AppName:         cfg.AppName,
		SupervisorEmail: pc.SupervisorEmail,
	}
}

// Deps are the coordinator's collaborators. Publisher and Mailer are optional.
type Deps struct {
	Clock     clock.Clock
	Logger    core.Logger
	Validate  *validator.Validate
	Acceptor  SubmissionAcceptor
	Evidence  EvidenceStore
	Archive   Archive
	Publisher DecisionPublisher
	Mailer    core.EmailService
}

// Coordinator is the external contract of the monitoring core: it opens sessions, binds
// event channels to them and runs one owner goroutine per live session.
type Coordinator struct {
	cfg        Config
	deps       Deps
	classifier *Classifier

	mu       sync.RWMutex
	live     map[string]*owner
	shutdown bool

	owners     sync.WaitGroup
	background sync.WaitGroup
}

func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	if cfg.Threshold < 1 {
		return nil, errors.Errorf("violation threshold must be at least 1, got %d", cfg.Threshold)
	}
	if deps.Archive == nil || deps.Acceptor == nil || deps.Evidence == nil {
		return nil, errors.New("archive, submission acceptor and evidence store are required")
	}
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Validate == nil {
		deps.Validate, _ = NewValidator()
	}
	if cfg.EvidenceQueueCapacity < 1 {
		cfg.EvidenceQueueCapacity = 1
	}
	return &Coordinator{
		cfg:        cfg,
		deps:       deps,
		classifier: NewClassifier(cfg.Classifier),
		live:       make(map[string]*owner),
	}, nil
}

func (c *Coordinator) now() time.Time {
	return c.deps.Clock.Now().UTC()
}

// Open creates an Idle session that expires at expiresAt.
func (c *Coordinator) Open(ctx context.Context, subjectID, examID string, expiresAt time.Time) (Session, error) {
	now := c.now()
	if !expiresAt.After(now) {
		return Session{}, ErrInvalidExpiry
	}
	return c.open(ctx, &Session{
		SubjectID: subjectID,
		ExamID:    examID,
		ExpiresAt: expiresAt.UTC().Round(0),
		CreatedAt: now,
	})
}

// OpenTimed creates an Idle session whose exam clock of d starts on entry to Active.
// Until then it expires d after opening.
func (c *Coordinator) OpenTimed(ctx context.Context, subjectID, examID string, d time.Duration) (Session, error) {
	if d <= 0 {
		return Session{}, ErrInvalidExpiry
	}
	now := c.now()
	return c.open(ctx, &Session{
		SubjectID: subjectID,
		ExamID:    examID,
		ExpiresAt: now.Add(d).Round(0),
		Duration:  d,
		CreatedAt: now,
	})
}

func (c *Coordinator) open(ctx context.Context, s *Session) (Session, error) {
	c.mu.RLock()
	closing := c.shutdown
	c.mu.RUnlock()
	if closing {
		return Session{}, ErrShuttingDown
	}

	s.ID = uuid.New().String()
	s.State = StateIdle
	engine, err := NewEngine(s, PolicyConfig{Threshold: c.cfg.Threshold, DedupWindow: c.cfg.DedupWindow}, c.classifier)
	if err != nil {
		return Session{}, err
	}
	if err = c.deps.Archive.Save(ctx, s.Clone()); err != nil {
		return Session{}, errors.Wrap(err, "saving new session")
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return Session{}, ErrShuttingDown
	}
	o := newOwner(c, engine)
	c.live[s.ID] = o
	c.owners.Add(1)
	c.mu.Unlock()

	go o.run()
	c.deps.Logger.Info(fmt.Sprintf("session %s opened, expires at %s", s.ID, s.ExpiresAt.Format(time.RFC3339)), *s)
	return o.snapshot(), nil
}

// Attach binds ch to a session, replacing any channel already attached. A terminal
// session receives its outcome on ch, which is then closed, and ErrSessionTerminal is
// returned.
func (c *Coordinator) Attach(ctx context.Context, id string, ch channel.Channel) error {
	if o, ok := c.owner(id); ok {
		reply := make(chan error, 1)
		if o.in.push(&item{kind: itemAttach, at: c.now(), ch: ch, reply: reply}) {
			select {
			case err := <-reply:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		// the owner is tearing down
		return deliverOutcome(ctx, o.snapshot(), ch)
	}

	s, err := c.deps.Archive.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.State.Terminal() {
		_ = ch.Close(closeReasonShutdown)
		return errors.Wrapf(ErrNotLive, "session %s", id)
	}
	return deliverOutcome(ctx, s, ch)
}

// Terminate is the authority override.
func (c *Coordinator) Terminate(ctx context.Context, id string) error {
	o, ok := c.owner(id)
	if !ok {
		if _, err := c.deps.Archive.Get(ctx, id); err != nil {
			return err
		}
		return ErrSessionTerminal
	}

	reply := make(chan error, 1)
	if !o.in.push(&item{kind: itemTerminate, at: c.now(), reason: ReasonAuthorityOverride, reply: reply}) {
		return ErrSessionTerminal
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a snapshot of a live session or the archived log of an ended one.
func (c *Coordinator) Get(ctx context.Context, id string) (Session, error) {
	if o, ok := c.owner(id); ok {
		return o.snapshot(), nil
	}
	return c.deps.Archive.Get(ctx, id)
}

// List merges live snapshots over the archive, oldest first.
func (c *Coordinator) List(ctx context.Context, f Filter) ([]Session, error) {
	archived, err := c.deps.Archive.Query(ctx, Filter{SubjectID: f.SubjectID, ExamID: f.ExamID})
	if err != nil {
		return nil, errors.Wrap(err, "querying archive")
	}

	byID := make(map[string]Session, len(archived))
	for _, s := range archived {
		byID[s.ID] = s
	}
	c.mu.RLock()
	for id, o := range c.live {
		byID[id] = o.snapshot()
	}
	c.mu.RUnlock()

	sessions := make([]Session, 0, len(byID))
	for _, s := range byID {
		if f.Match(s) {
			sessions = append(sessions, s)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (c *Coordinator) Stats(ctx context.Context, f Filter) (Stats, error) {
	sessions, err := c.List(ctx, f)
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(sessions), nil
}

// Shutdown closes every live channel with reason "server-shutdown", archives the sessions
// as they stand and waits for the owners to exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	owners := make([]*owner, 0, len(c.live))
	for _, o := range c.live {
		owners = append(owners, o)
	}
	c.mu.Unlock()

	for _, o := range owners {
		o.in.push(&item{kind: itemShutdown, at: c.now()})
	}

	done := make(chan struct{})
	go func() {
		c.owners.Wait()
		c.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for sessions to stop")
	}
}

func (c *Coordinator) owner(id string) (*owner, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.live[id]
	return o, ok
}

func (c *Coordinator) remove(id string) {
	c.mu.Lock()
	delete(c.live, id)
	c.mu.Unlock()
}

// goBackground runs fn in a tracked goroutine, recovering from collaborator panics.
func (c *Coordinator) goBackground(name string, s Session, fn func()) {
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		c.safely(name, s, fn)
	}()
}

func (c *Coordinator) safely(name string, s Session, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.deps.Logger.Error(fmt.Sprintf("%s panicked: %v", name, r), s)
		}
	}()
	fn()
}

func (c *Coordinator) publish(s Session, d Decision) {
	if c.deps.Publisher == nil {
		return
	}
	ev := Event{SessionID: s.ID, SubjectID: s.SubjectID, ExamID: s.ExamID, State: s.State, Decision: d}
	c.goBackground("publishing decision", s, func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := c.deps.Publisher.Publish(ctx, ev); err != nil {
			c.deps.Logger.Warn(fmt.Sprintf("publishing %s decision: %v", d.Kind, err), err, s)
		}
	})
}

func (c *Coordinator) notifySupervisor(s Session) {
	if c.deps.Mailer == nil || c.cfg.SupervisorEmail == "" {
		return
	}
	addr, err := mail.ParseAddress(c.cfg.SupervisorEmail)
	if err != nil {
		c.deps.Logger.Warn(fmt.Sprintf("supervisor email: %v", err), err)
		return
	}

	violations := make([]string, 0, len(s.Violations))
	for _, v := range s.Violations {
		violations = append(violations, fmt.Sprintf("%s at %s", v.Kind, v.Timestamp.Format(time.RFC3339)))
	}
	msg := &core.EmailMessage{
		To:           []mail.Address{*addr},
		Subject:      fmt.Sprintf("Proctored session %s terminated", s.ID),
		TemplateName: "session_terminated",
		TemplateData: map[string]interface{}{
			"SessionID":      s.ID,
			"SubjectID":      s.SubjectID,
			"ExamID":         s.ExamID,
			"Reason":         s.Outcome.Reason,
			"ViolationCount": s.ViolationCount,
			"Violations":     violations,
		},
	}
	if err = msg.Render(c.cfg.AppName); err != nil {
		c.deps.Logger.Error(fmt.Sprintf("rendering session_terminated email: %v", err), err, s)
		return
	}
	// the full audit log travels with the mail, the body only lists counted violations
	if audit, err := json.MarshalIndent(s.Audit, "", "  "); err != nil {
		c.deps.Logger.Warn(fmt.Sprintf("session %s: encoding audit log: %v", s.ID, err), err)
	} else if err = msg.Attach(bytes.NewReader(audit), fmt.Sprintf("session-%s-audit.json", s.ID), "application/json"); err != nil {
		c.deps.Logger.Warn(fmt.Sprintf("session %s: attaching audit log: %v", s.ID, err), err)
	}
	c.goBackground("sending supervisor email", s, func() { c.deps.Mailer.SendMessages(msg) })
}

// deliverOutcome tells a client attaching late how its session ended, then closes ch.
func deliverOutcome(ctx context.Context, s Session, ch channel.Channel) error {
	if s.Outcome == nil {
		_ = ch.Close(closeReasonShutdown)
		return ErrShuttingDown
	}
	for _, msg := range outcomeMessages(s) {
		if err := ch.Send(ctx, msg); err != nil {
			break
		}
	}
	_ = ch.Close(string(s.Outcome.Reason))
	return ErrSessionTerminal
}

func outcomeMessages(s Session) []channel.Message {
	var msgs []channel.Message
	if s.State == StateCompleted && s.Outcome.Reason == ReasonSubmitted {
		msgs = append(msgs, channel.MustMessage(channel.KindSubmitAck, channel.SubmitAck{Accepted: true}))
	}
	msgs = append(msgs, channel.MustMessage(channel.KindTerminate, channel.Terminate{Reason: string(s.Outcome.Reason)}))
	for i := range msgs {
		msgs[i].SessionID = s.ID
	}
	return msgs
}
