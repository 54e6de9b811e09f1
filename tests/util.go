// Package testutil holds the builders shared by the package tests.
package testutil

import (
	"context"
	"net/mail"
	"testing"
	"time"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/proctor"
	emailsvc "github.com/trezcool/masomo-proctor/services/email"
	inmemdb "github.com/trezcool/masomo-proctor/storage/database/inmem"
)

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
func (NopLogger) Fatal(string, ...interface{}) {}

// Config returns the TEST environment configuration with the default proctoring policy.
func Config() *core.Config {
	return &core.Config{
		Env:              "TEST",
		TestMode:         true,
		AppName:          "Masomo Proctor",
		Build:            "test",
		SecretKey:        "secret",
		DefaultFromEmail: mail.Address{Name: "Masomo Proctor", Address: "noreply@localhost"},
		Server: core.ServerConfig{
			Address:            ":0",
			ShutdownTimeout:    5 * time.Second,
			JWTExpirationDelta: 10 * time.Minute,
		},
		Storage: core.StorageConfig{Driver: "memory", BuntDBPath: ":memory:"},
		Proctor: core.ProctorConfig{
			ViolationThreshold:    3,
			DedupWindow:           2 * time.Second,
			ConnectionGrace:       30 * time.Second,
			GapPersistence:        30 * time.Second,
			BlurFloor:             time.Second,
			CaptureInterval:       10 * time.Second,
			EvidenceQueueCapacity: 16,
			EvidenceFlushGrace:    time.Second,
			CapabilityGrace:       30 * time.Second,
			SubmissionTimeout:     5 * time.Second,
			SupervisorEmail:       "supervisor@localhost",
		},
	}
}

// Coordinator runs a coordinator over in-memory storage. It is shut down when the test ends.
func Coordinator(t *testing.T, conf *core.Config) (*proctor.Coordinator, *inmemdb.DB) {
	t.Helper()
	db := inmemdb.Open()
	validate, _ := proctor.NewValidator()
	coord, err := proctor.NewCoordinator(proctor.ConfigFrom(conf), proctor.Deps{
		Logger:   NopLogger{},
		Validate: validate,
		Acceptor: inmemdb.NewSubmissionRepository(db),
		Evidence: inmemdb.NewEvidenceRepository(db),
		Archive:  inmemdb.NewSessionRepository(db),
		Mailer:   emailsvc.NewConsoleServiceMock(conf),
	})
	if err != nil {
		t.Fatalf("NewCoordinator() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coord.Shutdown(ctx); err != nil {
			t.Errorf("Coordinator.Shutdown() failed: %v", err)
		}
	})
	return coord, db
}

// ArchivedSession stores an ended session directly in the archive.
func ArchivedSession(t *testing.T, db *inmemdb.DB, id, subjectID, examID string, reason proctor.Reason, kinds ...proctor.Kind) proctor.Session {
	t.Helper()
	created := time.Now().UTC().Add(-time.Hour)
	s := proctor.Session{
		ID:        id,
		SubjectID: subjectID,
		ExamID:    examID,
		ExpiresAt: created.Add(30 * time.Minute),
		State:     proctor.StateTerminated,
		CreatedAt: created,
		Outcome:   &proctor.Outcome{Reason: reason, EndedAt: created.Add(20 * time.Minute)},
	}
	if reason == proctor.ReasonSubmitted || reason == proctor.ReasonDeadline {
		s.State = proctor.StateCompleted
	}
	for i, k := range kinds {
		s.Violations = append(s.Violations, proctor.ViolationRecord{Kind: k, Timestamp: created.Add(time.Duration(i+1) * time.Minute)})
	}
	s.ViolationCount = len(s.Violations)
	if err := inmemdb.NewSessionRepository(db).Save(context.Background(), s); err != nil {
		t.Fatalf("ArchivedSession() failed: %v", err)
	}
	return s
}
