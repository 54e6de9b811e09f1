package notify

import (
	"context"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/proctor"
)

// ConsolePublisher logs decisions. It is used when no broker is configured.
type ConsolePublisher struct {
	logger core.Logger
}

var _ proctor.DecisionPublisher = ConsolePublisher{}

func NewConsolePublisher(logger core.Logger) ConsolePublisher {
	return ConsolePublisher{logger: logger}
}

func (p ConsolePublisher) Publish(_ context.Context, ev proctor.Event) error {
	p.logger.Info("decision "+string(ev.Decision.Kind), map[string]interface{}{
		"session_id": ev.SessionID,
		"exam_id":    ev.ExamID,
		"state":      string(ev.State),
		"count":      ev.Decision.Count,
		"reason":     string(ev.Decision.Reason),
	})
	return nil
}
