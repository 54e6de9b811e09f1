package sqlxrepos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core/proctor"
)

type submissionRepository struct {
	db      *sqlx.DB
	nowFunc func() time.Time
}

var _ proctor.SubmissionAcceptor = (*submissionRepository)(nil)

func NewSubmissionRepository(db *sqlx.DB) *submissionRepository {
	return &submissionRepository{db: db, nowFunc: time.Now}
}

// AcceptSubmission records the answers once per session; later submissions are rejected.
func (repo submissionRepository) AcceptSubmission(ctx context.Context, sessionID string, payload json.RawMessage) (bool, error) {
	var answers interface{}
	if len(payload) > 0 {
		if !json.Valid(payload) {
			return false, nil
		}
		answers = string(payload)
	}

	res, err := repo.db.ExecContext(ctx, `
		INSERT INTO submissions (session_id, payload, submitted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO NOTHING`, sessionID, answers, repo.nowFunc().UTC())
	if err != nil {
		return false, errors.Wrapf(err, "recording submission of session %s", sessionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reading affected rows")
	}
	return n == 1, nil
}
