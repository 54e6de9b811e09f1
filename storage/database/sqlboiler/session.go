package boiledrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
	"github.com/volatiletech/sqlboiler/v4/boil"
	"github.com/volatiletech/sqlboiler/v4/queries"
	"github.com/volatiletech/sqlboiler/v4/types"

	"github.com/trezcool/masomo-proctor/core/evidence"
	"github.com/trezcool/masomo-proctor/core/proctor"
)

const sessionColumns = `id, subject_id, exam_id, state, violation_count, expires_at, created_at, activated_at, ended_at, reason, log`

const upsertSession = `
INSERT INTO sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	violation_count = EXCLUDED.violation_count,
	activated_at = EXCLUDED.activated_at,
	ended_at = EXCLUDED.ended_at,
	reason = EXCLUDED.reason,
	log = EXCLUDED.log`

// ordering is one ORDER BY term.
type ordering struct {
	column string
	asc    bool
}

func (o ordering) String() string {
	if o.asc {
		return o.column + " ASC"
	}
	return o.column + " DESC"
}

var defaultOrdering = []ordering{{column: "created_at", asc: true}, {column: "id", asc: true}}

type (
	// sessionRow is the sessions table; the append-only logs live in the log JSONB column.
	sessionRow struct {
		ID             string      `boil:"id"`
		SubjectID      string      `boil:"subject_id"`
		ExamID         string      `boil:"exam_id"`
		State          string      `boil:"state"`
		ViolationCount int         `boil:"violation_count"`
		ExpiresAt      time.Time   `boil:"expires_at"`
		CreatedAt      time.Time   `boil:"created_at"`
		ActivatedAt    null.Time   `boil:"activated_at"`
		EndedAt        null.Time   `boil:"ended_at"`
		Reason         null.String `boil:"reason"`
		Log            types.JSON  `boil:"log"`
	}

	sessionLog struct {
		Violations  []proctor.ViolationRecord `json:"violations"`
		Audit       []proctor.AuditEntry      `json:"audit"`
		RiskFactors []string                  `json:"risk_factors,omitempty"`
		Evidence    evidence.Stats            `json:"evidence"`
	}
)

type sessionRepository struct {
	exec boil.ContextExecutor
}

var _ proctor.Archive = (*sessionRepository)(nil) // interface compliance check

// NewSessionRepository works over a *sql.DB, *sql.Tx or *sqlx.DB.
func NewSessionRepository(exec boil.ContextExecutor) *sessionRepository {
	return &sessionRepository{exec: exec}
}

func boilSession(s proctor.Session) (sessionRow, error) {
	row := sessionRow{
		ID:             s.ID,
		SubjectID:      s.SubjectID,
		ExamID:         s.ExamID,
		State:          string(s.State),
		ViolationCount: s.ViolationCount,
		ExpiresAt:      s.ExpiresAt.UTC(),
		CreatedAt:      s.CreatedAt.UTC(),
		ActivatedAt:    null.NewTime(s.ActivatedAt.UTC(), !s.ActivatedAt.IsZero()),
	}
	if s.Outcome != nil {
		row.EndedAt = null.TimeFrom(s.Outcome.EndedAt.UTC())
		row.Reason = null.StringFrom(string(s.Outcome.Reason))
	}
	log := sessionLog{
		Violations:  s.Violations,
		Audit:       s.Audit,
		RiskFactors: s.RiskFactors,
		Evidence:    s.Evidence,
	}
	if err := row.Log.Marshal(log); err != nil {
		return sessionRow{}, errors.Wrap(err, "encoding session log")
	}
	return row, nil
}

func unboilSession(row sessionRow) (proctor.Session, error) {
	var log sessionLog
	if len(row.Log) > 0 {
		if err := row.Log.Unmarshal(&log); err != nil {
			return proctor.Session{}, errors.Wrapf(err, "decoding log of session %s", row.ID)
		}
	}
	s := proctor.Session{
		ID:             row.ID,
		SubjectID:      row.SubjectID,
		ExamID:         row.ExamID,
		ExpiresAt:      row.ExpiresAt.UTC(),
		State:          proctor.State(row.State),
		ViolationCount: row.ViolationCount,
		Violations:     log.Violations,
		Audit:          log.Audit,
		RiskFactors:    log.RiskFactors,
		CreatedAt:      row.CreatedAt.UTC(),
		ActivatedAt:    row.ActivatedAt.Time.UTC(),
		Evidence:       log.Evidence,
	}
	if !row.ActivatedAt.Valid {
		s.ActivatedAt = time.Time{}
	}
	if row.EndedAt.Valid {
		s.Outcome = &proctor.Outcome{Reason: proctor.Reason(row.Reason.String), EndedAt: row.EndedAt.Time.UTC()}
	}
	return s, nil
}

func (repo sessionRepository) Save(ctx context.Context, s proctor.Session) error {
	row, err := boilSession(s)
	if err != nil {
		return err
	}
	_, err = queries.Raw(upsertSession,
		row.ID, row.SubjectID, row.ExamID, row.State, row.ViolationCount, row.ExpiresAt, row.CreatedAt,
		row.ActivatedAt, row.EndedAt, row.Reason, row.Log,
	).ExecContext(ctx, repo.exec)
	return errors.Wrapf(err, "saving session %s", s.ID)
}

func (repo sessionRepository) Get(ctx context.Context, id string) (proctor.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return proctor.Session{}, proctor.ErrNotFound
	}

	var row sessionRow
	err := queries.Raw(`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id).Bind(ctx, repo.exec, &row)
	if err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return proctor.Session{}, proctor.ErrNotFound
		}
		return proctor.Session{}, errors.Wrapf(err, "finding session %s", id)
	}
	return unboilSession(row)
}

func (repo sessionRepository) Query(ctx context.Context, f proctor.Filter) ([]proctor.Session, error) {
	query, args := buildQuery(f, defaultOrdering)

	var rows []sessionRow
	if err := queries.Raw(query, args...).Bind(ctx, repo.exec, &rows); err != nil {
		return nil, errors.Wrap(err, "querying sessions")
	}

	sessions := make([]proctor.Session, 0, len(rows))
	for _, row := range rows {
		s, err := unboilSession(row)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func buildQuery(f proctor.Filter, orderBy []ordering) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(column, value string) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if f.State != "" {
		add("state", string(f.State))
	}
	if f.SubjectID != "" {
		add("subject_id", f.SubjectID)
	}
	if f.ExamID != "" {
		add("exam_id", f.ExamID)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if len(orderBy) > 0 {
		orderList := make([]string, 0, len(orderBy))
		for _, ord := range orderBy {
			orderList = append(orderList, ord.String())
		}
		query += ` ORDER BY ` + strings.Join(orderList, ", ")
	}
	return query, args
}
