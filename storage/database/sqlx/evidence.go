package sqlxrepos

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/trezcool/masomo-proctor/core/evidence"
	"github.com/trezcool/masomo-proctor/core/proctor"
)

// FrameRecord is a stored evidence frame.
type FrameRecord struct {
	SessionID  string    `db:"session_id"`
	Sequence   int64     `db:"sequence"`
	CapturedAt time.Time `db:"captured_at"`
	Payload    []byte    `db:"payload"`
	Digest     []byte    `db:"digest"`
	StoredAt   time.Time `db:"stored_at"`
}

func Digest(payload []byte) []byte {
	sum := blake2b.Sum256(payload)
	return sum[:]
}

type evidenceRepository struct {
	db *sqlx.DB
}

var _ proctor.EvidenceStore = (*evidenceRepository)(nil)

func NewEvidenceRepository(db *sqlx.DB) *evidenceRepository {
	return &evidenceRepository{db: db}
}

// Store keeps the first copy of each (session, sequence) pair.
func (repo evidenceRepository) Store(ctx context.Context, sessionID string, f evidence.Frame) error {
	rec := FrameRecord{
		SessionID:  sessionID,
		Sequence:   int64(f.Sequence),
		CapturedAt: f.CapturedAt.UTC(),
		Payload:    f.Payload,
		Digest:     Digest(f.Payload),
	}
	_, err := repo.db.NamedExecContext(ctx, `
		INSERT INTO evidence_frames (session_id, sequence, captured_at, payload, digest)
		VALUES (:session_id, :sequence, :captured_at, :payload, :digest)
		ON CONFLICT (session_id, sequence) DO NOTHING`, rec)
	return errors.Wrapf(err, "storing frame %d of session %s", f.Sequence, sessionID)
}

// Frames returns the stored frames of a session in sequence order.
func (repo evidenceRepository) Frames(ctx context.Context, sessionID string) ([]FrameRecord, error) {
	var frames []FrameRecord
	err := repo.db.SelectContext(ctx, &frames, `
		SELECT session_id, sequence, captured_at, payload, digest, stored_at
		FROM evidence_frames WHERE session_id = $1 ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "querying frames of session %s", sessionID)
	}
	return frames, nil
}
