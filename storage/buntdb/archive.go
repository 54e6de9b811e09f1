// Package buntstore archives sessions in an embedded buntdb file, CBOR encoded.
package buntstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/codec"
	"github.com/trezcool/masomo-proctor/core/proctor"
)

const keyPrefix = "session:"

type Archive struct {
	db *buntdb.DB
}

var _ proctor.Archive = (*Archive)(nil)

// Open opens the archive at path; ":memory:" keeps it in memory.
func Open(path string) (*Archive, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening buntdb %s", path)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) Save(_ context.Context, s proctor.Session) error {
	data, err := codec.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "encoding session %s", s.ID)
	}
	err = a.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(keyPrefix+s.ID, string(data), nil)
		return err
	})
	return errors.Wrapf(err, "saving session %s", s.ID)
}

func (a *Archive) Get(_ context.Context, id string) (proctor.Session, error) {
	var s proctor.Session
	err := a.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(keyPrefix + id)
		if err != nil {
			return err
		}
		return decode(keyPrefix+id, val, &s)
	})
	if err == buntdb.ErrNotFound {
		return proctor.Session{}, proctor.ErrNotFound
	}
	if err != nil {
		return proctor.Session{}, errors.Wrapf(err, "reading session %s", id)
	}
	return s, nil
}

func (a *Archive) Query(_ context.Context, f proctor.Filter) ([]proctor.Session, error) {
	var sessions []proctor.Session
	err := a.db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.AscendKeys(keyPrefix+"*", func(key, val string) bool {
			var s proctor.Session
			if decodeErr = decode(key, val, &s); decodeErr != nil {
				return false
			}
			if f.Match(s) {
				sessions = append(sessions, s)
			}
			return true
		})
		if decodeErr != nil {
			return decodeErr
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "querying sessions")
	}

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// decode treats a record that no longer decodes as a corrupted archive: serving from it
// would hand out wrong outcomes, so the error asks the process to stop.
func decode(key, val string, s *proctor.Session) error {
	if err := codec.Unmarshal([]byte(val), s); err != nil {
		return core.NewShutdownError(fmt.Sprintf("archive record %s is corrupted: %v", key, err))
	}
	return nil
}
