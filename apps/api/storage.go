package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-proctor/core"
	"github.com/trezcool/masomo-proctor/core/proctor"
	buntstore "github.com/trezcool/masomo-proctor/storage/buntdb"
	"github.com/trezcool/masomo-proctor/storage/database"
	inmemdb "github.com/trezcool/masomo-proctor/storage/database/inmem"
	boiledrepos "github.com/trezcool/masomo-proctor/storage/database/sqlboiler"
	sqlxrepos "github.com/trezcool/masomo-proctor/storage/database/sqlx"
)

const dbSetUpTimeout = time.Minute

// storage groups the coordinator's persistence collaborators.
type storage struct {
	archive  proctor.Archive
	acceptor proctor.SubmissionAcceptor
	evidence proctor.EvidenceStore
	close    func()
}

func setUpStorage(conf *core.Config, logger core.Logger) (*storage, error) {
	switch conf.Storage.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), dbSetUpTimeout)
		defer cancel()

		if err := database.CreateIfNotExist(ctx, conf); err != nil {
			return nil, err
		}
		db, err := database.Open(ctx, conf)
		if err != nil {
			return nil, err
		}
		if err = database.Migrate(db.DB, "up"); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &storage{
			archive:  boiledrepos.NewSessionRepository(db),
			acceptor: sqlxrepos.NewSubmissionRepository(db),
			evidence: sqlxrepos.NewEvidenceRepository(db),
			close: func() {
				if err := db.Close(); err != nil {
					logger.Error(fmt.Sprintf("Failed to close: %v", err), err)
				}
			},
		}, nil

	case "buntdb":
		archive, err := buntstore.Open(conf.Storage.BuntDBPath)
		if err != nil {
			return nil, err
		}
		mem := inmemdb.Open()
		return &storage{
			archive:  archive,
			acceptor: inmemdb.NewSubmissionRepository(mem),
			evidence: inmemdb.NewEvidenceRepository(mem),
			close: func() {
				if err := archive.Close(); err != nil {
					logger.Error(fmt.Sprintf("Failed to close: %v", err), err)
				}
			},
		}, nil

	case "memory", "":
		mem := inmemdb.Open()
		return &storage{
			archive:  inmemdb.NewSessionRepository(mem),
			acceptor: inmemdb.NewSubmissionRepository(mem),
			evidence: inmemdb.NewEvidenceRepository(mem),
			close:    func() {},
		}, nil
	}
	return nil, errors.Errorf("unknown storage driver %q", conf.Storage.Driver)
}
