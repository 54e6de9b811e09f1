package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/trezcool/masomo-proctor/core"
	buntstore "github.com/trezcool/masomo-proctor/storage/buntdb"
	"github.com/trezcool/masomo-proctor/storage/database"
	boiledrepos "github.com/trezcool/masomo-proctor/storage/database/sqlboiler"
)

var logger *log.Logger

func main() {
	logger = log.New(os.Stderr, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	os.Exit(run())
}

func run() int {
	conf := core.NewConfig()
	cli := commandLine{conf: conf, out: os.Stdout}

	switch conf.Storage.Driver {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		db, err := database.Open(ctx, conf)
		if err != nil {
			logger.Print(err)
			return 1
		}
		defer db.Close()
		cli.db = db.DB
		cli.archive = boiledrepos.NewSessionRepository(db)
	case "buntdb":
		archive, err := buntstore.Open(conf.Storage.BuntDBPath)
		if err != nil {
			logger.Print(err)
			return 1
		}
		defer archive.Close()
		cli.archive = archive
	}

	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		return 1
	}
	return 0
}
