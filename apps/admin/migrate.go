package main

import (
	"github.com/trezcool/masomo-proctor/storage/database"
)

var migrateFunc = database.Migrate // mockable

func (cli *commandLine) migrate(args []string) error {
	if cli.db == nil {
		return errNoDB
	}
	return migrateFunc(cli.db, args[0], args[1:]...)
}
