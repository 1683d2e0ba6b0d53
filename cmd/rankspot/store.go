package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rankspot/rankspot/internal/db"
)

// dbFlag is shared by every command that opens the database directly.
var dbFlag string

func addDBFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&dbFlag, "db", getEnv("RANKSPOT_DB", "rankspot.db"), "database path")
}

// openStore opens the database and returns the store plus a close func.
func openStore() (*db.Store, func(), error) {
	database, err := db.Open(dbFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return db.NewStore(database), func() { database.Close() }, nil
}
