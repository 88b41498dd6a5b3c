package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(withLogger(cmd.Context(), root), root.cfg)
			if err != nil {
				root.log.Error("migration failed", "err", err)
				return err
			}
			defer db.Close()
			root.log.Info("schema applied", "db_driver", root.cfg.DB.Driver)
			return nil
		},
	}
}
