package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Clark-Hu/store-rater/db"
)

func newMigrateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Apply every embedded migration that is not yet recorded in
schema_migrations. Running it again is a no-op.

Examples:
  storeratectl migrate --db postgres://localhost/storerater
  storeratectl migrate --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			st, err := opts.openStore(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer st.Close()

			applied, err := db.Migrate(cmd.Context(), st.Pool())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				if applied == nil {
					applied = []string{}
				}
				return json.NewEncoder(out).Encode(map[string][]string{"applied": applied})
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema is up to date")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(out, "applied %s\n", version)
			}
			return nil
		},
	}
}
