package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/backpressure/internal/config"
	"github.com/austindbirch/backpressure/internal/db"
	"github.com/austindbirch/backpressure/internal/deadletter"
	"github.com/austindbirch/backpressure/internal/delivery"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect dead-lettered requests",
}

var dlqListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List the most recent dead letters",
	Example: `  deliveryctl dlq list --limit 50
  deliveryctl dlq list --run-id 3f1c... --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn := viper.GetString("dsn")
		if dsn == "" {
			dsn = config.FromEnv().DSN()
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		pool, err := db.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer pool.Close()

		letters, err := deadletter.NewPostgresStore(pool).List(ctx, deadletter.ListFilter{
			RunID: viper.GetString("run_id"),
			Limit: viper.GetInt("limit"),
		})
		if err != nil {
			return err
		}
		return printDeadLetters(cmd.OutOrStdout(), letters)
	},
}

func init() {
	f := dlqListCmd.Flags()
	f.String("run-id", "", "only show dead letters from this run")
	f.Int("limit", 20, "maximum number of dead letters to show")
	f.String("dsn", "", "Postgres DSN (defaults to the DB_* environment variables)")

	viper.BindPFlag("run_id", f.Lookup("run-id"))
	viper.BindPFlag("limit", f.Lookup("limit"))
	viper.BindPFlag("dsn", f.Lookup("dsn"))

	dlqCmd.AddCommand(dlqListCmd)
	rootCmd.AddCommand(dlqCmd)
}

func printDeadLetters(w io.Writer, letters []delivery.DeadLetter) error {
	if outputJSON {
		if letters == nil {
			letters = []delivery.DeadLetter{}
		}
		return printJSON(w, letters)
	}
	if len(letters) == 0 {
		_, err := fmt.Fprintln(w, "No dead letters found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST ID\tRUN ID\tOUTCOME\tATTEMPTS\tDEAD AT\tLAST ERROR")
	for _, l := range letters {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			l.Request.ID, l.RunID, l.Outcome, l.Attempts, l.At, l.LastError)
	}
	return tw.Flush()
}
