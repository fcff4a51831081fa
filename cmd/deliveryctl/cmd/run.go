package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/backpressure/internal/config"
	"github.com/austindbirch/backpressure/internal/delivery"
	"github.com/austindbirch/backpressure/internal/logging"
	"github.com/austindbirch/backpressure/internal/runner"
)

// runFlags maps viper keys to the flags that set them.
var runFlags = []struct {
	key, flag string
}{
	{"transport", "transport"},
	{"endpoint", "endpoint"},
	{"secret", "secret"},
	{"count", "count"},
	{"payload_bytes", "payload-bytes"},
	{"retry_budget", "retry-budget"},
	{"backoff", "backoff"},
	{"jitter", "jitter"},
	{"silent", "silent"},
	{"dlq_postgres", "dlq-postgres"},
	{"dlq_nsq", "dlq-nsq"},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Deliver one batch of requests",
	Long: `Generate a batch of requests and deliver them through the configured
transport. Failed requests are retried in rounds with a backoff between
rounds until they are all delivered or the retry budget runs out.

Exits non-zero if any request is left unsent, unless --silent is set.`,
	Example: `  deliveryctl run --transport http --endpoint http://localhost:8081/process --count 50
  deliveryctl run --retry-budget 3 --backoff 1s,2s,4s --dlq-postgres`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		applyRunOverrides(&cfg, viper.GetViper())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := logging.NewWithWriter("deliveryctl", cmd.ErrOrStderr())
		res, err := runner.Run(ctx, cfg, logger)
		if res.RunID != "" {
			if perr := printResult(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
		}
		return err
	},
}

func init() {
	f := runCmd.Flags()
	f.String("transport", "", "transport kind: http, nsq, redis or sqs (env TRANSPORT)")
	f.String("endpoint", "", "endpoint URL for the http transport (env ENDPOINT_URL)")
	f.String("secret", "", "HMAC signing secret for the http transport (env ENDPOINT_SECRET)")
	f.Int("count", 0, "number of requests to generate (env REQUEST_COUNT)")
	f.Int("payload-bytes", 0, "random payload size per request (env PAYLOAD_BYTES)")
	f.Int("retry-budget", 0, "retry rounds after the primary pass (env RETRY_BUDGET)")
	f.String("backoff", "", "comma separated waits between retry rounds (env BACKOFF_SCHEDULE)")
	f.Float64("jitter", 0, "backoff jitter fraction 0.0-1.0 (env BACKOFF_JITTER_PCT)")
	f.Bool("silent", false, "log a give-up without failing (env WORKER_SILENT)")
	f.Bool("dlq-postgres", false, "record unsent requests in Postgres (env DLQ_POSTGRES)")
	f.Bool("dlq-nsq", false, "publish unsent requests to the NSQ DLQ topic (env PUBLISH_DLQ_TOPIC)")

	for _, rf := range runFlags {
		viper.BindPFlag(rf.key, f.Lookup(rf.flag))
	}

	rootCmd.AddCommand(runCmd)
}

// applyRunOverrides layers config file and flag values over the environment
// defaults. Keys that were never set leave the environment value alone.
func applyRunOverrides(cfg *config.Config, v *viper.Viper) {
	if v.IsSet("transport") {
		cfg.Transport.Kind = v.GetString("transport")
	}
	if v.IsSet("endpoint") {
		cfg.Transport.EndpointURL = v.GetString("endpoint")
	}
	if v.IsSet("secret") {
		cfg.Transport.SigningSecret = v.GetString("secret")
	}
	if v.IsSet("count") {
		cfg.Source.Count = v.GetInt("count")
	}
	if v.IsSet("payload_bytes") {
		cfg.Source.PayloadBytes = v.GetInt("payload_bytes")
	}
	if v.IsSet("retry_budget") {
		cfg.Worker.RetryBudget = v.GetInt("retry_budget")
	}
	if v.IsSet("backoff") {
		cfg.Worker.BackoffSchedule = config.ParseBackoffSchedule(v.GetString("backoff"))
	}
	if v.IsSet("jitter") {
		cfg.Worker.JitterPercent = v.GetFloat64("jitter")
	}
	if v.IsSet("silent") {
		cfg.Worker.Silent = v.GetBool("silent")
	}
	if v.IsSet("dlq_postgres") {
		cfg.DeadLetter.Postgres = v.GetBool("dlq_postgres")
	}
	if v.IsSet("dlq_nsq") {
		cfg.DeadLetter.PublishNSQ = v.GetBool("dlq_nsq")
	}
}

type runSummary struct {
	RunID     string   `json:"run_id"`
	Outcome   string   `json:"outcome"`
	Sent      int      `json:"sent"`
	Attempts  int      `json:"attempts"`
	Delivered int      `json:"delivered"`
	Rounds    int      `json:"rounds"`
	Unsent    []string `json:"unsent,omitempty"`
}

func printResult(w io.Writer, res delivery.Result) error {
	s := runSummary{
		RunID:     res.RunID,
		Outcome:   string(res.Outcome),
		Sent:      res.Sent,
		Attempts:  res.Attempts,
		Delivered: res.Delivered,
		Rounds:    res.Rounds,
	}
	for _, r := range res.PermanentlyFailed {
		s.Unsent = append(s.Unsent, r.ID)
	}

	if outputJSON {
		return printJSON(w, s)
	}

	fmt.Fprintf(w, "Run %s: %s\n", s.RunID, s.Outcome)
	fmt.Fprintf(w, "  sent:      %d\n", s.Sent)
	fmt.Fprintf(w, "  delivered: %d\n", s.Delivered)
	fmt.Fprintf(w, "  attempts:  %d\n", s.Attempts)
	fmt.Fprintf(w, "  rounds:    %d\n", s.Rounds)
	if len(s.Unsent) > 0 {
		fmt.Fprintf(w, "  unsent:    %d\n", len(s.Unsent))
		for _, id := range s.Unsent {
			fmt.Fprintf(w, "    - %s\n", id)
		}
	}
	return nil
}
