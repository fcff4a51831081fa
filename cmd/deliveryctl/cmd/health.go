package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/backpressure/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a running worker",
	Long:  `Query a running worker's /healthz endpoint and report each dependency check.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("http://%s/healthz", viper.GetString("worker"))
		client := &http.Client{Timeout: timeout}

		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		defer resp.Body.Close()

		var st health.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("decode health response: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, st)
		}
		if st.OK {
			fmt.Fprintln(out, "✓ Worker is healthy")
		} else {
			fmt.Fprintf(out, "✗ Worker is unhealthy (HTTP %d): %s\n", resp.StatusCode, st.Message)
		}
		for name, ok := range st.Checks {
			mark := "✓"
			if !ok {
				mark = "✗"
			}
			fmt.Fprintf(out, "  %s %s\n", mark, name)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().String("worker", "localhost:8083", "worker HTTP address (host:port)")
	viper.BindPFlag("worker", healthCmd.Flags().Lookup("worker"))
	rootCmd.AddCommand(healthCmd)
}
