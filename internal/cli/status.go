package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gemdesk/resilience/internal/core/config"
	"github.com/gemdesk/resilience/internal/resilience/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running resilience agent",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://localhost:%d/health/detailed", cfg.Server.Port)
	resp, err := client.Get(url)
	if err != nil {
		slog.Error("Failed to reach agent", "url", url, "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var report health.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		slog.Error("Failed to decode health report", "error", err)
		os.Exit(1)
	}

	fmt.Printf("System: %s\n\n", report.SystemStatus)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SUBSYSTEM\tSTATUS\tDETAIL")
	_, _ = fmt.Fprintf(w, "network\t%s\tonline=%t errors=%d deferred=%d\n",
		report.Network.Status, report.Network.Online,
		report.Network.ErrorsRecorded, report.Network.DeferredOps)
	_, _ = fmt.Fprintf(w, "cache\t%s\tentries=%d corrupted=%d health=%.1f%%\n",
		report.Cache.Status, report.Cache.TotalEntries,
		report.Cache.CorruptedEntries, report.Cache.HealthPercentage)
	_, _ = fmt.Fprintf(w, "session\t%s\ttabs=%d conflicts=%d active=%t\n",
		report.Session.Status, report.Session.ActiveTabs,
		report.Session.OpenConflicts, report.Session.SessionActive)
	_, _ = fmt.Fprintf(w, "fallback\t%s\texecutions=%d success=%.0f%%\n",
		report.Fallback.Status, report.Fallback.Executions,
		report.Fallback.SuccessRate*100)
	_ = w.Flush()
}
