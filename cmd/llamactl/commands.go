package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kalambet/llamactl/internal/catalog"
	"github.com/kalambet/llamactl/internal/config"
	"github.com/kalambet/llamactl/internal/session"
	"github.com/kalambet/llamactl/internal/storage"
)

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List known and discovered model artifacts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listModels(cmd.Context(), client, cmd.OutOrStdout())
	},
}

func listModels(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/v1/artifacts")
	if err != nil {
		return err
	}
	var descs []catalog.Descriptor
	if err := decodeJSON(resp, &descs); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILENAME\tNAME\tPRESENCE\tSOURCE")
	for _, d := range descs {
		presence := d.Presence.String()
		if d.Presence == catalog.Present {
			presence = colorize(colorGreen, presence)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(d.ID), d.Filename, d.DisplayName, presence, d.Provenance)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- load / unload ---

var loadCmd = &cobra.Command{
	Use:   "load <artifact>",
	Short: "Load a model, downloading it first if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return loadModel(cmd.Context(), client, args[0], wait)
	},
}

func init() {
	loadCmd.Flags().Bool("wait", true, "follow progress until the model is ready or fails")
}

func loadModel(ctx context.Context, client *apiClient, key string, wait bool) error {
	if !wait {
		resp, err := client.post(ctx, "/v1/load", map[string]string{"artifact": key})
		if err != nil {
			return err
		}
		var snap session.Snapshot
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}
		printStep("Load of %s requested (state: %s)", key, snap.State)
		return nil
	}

	// Subscribe first so the state changes caused by the request are seen.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ready := make(chan struct{})
	var loadErr error
	outcome := make(chan error, 1)
	go func() {
		outcome <- client.stream(ctx, http.MethodGet, "/v1/events", nil, func(event, data string) bool {
			if event == "snapshot" {
				close(ready)
				return true
			}
			var ev session.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return true
			}
			switch ev.Kind {
			case session.EventProgress:
				if ev.Progress != nil {
					printStep("Downloading %s", progressLabel(*ev.Progress))
				}
			case session.EventStatus:
				printStep("%s", ev.Line)
			case session.EventStateChanged:
				switch ev.State {
				case session.Ready:
					return false
				case session.Failed:
					loadErr = fmt.Errorf("load failed: %s", ev.Reason)
					return false
				}
			}
			return true
		})
	}()

	select {
	case <-ready:
	case err := <-outcome:
		if err == nil {
			err = fmt.Errorf("event stream closed")
		}
		return err
	}

	resp, err := client.post(ctx, "/v1/load", map[string]string{"artifact": key})
	if err != nil {
		return err
	}
	var snap session.Snapshot
	if err := decodeJSON(resp, &snap); err != nil {
		return err
	}
	if snap.State == session.Ready && snap.Artifact == key {
		printSuccess("%s is loaded", key)
		return nil
	}

	if err := <-outcome; err != nil {
		return err
	}
	if loadErr != nil {
		return loadErr
	}
	printSuccess("%s is ready", key)
	return nil
}

var unloadCmd = &cobra.Command{
	Use:   "unload",
	Short: "Release the loaded model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/unload", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Model unloaded")
		return nil
	},
}

// --- complete / cancel ---

var completeCmd = &cobra.Command{
	Use:   "complete <prompt>",
	Short: "Run a completion on the loaded model",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noStream, _ := cmd.Flags().GetBool("no-stream")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return complete(cmd.Context(), client, strings.Join(args, " "), !noStream, cmd.OutOrStdout())
	},
}

func init() {
	completeCmd.Flags().Bool("no-stream", false, "print the output only once generation finishes")
}

type completionResult struct {
	Record session.GenerationRecord `json:"record"`
	Error  string                   `json:"error,omitempty"`
}

func complete(ctx context.Context, client *apiClient, prompt string, stream bool, w io.Writer) error {
	body := map[string]any{"prompt": prompt, "stream": stream}

	var res completionResult
	if !stream {
		resp, err := client.longPost(ctx, "/v1/completions", body)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		fmt.Fprintln(w, res.Record.Output)
	} else {
		var got bool
		err := client.stream(ctx, http.MethodPost, "/v1/completions", body, func(_, data string) bool {
			if data == "[DONE]" {
				return false
			}
			var delta struct {
				Delta *string `json:"delta"`
			}
			if json.Unmarshal([]byte(data), &delta) == nil && delta.Delta != nil {
				fmt.Fprint(w, *delta.Delta)
				return true
			}
			got = json.Unmarshal([]byte(data), &res) == nil
			return true
		})
		fmt.Fprintln(w)
		if err != nil {
			return err
		}
		if !got {
			return fmt.Errorf("stream ended without a result")
		}
	}

	if res.Error != "" {
		return fmt.Errorf("generation %s: %s", res.Record.Outcome, res.Error)
	}
	printStatus("Heat up", "%.3fs", res.Record.WarmupSeconds)
	printStatus("Generated", "%.3fs (%.1f tokens/s)", res.Record.GenerationSeconds, res.Record.TokensPerSecond)
	return nil
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the running download, load or generation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/cancel", nil)
		if err != nil {
			return err
		}
		var body map[string]bool
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		if body["cancelled"] {
			printSuccess("Cancellation requested")
		} else {
			printWarning("Nothing to cancel")
		}
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and session status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	hc := &http.Client{Timeout: 2 * time.Second}
	resp, err := hc.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Models dir", "%s", cfg.Storage.ModelsDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)
	printStatus("Engine", "%s at %s", cfg.Engine.Backend, cfg.Engine.BaseURL)

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	return printSession(ctx, client)
}

func printSession(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/v1/state")
	if err != nil {
		return err
	}
	var snap session.Snapshot
	if err := decodeJSON(resp, &snap); err != nil {
		return err
	}

	state := snap.State.String()
	switch snap.State {
	case session.Ready, session.Finished:
		state = colorize(colorGreen, state)
	case session.Failed:
		state = colorize(colorRed, state)
	}
	printStatus("State", "%s", state)
	if snap.Artifact != "" {
		printStatus("Model", "%s", snap.Artifact)
	}
	if snap.Reason != "" {
		printStatus("Reason", "%s", snap.Reason)
	}
	if snap.Progress != nil {
		printStatus("Download", "%s", progressLabel(*snap.Progress))
	}
	if n := len(snap.StatusLog); n > 0 {
		printStatus("Last status", "%s", snap.StatusLog[n-1])
	}
	return nil
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded generations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		downloads, _ := cmd.Flags().GetBool("downloads")
		stats, _ := cmd.Flags().GetBool("stats")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		switch {
		case stats:
			return listStats(cmd.Context(), client, cmd.OutOrStdout())
		case downloads:
			return listDownloads(cmd.Context(), client, limit, cmd.OutOrStdout())
		default:
			return listRuns(cmd.Context(), client, limit, cmd.OutOrStdout())
		}
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "number of rows to show (max 100)")
	runsCmd.Flags().Bool("downloads", false, "list download attempts instead")
	runsCmd.Flags().Bool("stats", false, "show per-model averages of completed runs")
}

func listRuns(ctx context.Context, client *apiClient, limit int, w io.Writer) error {
	resp, err := client.get(ctx, fmt.Sprintf("/v1/runs?limit=%d", limit))
	if err != nil {
		return err
	}
	var runs []storage.Generation
	if err := decodeJSON(resp, &runs); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMODEL\tSTATUS\tWARMUP\tGENERATION\tTOKENS/S\tCHARS")
	for _, g := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3fs\t%.3fs\t%.1f\t%s\n",
			ago(g.StartedAt), g.Artifact, g.Status, g.WarmupSeconds, g.GenerationSeconds,
			g.TokensPerSecond, humanize.Comma(int64(g.OutputChars)))
	}
	return tw.Flush()
}

func listDownloads(ctx context.Context, client *apiClient, limit int, w io.Writer) error {
	resp, err := client.get(ctx, fmt.Sprintf("/v1/downloads?limit=%d", limit))
	if err != nil {
		return err
	}
	var downloads []storage.Download
	if err := decodeJSON(resp, &downloads); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMODEL\tSTATUS\tSIZE\tDURATION\tERROR")
	for _, d := range downloads {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1fs\t%s\n",
			ago(d.StartedAt), d.Artifact, d.Status, humanize.IBytes(uint64(d.Bytes)), d.Seconds, d.Error)
	}
	return tw.Flush()
}

func listStats(ctx context.Context, client *apiClient, w io.Writer) error {
	resp, err := client.get(ctx, "/v1/stats")
	if err != nil {
		return err
	}
	var stats []storage.GenerationStats
	if err := decodeJSON(resp, &stats); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tRUNS\tMEAN TOKENS/S\tMEAN WARMUP")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.3fs\n", s.Artifact, s.Runs, s.MeanTokensPerSec, s.MeanWarmupSeconds)
	}
	return tw.Flush()
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
