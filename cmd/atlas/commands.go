package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/atlas/internal/discovery"
	"github.com/ajitpratap0/atlas/internal/engine"
	"github.com/ajitpratap0/atlas/pkg/catalog"
	"github.com/ajitpratap0/atlas/pkg/connector/sources"
	"github.com/ajitpratap0/atlas/pkg/errors"
	"github.com/ajitpratap0/atlas/pkg/logger"
	"github.com/ajitpratap0/atlas/pkg/models"
)

func (c *cli) connectorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connectors",
		Short: "List available connector types",
		RunE: func(cmd *cobra.Command, args []string) error {
			types := sources.Available()
			if c.jsonOutput() {
				type connectorInfo struct {
					Name         string   `json:"name"`
					Description  string   `json:"description"`
					Capabilities []string `json:"capabilities"`
					Settings     []string `json:"settings"`
				}
				out := make([]connectorInfo, 0, len(types))
				for _, t := range types {
					out = append(out, connectorInfo{t.Name, t.Description, t.Capabilities.List(), t.Settings})
				}
				return c.printJSON(out)
			}
			rows := make([][]string, 0, len(types))
			for _, t := range types {
				rows = append(rows, []string{t.Name, strings.Join(t.Capabilities.List(), ","), t.Description})
			}
			c.printTable([]string{"TYPE", "CAPABILITIES", "DESCRIPTION"}, rows)
			return nil
		},
	}
}

func (c *cli) sourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				infos := e.Sources()
				if c.jsonOutput() {
					return c.printJSON(infos)
				}
				rows := make([][]string, 0, len(infos))
				for _, s := range infos {
					rows = append(rows, []string{s.ID, s.Type, strconv.FormatBool(s.Enabled), strings.Join(s.Capabilities, ",")})
				}
				c.printTable([]string{"ID", "TYPE", "ENABLED", "CAPABILITIES"}, rows)
				return nil
			})
		},
	}
}

func (c *cli) testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test [source-id...]",
		Short: "Test connectivity of configured sources",
		Long:  "Test connectivity of the given sources, or of every enabled source in parallel.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				var results []engine.SourceStatus
				if len(args) == 0 {
					results = e.TestConnections(cmd.Context())
				} else {
					for _, id := range args {
						res, err := e.TestConnection(cmd.Context(), id)
						if err != nil {
							return err
						}
						results = append(results, res)
					}
				}

				failed := 0
				rows := make([][]string, 0, len(results))
				for _, r := range results {
					if !r.OK {
						failed++
					}
					msg := r.Message
					if r.Error != "" {
						msg = r.Error
					}
					rows = append(rows, []string{r.SourceID, r.Type, okString(r.OK), r.Latency.Round(time.Millisecond).String(), msg})
				}
				if c.jsonOutput() {
					if err := c.printJSON(results); err != nil {
						return err
					}
				} else {
					c.printTable([]string{"SOURCE", "TYPE", "STATUS", "LATENCY", "MESSAGE"}, rows)
				}
				if failed > 0 {
					return errors.Newf(errors.ErrorTypeConnection, "%d of %d sources failed the connection test", failed, len(results))
				}
				return nil
			})
		},
	}
}

func (c *cli) scanCmd() *cobra.Command {
	var sourceID string
	var detectRemovals bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan sources and update the catalog",
		Long: `Scan every enabled source (a full scan with removal detection) or a single
source. A run that completes with source failures exits non-zero.

Example:
  atlas scan --config atlas.yaml
  atlas scan --source warehouse --detect-removals`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				var run *models.ScanRun
				var err error
				if sourceID == "" {
					run, err = e.RunFullScan(cmd.Context())
				} else {
					var opts []discovery.ScanOption
					if detectRemovals {
						opts = append(opts, discovery.WithRemovalDetection())
					}
					run, err = e.RunScan(cmd.Context(), sourceID, opts...)
				}
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					if err := c.printJSON(run); err != nil {
						return err
					}
				} else {
					c.printRun(run)
				}
				return run.Err()
			})
		},
	}
	cmd.Flags().StringVarP(&sourceID, "source", "s", "", "Scan only this source")
	cmd.Flags().BoolVar(&detectRemovals, "detect-removals", false, "Soft-delete assets of --source that were not observed")
	return cmd
}

func (c *cli) monitorCmd() *cobra.Command {
	var initialScan bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch sources and keep the catalog current until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return c.withEngine(ctx, func(e *engine.Engine) error {
				log := logger.Get().With(zap.String("component", "atlas-cli"))

				var srv *http.Server
				if c.cfg.Metrics.Enabled {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					srv = &http.Server{Addr: c.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
					go func() {
						if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
							log.Error("metrics server failed", zap.Error(err))
						}
					}()
					log.Info("serving metrics", zap.String("address", c.cfg.Metrics.Address))
				}

				if initialScan {
					run, err := e.RunFullScan(ctx)
					if err != nil {
						return err
					}
					c.printRun(run)
				}
				if err := e.StartMonitoring(ctx); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s press Ctrl+C to stop\n", color.CyanString("Monitoring"))

				<-ctx.Done()
				fmt.Fprintln(c.out, "Stopping, waiting for in-flight scans...")

				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*c.cfg.Monitoring.PerConnectorTimeout)
				defer cancel()
				err := e.StopMonitoring(stopCtx)
				if srv != nil {
					_ = srv.Shutdown(stopCtx)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&initialScan, "initial-scan", true, "Run a full scan before monitoring")
	return cmd
}

func (c *cli) searchCmd() *cobra.Command {
	var f catalog.Filter

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search live assets by name, location, tag or field",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				assets, err := e.Search(cmd.Context(), strings.Join(args, " "), f)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(assets)
				}
				c.printAssets(assets)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "Only assets of this type (table, file, stream...)")
	cmd.Flags().StringVarP(&f.SourceID, "source", "s", "", "Only assets of this source")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "Maximum number of results")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <asset-id>",
		Short: "Show one asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				a, err := e.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(a)
				}
				c.printAsset(a)
				return nil
			})
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <asset-id>",
		Short: "Show the change history of an asset, including removal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				entries, err := e.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(entries)
				}
				rows := make([][]string, 0, len(entries))
				for _, h := range entries {
					rows = append(rows, []string{
						strconv.FormatInt(h.Seq, 10),
						h.ObservedAt.Format(time.RFC3339),
						string(h.ChangeKind),
						h.RunID,
						short(h.PreviousHash),
						short(h.NewHash),
					})
				}
				c.printTable([]string{"SEQ", "OBSERVED", "CHANGE", "RUN", "PREVIOUS", "NEW"}, rows)
				return nil
			})
		},
	}
}

func (c *cli) runsCmd() *cobra.Command {
	var latest bool
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List scan runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				if latest {
					run, err := e.LatestRun(cmd.Context())
					if err != nil {
						return err
					}
					if c.jsonOutput() {
						return c.printJSON(run)
					}
					c.printRun(run)
					return nil
				}

				runs, err := e.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(runs)
				}
				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					rows = append(rows, []string{
						r.RunID,
						r.StartedAt.Format(time.RFC3339),
						string(r.TriggeredBy),
						runStatus(r.Status),
						strconv.Itoa(len(r.Sources)),
						strings.Join(r.FailedSources(), ","),
					})
				}
				c.printTable([]string{"RUN", "STARTED", "TRIGGER", "STATUS", "SOURCES", "FAILED"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&latest, "latest", false, "Show only the most recent run in detail")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(e *engine.Engine) error {
				s, err := e.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return c.printJSON(s)
				}
				fmt.Fprintf(c.out, "Assets: %d live, %d removed, %d runs\n", s.Assets, s.Removed, s.Runs)
				if s.AverageQuality != nil {
					fmt.Fprintf(c.out, "Average quality: %.2f over %d assets\n", *s.AverageQuality, s.QualityKnown)
				}
				for _, g := range []struct {
					title  string
					counts map[string]int
				}{
					{"TYPE", s.ByType},
					{"PII RISK", s.ByPIIRisk},
					{"SOURCE", s.BySource},
				} {
					c.printTable([]string{g.title, "ASSETS"}, countRows(g.counts))
				}
				return nil
			})
		},
	}
}

func countRows(m map[string]int) [][]string {
	rows := make([][]string, 0, len(m))
	for k, n := range m {
		rows = append(rows, []string{k, strconv.Itoa(n)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })
	return rows
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
