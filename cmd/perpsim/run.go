package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"perpsim/artifact"
	"perpsim/engine"
	"perpsim/feed"
	"perpsim/metrics"
	"perpsim/play"
	"perpsim/provider"
	"perpsim/summary"
)

func newRunCmd() *cobra.Command {
	var (
		playPath    string
		dbPath      string
		outDir      string
		startMs     int64
		endMs       int64
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a play against stored bars and write hash-chained artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if metricsAddr != "" {
				metrics.Serve(metricsAddr)
				log.Info().Str("addr", metricsAddr).Msg("metrics exposed")
			}

			p, err := loadPlay(playPath)
			if err != nil {
				return err
			}
			if err := p.Validate(); err != nil {
				return err
			}

			prov, err := provider.OpenSQLite(dbPath, log)
			if err != nil {
				return err
			}
			defer prov.Close()

			ctx := cmd.Context()
			frames := map[feed.Role]feed.Frame{}
			for _, role := range p.Timeframes.Roles() {
				tf, _ := p.Timeframes.ByRole(role)
				f, err := prov.LoadFrame(ctx, p.Symbol, tf, startMs, endMs)
				if err != nil {
					return fmt.Errorf("load %s frame: %w", role, err)
				}
				frames[role] = f
			}
			funding, err := prov.LoadFunding(ctx, p.Symbol, startMs, endMs)
			if err != nil {
				return fmt.Errorf("load funding: %w", err)
			}
			minutes, err := prov.LoadMinuteStream(ctx, p.Symbol, startMs, endMs)
			if err != nil {
				return fmt.Errorf("load 1m stream: %w", err)
			}

			if err := provider.Preflight(p, frames, funding, minutes); err != nil {
				return err
			}

			eng, err := engine.New(engine.Inputs{
				Play:    p,
				Frames:  frames,
				Funding: funding,
				Minutes: minutes,
			}, log)
			if err != nil {
				return err
			}

			started := time.Now()
			res, err := eng.Run(ctx)
			if err != nil {
				return err
			}

			execTF, _ := p.Timeframes.ByRole(feed.RoleExec)
			sum := summary.Compute(res.Trades, res.Equity, p.Risk.StartingEquityUSDT,
				execTF.Millis(), summary.Costs{
					FeesUSDT:            res.FeesUSDT,
					FundingPaidUSDT:     res.FundingPaidUSDT,
					FundingReceivedUSDT: res.FundingReceivedUSDT,
					LiquidationLossUSDT: res.LiquidationLossUSDT,
				}, string(res.TerminalStop))

			fingerprint := artifact.FingerprintInputs(frames, funding, minutes)
			runDir := filepath.Join(outDir, runDirName(p, fingerprint))
			manifest, err := artifact.WriteRun(runDir, res, sum, fingerprint)
			if err != nil {
				return err
			}

			metrics.RunsTotal.WithLabelValues(p.Symbol, string(res.TerminalStop)).Inc()
			metrics.BarsProcessed.Add(float64(res.BarsProcessed))
			for _, t := range res.Trades {
				metrics.TradesTotal.WithLabelValues(p.Symbol, t.ExitReason).Inc()
			}
			metrics.FinalEquity.WithLabelValues(p.Symbol).Set(res.FinalEquityUSDT)
			metrics.RunDurationSeconds.WithLabelValues(p.Symbol).Set(time.Since(started).Seconds())

			log.Info().
				Str("run_dir", runDir).
				Str("run_hash", manifest.RunHash).
				Int("trades", manifest.Trades).
				Float64("net_pnl", sum.NetPnLUSDT).
				Str("terminal_stop", manifest.TerminalStop).
				Msg("run complete")
			fmt.Println(manifest.RunHash)
			return nil
		},
	}

	cmd.Flags().StringVar(&playPath, "play", "", "path to the play yaml")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the sqlite bar store")
	cmd.Flags().StringVar(&outDir, "out", "runs", "artifact output directory")
	cmd.Flags().Int64Var(&startMs, "start-ms", 0, "window start, UTC ms inclusive")
	cmd.Flags().Int64Var(&endMs, "end-ms", 0, "window end, UTC ms exclusive")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose prometheus metrics on this address")
	cmd.MarkFlagRequired("play")
	cmd.MarkFlagRequired("db")
	cmd.MarkFlagRequired("start-ms")
	cmd.MarkFlagRequired("end-ms")
	return cmd
}

func loadPlay(path string) (*play.Play, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read play: %w", err)
	}
	var p play.Play
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse play: %w", err)
	}
	return &p, nil
}

// runDirName derives a stable directory name from the play and its inputs,
// so identical runs land on the same artifacts and differing ones never
// collide. No wall clock, no randomness.
func runDirName(p *play.Play, fingerprint string) string {
	name := p.Name
	if name == "" {
		name = p.Symbol
	}
	return fmt.Sprintf("%s_%s", name, fingerprint[:12])
}
