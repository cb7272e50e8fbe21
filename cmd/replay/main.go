// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

// Package main is the offline replay CLI.
//
// Three verbs operate on a DuckDB-backed replay store:
//
//	armature-replay load --store replay.duckdb --input logs.jsonl
//	armature-replay window --store replay.duckdb --min-days 14
//	armature-replay run --store replay.duckdb --start 2024-01-01 --end 2024-01-15 --seed 42
//
// load appends historical serve+reward records, window selects the densest
// contiguous slice with the best arm coverage, and run replays candidate
// policies over a window, emitting per-policy IPS/DR and regret curves as
// JSON on stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tomtom215/armature/internal/bandit"
	"github.com/tomtom215/armature/internal/config"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/logging"
	"github.com/tomtom215/armature/internal/models"
	"github.com/tomtom215/armature/internal/replay"
)

// replayExperimentID tags replay-store rows in serve_events.
const replayExperimentID = "replay"

// defaultPolicies mirrors the standard online lineup when --policies is not
// given.
var defaultPolicies = []replay.PolicyConfig{
	{ID: "thompson", Kind: bandit.KindThompson},
	{ID: "egreedy", Kind: bandit.KindEGreedy, Params: bandit.Params{Epsilon: 0.1}},
	{ID: "ucb", Kind: bandit.KindUCB},
}

func main() {
	logging.Init(logging.Config{Level: "warn", Format: "console"})

	root := &cobra.Command{
		Use:           "armature-replay",
		Short:         "Offline bandit policy replay over logged serve events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("store", "replay.duckdb", "replay store path")

	root.AddCommand(loadCmd(), windowCmd(), runCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openStore opens the replay store database.
func openStore(cmd *cobra.Command) (*database.DB, error) {
	path, _ := cmd.Flags().GetString("store")
	return database.New(&config.DatabaseConfig{
		Path:                   path,
		MaxMemory:              "1GB",
		PreserveInsertionOrder: true,
	})
}

// loadCmd appends historical records to the store.
func loadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Append historical serve+reward records to the replay store",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, _ := cmd.Flags().GetString("input")
			if input == "" {
				return fmt.Errorf("--input is required")
			}

			events, err := replay.LoadLogs(input)
			if err != nil {
				return err
			}

			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ctx := context.Background()
			loaded := 0
			for _, ev := range events {
				value := ev.Reward
				at := ev.At
				row := &models.ServeEvent{
					SchemaVersion:      models.ServeEventSchemaVersion,
					EventID:            ev.EventID,
					ExperimentID:       replayExperimentID,
					UserID:             ev.UserID,
					PolicyID:           "logged",
					ArmID:              ev.ArmID,
					Position:           1,
					Context:            ev.Context,
					Propensity:         ev.Propensity,
					ServedAt:           ev.At,
					Reward:             &value,
					RewardAt:           &at,
					AttributionVersion: 1,
				}
				if err := db.AppendServeEvent(ctx, row); err != nil {
					return fmt.Errorf("append event %s: %w", ev.EventID, err)
				}
				loaded++
			}
			fmt.Printf("loaded %d events from %s\n", loaded, input)
			return nil
		},
	}
	cmd.Flags().String("input", "", "JSONL or CSV log file")
	return cmd
}

// windowCmd selects the optimal contiguous window.
func windowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "window",
		Short: "Select the optimal contiguous replay window",
		RunE: func(cmd *cobra.Command, args []string) error {
			minDays, _ := cmd.Flags().GetInt("min-days")

			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			events, err := storeEvents(cmd.Context(), db)
			if err != nil {
				return err
			}
			window, err := replay.SelectWindow(events, minDays)
			if err != nil {
				return err
			}
			return printJSON(window)
		},
	}
	cmd.Flags().Int("min-days", 14, "minimum window length in days")
	return cmd
}

// runCmd replays policies over a window.
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay candidate policies over a window and emit metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			events, err := storeEvents(cmd.Context(), db)
			if err != nil {
				return err
			}

			startRaw, _ := cmd.Flags().GetString("start")
			endRaw, _ := cmd.Flags().GetString("end")
			if startRaw != "" && endRaw != "" {
				start, err := time.Parse("2006-01-02", startRaw)
				if err != nil {
					return fmt.Errorf("parse --start: %w", err)
				}
				end, err := time.Parse("2006-01-02", endRaw)
				if err != nil {
					return fmt.Errorf("parse --end: %w", err)
				}
				window := &replay.Window{Start: start, End: end}
				events = window.Filter(events)
			} else {
				minDays, _ := cmd.Flags().GetInt("min-days")
				window, err := replay.SelectWindow(events, minDays)
				if err != nil {
					return err
				}
				events = window.Filter(events)
			}

			policies := defaultPolicies
			if raw, _ := cmd.Flags().GetString("policies"); raw != "" {
				policies = nil
				if err := json.Unmarshal([]byte(raw), &policies); err != nil {
					return fmt.Errorf("parse --policies: %w", err)
				}
			}

			seed, _ := cmd.Flags().GetInt64("seed")
			floor, _ := cmd.Flags().GetFloat64("propensity-floor")
			curvePoints, _ := cmd.Flags().GetInt("curve-points")

			results, err := replay.Run(events, policies, replay.Options{
				Seed:            seed,
				PropensityFloor: floor,
				CurvePoints:     curvePoints,
			})
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
	cmd.Flags().String("start", "", "window start (YYYY-MM-DD)")
	cmd.Flags().String("end", "", "window end (YYYY-MM-DD, exclusive)")
	cmd.Flags().Int("min-days", 14, "minimum window length when auto-selecting")
	cmd.Flags().String("policies", "", "JSON array of policy configs")
	cmd.Flags().Int64("seed", 1, "random seed for stochastic policies")
	cmd.Flags().Float64("propensity-floor", 0.01, "lower clip for logged propensities")
	cmd.Flags().Int("curve-points", 200, "max points per emitted curve")
	return cmd
}

// storeEvents reads all replay rows back as logged events.
func storeEvents(ctx context.Context, db *database.DB) ([]replay.LoggedEvent, error) {
	rows, err := db.AttributedEventsSince(ctx, replayExperimentID, time.Time{})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("replay store is empty; run load first")
	}
	out := make([]replay.LoggedEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, replay.LoggedEvent{
			EventID:    row.EventID,
			UserID:     row.UserID,
			Context:    row.Context,
			ArmID:      row.ArmID,
			Propensity: row.Propensity,
			Reward:     *row.Reward,
			At:         row.ServedAt,
		})
	}
	return out, nil
}

// printJSON writes indented JSON to stdout.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
