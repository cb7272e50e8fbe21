// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package replay

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// LoadLogs reads historical serve+reward records from a JSONL or CSV file.
func LoadLogs(path string) ([]LoggedEvent, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path by design
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson", ".json":
		return parseJSONL(f)
	case ".csv":
		return parseCSV(f)
	default:
		return nil, fmt.Errorf("unsupported log format %q (jsonl or csv)", filepath.Ext(path))
	}
}

// parseJSONL reads one LoggedEvent per line.
func parseJSONL(r io.Reader) ([]LoggedEvent, error) {
	var out []LoggedEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var ev LoggedEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := normalize(&ev, line); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return out, nil
}

// csvColumns is the required CSV header.
var csvColumns = []string{"event_id", "user_id", "arm_id", "propensity", "reward", "at"}

// parseCSV reads the minimal columnar format.
func parseCSV(r io.Reader) ([]LoggedEvent, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.TrimSpace(col)] = i
	}
	for _, col := range csvColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("csv missing column %q", col)
		}
	}

	var out []LoggedEvent
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		propensity, err := strconv.ParseFloat(record[index["propensity"]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: propensity: %w", line, err)
		}
		rewardValue, err := strconv.ParseFloat(record[index["reward"]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: reward: %w", line, err)
		}
		at, err := time.Parse(time.RFC3339, record[index["at"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: at: %w", line, err)
		}

		ev := LoggedEvent{
			EventID:    record[index["event_id"]],
			UserID:     record[index["user_id"]],
			ArmID:      record[index["arm_id"]],
			Propensity: propensity,
			Reward:     rewardValue,
			At:         at,
		}
		if err := normalize(&ev, line); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// normalize fills defaults and rejects rows replay cannot use.
func normalize(ev *LoggedEvent, line int) error {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.ArmID == "" {
		return fmt.Errorf("line %d: missing arm_id", line)
	}
	if ev.Propensity <= 0 || ev.Propensity > 1 {
		return fmt.Errorf("line %d: propensity %v outside (0, 1]", line, ev.Propensity)
	}
	if ev.At.IsZero() {
		return fmt.Errorf("line %d: missing timestamp", line)
	}
	return nil
}
