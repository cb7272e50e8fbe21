// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package replay

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLogsJSONL(t *testing.T) {
	path := writeFile(t, "log.jsonl", `
{"event_id":"e1","user_id":"u1","arm_id":"svd","propensity":0.5,"reward":1,"at":"2024-03-01T12:00:00Z"}
{"event_id":"e2","user_id":"u2","arm_id":"item_cf","propensity":0.25,"reward":0,"at":"2024-03-01T13:00:00Z","context":{"user_type":"power"}}
`)

	events, err := LoadLogs(path)
	if err != nil {
		t.Fatalf("LoadLogs() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].ArmID != "svd" || events[0].Reward != 1 {
		t.Errorf("event[0] = %+v", events[0])
	}
	if events[1].Context["user_type"] != "power" {
		t.Errorf("event[1] context = %+v", events[1].Context)
	}
}

func TestLoadLogsCSV(t *testing.T) {
	path := writeFile(t, "log.csv",
		"event_id,user_id,arm_id,propensity,reward,at\n"+
			"e1,u1,svd,0.5,1,2024-03-01T12:00:00Z\n"+
			"e2,u2,item_cf,0.25,0,2024-03-01T13:00:00Z\n")

	events, err := LoadLogs(path)
	if err != nil {
		t.Fatalf("LoadLogs() error = %v", err)
	}
	if len(events) != 2 || events[1].Propensity != 0.25 {
		t.Errorf("events = %+v", events)
	}
}

func TestLoadLogsRejections(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad propensity", "bad.jsonl", `{"event_id":"e1","arm_id":"a","propensity":1.5,"reward":0,"at":"2024-03-01T12:00:00Z"}`},
		{"missing arm", "noarm.jsonl", `{"event_id":"e1","propensity":0.5,"reward":0,"at":"2024-03-01T12:00:00Z"}`},
		{"missing timestamp", "notime.jsonl", `{"event_id":"e1","arm_id":"a","propensity":0.5,"reward":0}`},
		{"garbage json", "garbage.jsonl", `not json at all`},
		{"missing csv column", "short.csv", "event_id,arm_id\ne1,a\n"},
		{"unknown extension", "log.parquet", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			if _, err := LoadLogs(path); err == nil {
				t.Error("LoadLogs() error = nil, want error")
			}
		})
	}
}
