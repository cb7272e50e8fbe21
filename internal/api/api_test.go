// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/armature/internal/cache"
	"github.com/tomtom215/armature/internal/config"
	"github.com/tomtom215/armature/internal/database"
	"github.com/tomtom215/armature/internal/eventprocessor"
	"github.com/tomtom215/armature/internal/experiment"
	"github.com/tomtom215/armature/internal/models"
	"github.com/tomtom215/armature/internal/reward"
	"github.com/tomtom215/armature/internal/serve"
)

// apiFixture is a full server over a temp store, queue disabled.
type apiFixture struct {
	server *httptest.Server
	db     *database.DB
}

func newAPI(t *testing.T, security config.SecurityConfig) *apiFixture {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Port: 8421},
		Serve: config.ServeConfig{
			PolicyDeadline:  200 * time.Millisecond,
			RequestDeadline: time.Second,
			SnapshotTTL:     time.Second,
			DefaultK:        3,
		},
		Reward: config.RewardConfig{
			AttributionWindow: 24 * time.Hour,
			MaxAttempts:       5,
		},
		Guardrail: config.GuardrailConfig{
			MaxErrorRate:        0.01,
			MaxLatencyP95MS:     120,
			MaxArmConcentration: 0.5,
			MaxRewardDrop:       0.05,
			SampleRatioPValue:   0.001,
		},
		Decision: config.DecisionConfig{
			MinUplift:     0.03,
			MinConfidence: 0.95,
			MinWindow:     7 * 24 * time.Hour,
			MaxWindow:     14 * 24 * time.Hour,
			MinEvents:     1000,
		},
		Security: security,
	}

	db, err := database.New(&config.DatabaseConfig{
		Path:                   filepath.Join(t.TempDir(), "api.duckdb"),
		MaxMemory:              "500MB",
		PreserveInsertionOrder: true,
	})
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c := cache.New(cfg.Serve.SnapshotTTL)
	t.Cleanup(c.Close)

	manager := experiment.NewManager(db, c, cfg.Guardrail, cfg.Decision, cfg.Reward)
	pipeline := serve.NewPipeline(manager, db, nil, c, cfg.Serve)
	attributor := reward.NewAttributor(db, manager, nopUpdater{}, cfg.Reward)

	handler := NewHandler(pipeline, attributor, manager, db, nil, cfg)
	server := httptest.NewServer(NewRouter(handler, cfg).Setup())
	t.Cleanup(server.Close)

	return &apiFixture{server: server, db: db}
}

// nopUpdater satisfies reward.UpdatePublisher for API tests.
type nopUpdater struct{}

func (nopUpdater) PublishRewardUpdate(_ context.Context, _ *eventprocessor.RewardUpdate) error {
	return nil
}

func (f *apiFixture) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (f *apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response) *models.APIResponse {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &env
}

// createBody is the standard experiment payload for API tests.
func createBody() map[string]interface{} {
	return map[string]interface{}{
		"name":             "api test",
		"salt":             "s1",
		"traffic_fraction": 1.0,
		"traffic_plan": []map[string]interface{}{
			{"policy_id": "control", "fraction": 0.5},
			{"policy_id": "egreedy", "fraction": 0.5},
		},
		"policies": []map[string]interface{}{
			{"id": "control", "kind": "control"},
			{"id": "egreedy", "kind": "egreedy", "params": map[string]interface{}{"epsilon": 0.1}},
		},
		"default_policy_id": "control",
		"arms": []map[string]interface{}{
			{"arm_id": "a"}, {"arm_id": "b"}, {"arm_id": "c"},
		},
	}
}

func TestExperimentLifecycleOverHTTP(t *testing.T) {
	f := newAPI(t, config.SecurityConfig{AuthMode: "none"})

	// Create.
	resp := f.post(t, "/api/v1/experiments", createBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	env := decode(t, resp)
	expData, err := json.Marshal(env.Data)
	if err != nil {
		t.Fatal(err)
	}
	var exp models.Experiment
	if err := json.Unmarshal(expData, &exp); err != nil {
		t.Fatal(err)
	}
	if exp.Status != models.StatusDraft {
		t.Fatalf("created status = %s, want draft", exp.Status)
	}

	// Start.
	resp = f.post(t, "/api/v1/experiments/"+exp.ID+"/start", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Double start conflicts.
	resp = f.post(t, "/api/v1/experiments/"+exp.ID+"/start", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double start status = %d, want 409", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Recommend.
	resp = f.post(t, "/api/v1/recommend", map[string]interface{}{
		"user_id": "u1",
		"k":       2,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recommend status = %d", resp.StatusCode)
	}
	env = decode(t, resp)
	recData, _ := json.Marshal(env.Data)
	var rec RecommendResponse
	if err := json.Unmarshal(recData, &rec); err != nil {
		t.Fatal(err)
	}
	if len(rec.Results) != 2 {
		t.Fatalf("recommend results = %d, want 2", len(rec.Results))
	}

	// Ingest a click for the first result.
	resp = f.post(t, "/api/v1/ingest", map[string]interface{}{
		"event_id": rec.Results[0].EventID,
		"kind":     "click",
		"value":    1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Summary reflects the serve.
	resp = f.get(t, "/api/v1/experiments/"+exp.ID+"/summary")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status = %d", resp.StatusCode)
	}
	env = decode(t, resp)
	sumData, _ := json.Marshal(env.Data)
	var summary models.ExperimentSummary
	if err := json.Unmarshal(sumData, &summary); err != nil {
		t.Fatal(err)
	}
	if summary.TotalServes != 2 {
		t.Errorf("total serves = %d, want 2", summary.TotalServes)
	}

	// Kill, then serving reports no active experiment.
	resp = f.post(t, "/api/v1/experiments/"+exp.ID+"/kill", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kill status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = f.post(t, "/api/v1/recommend", map[string]interface{}{"user_id": "u1"})
	env = decode(t, resp)
	recData, _ = json.Marshal(env.Data)
	_ = json.Unmarshal(recData, &rec)
	if rec.Failure != "NoActiveExperiment" {
		t.Errorf("failure = %q, want NoActiveExperiment after kill", rec.Failure)
	}
}

func TestRecommendWithoutExperiments(t *testing.T) {
	f := newAPI(t, config.SecurityConfig{AuthMode: "none"})

	resp := f.post(t, "/api/v1/recommend", map[string]interface{}{"user_id": "u1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, serve path must not 5xx", resp.StatusCode)
	}
	env := decode(t, resp)
	data, _ := json.Marshal(env.Data)
	var rec RecommendResponse
	_ = json.Unmarshal(data, &rec)
	if rec.Failure != "NoActiveExperiment" {
		t.Errorf("failure = %q, want NoActiveExperiment", rec.Failure)
	}
}

func TestCreateExperimentValidation(t *testing.T) {
	f := newAPI(t, config.SecurityConfig{AuthMode: "none"})

	body := createBody()
	body["salt"] = ""
	resp := f.post(t, "/api/v1/experiments", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for empty salt", resp.StatusCode)
	}
	env := decode(t, resp)
	if env.Error == nil || env.Error.Code != "INVALID_CONFIG" {
		t.Errorf("error = %+v, want INVALID_CONFIG", env.Error)
	}
}

func TestTokenAuth(t *testing.T) {
	f := newAPI(t, config.SecurityConfig{AuthMode: "token", APIToken: "sekrit"})

	// Unauthenticated admin call is rejected.
	resp := f.get(t, "/api/v1/experiments")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Bearer token passes.
	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/experiments", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if authed.StatusCode != http.StatusOK {
		t.Errorf("authed status = %d, want 200", authed.StatusCode)
	}
	_ = authed.Body.Close()

	// Serve path stays open.
	resp = f.post(t, "/api/v1/recommend", map[string]interface{}{"user_id": "u1"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("recommend status = %d, want 200 without auth", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPI(t, config.SecurityConfig{AuthMode: "none"})

	resp := f.get(t, "/api/v1/health/live")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("live status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = f.get(t, "/api/v1/health/ready")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = f.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}
