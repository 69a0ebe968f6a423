package openmcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteSendsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/executions" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Task != "audit the repo" || req.Options.Limits.MaxSwarmSize != 2 {
			t.Errorf("unexpected request body: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(Outcome{
			ThreadID:                 "t-1",
			Status:                   "awaiting_approval",
			RequiresHumanInteraction: true,
			PendingApprovals:         []ApprovalRequest{{ID: "a-1", Risk: "high", ToolCall: ToolCall{Name: "fs/delete_file"}}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	out, err := client.Execute(context.Background(), ExecuteRequest{
		Task:    "audit the repo",
		Options: ExecuteOptions{Limits: Limits{MaxSwarmSize: 2}},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.RequiresHumanInteraction || len(out.PendingApprovals) != 1 || out.PendingApprovals[0].ToolCall.Name != "fs/delete_file" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestResumeSendsDecisionsWithToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/executions/t-1/resume" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var body struct {
			Decisions []Decision `json:"decisions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(body.Decisions) != 1 || body.Decisions[0].ID != "a-1" || !body.Decisions[0].Approved {
			t.Errorf("unexpected decisions: %+v", body.Decisions)
		}
		_ = json.NewEncoder(w).Encode(Outcome{ThreadID: "t-1", Status: "completed", Completed: true, Result: "done"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token")
	out, err := client.Resume(context.Background(), "t-1", Decision{ID: "a-1", Approved: true, Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !out.Completed || out.Result != "done" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(struct {
			Error APIError `json:"error"`
		}{Error: APIError{Code: "UNKNOWN_EXECUTION", Message: "execution not found or expired"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Status(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "UNKNOWN_EXECUTION" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestSubmitAndWaitJob(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(JobReceipt{JobID: "job-1", ThreadID: "t-1", Status: "pending"})
	})
	mux.HandleFunc("GET /api/v1/jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		job := Job{ID: "job-1", ThreadID: "t-1", Status: "running"}
		if polls.Add(1) > 1 {
			job.Status = "succeeded"
			job.Outcome = &Outcome{Completed: true, Result: "ok"}
		}
		_ = json.NewEncoder(w).Encode(job)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	receipt, err := client.SubmitJob(ctx, JobRequest{Kind: "execute", Task: "plan"})
	if err != nil {
		t.Fatalf("submit job: %v", err)
	}
	job, err := client.WaitJob(ctx, receipt.JobID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait job: %v", err)
	}
	if job.Status != "succeeded" || job.Outcome == nil || job.Outcome.Result != "ok" {
		t.Fatalf("unexpected job: %+v", job)
	}
}
