package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenMCP-Swarm/sdk/go/openmcp"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/executions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openmcp.Outcome{
			ThreadID:                 "thread-demo",
			Status:                   "awaiting_approval",
			RequiresHumanInteraction: true,
			PendingApprovals: []openmcp.ApprovalRequest{{
				ID:       "approval-demo",
				Role:     "researcher",
				Risk:     "high",
				ToolCall: openmcp.ToolCall{Name: "fs/delete_file"},
			}},
		})
	})
	mux.HandleFunc("POST /api/v1/executions/thread-demo/resume", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openmcp.Outcome{
			ThreadID:   "thread-demo",
			Status:     "completed",
			Completed:  true,
			Success:    true,
			Result:     "cleanup skipped, report attached",
			Confidence: 0.8,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := openmcp.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := client.Execute(ctx, openmcp.ExecuteRequest{Task: "clean up stale build artifacts"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("execution %s is %s\n", out.ThreadID, out.Status)

	var decisions []openmcp.Decision
	for _, pending := range out.PendingApprovals {
		fmt.Printf("denying %s requested by %s (%s risk)\n", pending.ToolCall.Name, pending.Role, pending.Risk)
		decisions = append(decisions, openmcp.Decision{ID: pending.ID, Approved: false, Timestamp: time.Now().UTC()})
	}

	final, err := client.Resume(ctx, out.ThreadID, decisions...)
	if err != nil {
		panic(err)
	}
	fmt.Printf("result: %s (confidence %.2f)\n", final.Result, final.Confidence)
}
