package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCheckPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/check" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var in CheckInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if in.AgentID != "agent-1" {
			t.Errorf("agent_id = %q", in.AgentID)
		}
		_ = json.NewEncoder(w).Encode(CheckOutput{
			RequestID: "r-1",
			Status:    "blocked",
			SafeText:  "My email is [REDACTED_EMAIL]",
			Allowed:   false,
		})
	}))
	defer srv.Close()

	out, err := New(srv.URL).CheckPrompt(context.Background(), CheckInput{
		Text:    "My email is john@example.com",
		AgentID: "agent-1",
	})
	if err != nil {
		t.Fatalf("CheckPrompt: %v", err)
	}
	if out.Status != "blocked" || out.Allowed {
		t.Errorf("out = %+v", out)
	}
	if out.SafeText != "My email is [REDACTED_EMAIL]" {
		t.Errorf("safe text = %q", out.SafeText)
	}
}

func TestServerErrorSurfacesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "text is required"})
	}))
	defer srv.Close()

	_, err := New(srv.URL).CheckPrompt(context.Background(), CheckInput{AgentID: "a"})
	if err == nil || !strings.Contains(err.Error(), "text is required") {
		t.Errorf("err = %v, want the server's message", err)
	}
}

func TestLeaderboard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("window"); got != "24h0m0s" {
			t.Errorf("window = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"leaderboard": []DepartmentStats{
				{Department: "Support", TotalRequests: 40, Incidents: 3, ActiveAgents: 2},
			},
		})
	}))
	defer srv.Close()

	board, err := New(srv.URL).Leaderboard(context.Background(), 24*time.Hour, 10)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(board) != 1 || board[0].Department != "Support" {
		t.Errorf("board = %+v", board)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	if err := New(srv.URL).Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}
