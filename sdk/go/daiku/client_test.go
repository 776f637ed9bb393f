package daiku

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the daiku API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		Token:   "test-token",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func TestStartSession(t *testing.T) {
	sessionID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	var receivedBody StartSessionRequest
	var receivedHeaders http.Header
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/sessions": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-token" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"},
				})
				return
			}
			receivedHeaders = r.Header.Clone()
			if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": map[string]any{"code": "INVALID_INPUT", "message": err.Error()},
				})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": StartSessionResponse{
					SessionID: sessionID,
					Phase:     PhasePlanning,
					Status:    StatusInProgress,
					CreatedAt: now,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.StartSession(context.Background(), StartSessionRequest{
		Requirements:   "build a fizzbuzz function with tests",
		IdempotencyKey: "retry-key-1",
	})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if resp.SessionID != sessionID {
		t.Errorf("expected session ID %s, got %s", sessionID, resp.SessionID)
	}
	if resp.Phase != PhasePlanning {
		t.Errorf("expected phase 'planning', got %q", resp.Phase)
	}
	if resp.Status != StatusInProgress {
		t.Errorf("expected status 'in_progress', got %q", resp.Status)
	}
	if !resp.Created {
		t.Error("expected Created true for a 201 response")
	}

	// Verify the wire body and the idempotency header.
	if receivedBody.Requirements != "build a fizzbuzz function with tests" {
		t.Errorf("unexpected requirements in body: %q", receivedBody.Requirements)
	}
	if got := receivedHeaders.Get("Idempotency-Key"); got != "retry-key-1" {
		t.Errorf("expected Idempotency-Key 'retry-key-1', got %q", got)
	}
	if got := receivedHeaders.Get("Content-Type"); got != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %q", got)
	}
}

func TestStartSessionIdempotentReplay(t *testing.T) {
	sessionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/sessions": func(w http.ResponseWriter, r *http.Request) {
			// A replayed Idempotency-Key returns the original session
			// with a 200 instead of a 201.
			writeJSON(w, http.StatusOK, map[string]any{
				"data": StartSessionResponse{
					SessionID: sessionID,
					Phase:     PhaseCoding,
					Status:    StatusInProgress,
					CreatedAt: time.Now(),
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.StartSession(context.Background(), StartSessionRequest{
		Requirements:   "build a fizzbuzz function with tests",
		IdempotencyKey: "retry-key-1",
	})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if resp.Created {
		t.Error("expected Created false for a 200 replay")
	}
	if resp.SessionID != sessionID {
		t.Errorf("expected original session ID %s, got %s", sessionID, resp.SessionID)
	}
}

func TestStartSessionOmitsIdempotencyHeaderWhenUnset(t *testing.T) {
	var receivedKey string
	var keyPresent bool
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/sessions": func(w http.ResponseWriter, r *http.Request) {
			receivedKey = r.Header.Get("Idempotency-Key")
			_, keyPresent = r.Header["Idempotency-Key"]
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": StartSessionResponse{
					SessionID: uuid.New(),
					Phase:     PhasePlanning,
					Status:    StatusInProgress,
					CreatedAt: time.Now(),
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.StartSession(context.Background(), StartSessionRequest{
		Requirements: "build a fizzbuzz function with tests",
	})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if keyPresent {
		t.Errorf("expected no Idempotency-Key header, got %q", receivedKey)
	}
}

func TestGetSession(t *testing.T) {
	sessionID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)
	completed := now.Add(2 * time.Minute)

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/" + sessionID.String(): func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": Session{
					ID:           sessionID,
					Requirements: "build a fizzbuzz function with tests",
					Phase:        PhaseComplete,
					Status:       StatusCompleted,
					Iteration:    2,
					TestRetries:  1,
					ReviewRounds: 1,
					CreatedAt:    now,
					UpdatedAt:    completed,
					CompletedAt:  &completed,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	sess, err := client.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.ID != sessionID {
		t.Errorf("expected session ID %s, got %s", sessionID, sess.ID)
	}
	if sess.Phase != PhaseComplete {
		t.Errorf("expected phase 'complete', got %q", sess.Phase)
	}
	if sess.TestRetries != 1 {
		t.Errorf("expected test_retries 1, got %d", sess.TestRetries)
	}
	if sess.CompletedAt == nil || !sess.CompletedAt.Equal(completed) {
		t.Errorf("expected completed_at %v, got %v", completed, sess.CompletedAt)
	}
}

func TestListSessions(t *testing.T) {
	id1 := uuid.New()
	id2 := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("status") != "completed" {
				t.Errorf("expected status=completed, got %q", q.Get("status"))
			}
			if q.Get("limit") != "2" {
				t.Errorf("expected limit=2, got %q", q.Get("limit"))
			}
			if q.Get("offset") != "4" {
				t.Errorf("expected offset=4, got %q", q.Get("offset"))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []Session{
					{ID: id1, Phase: PhaseComplete, Status: StatusCompleted},
					{ID: id2, Phase: PhaseComplete, Status: StatusCompleted},
				},
				"total":    9,
				"has_more": true,
				"limit":    2,
				"offset":   4,
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	page, err := client.ListSessions(context.Background(), &ListOptions{
		Status: StatusCompleted,
		Limit:  2,
		Offset: 4,
	})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if page.Total != 9 {
		t.Errorf("expected total 9, got %d", page.Total)
	}
	if !page.HasMore {
		t.Error("expected has_more true")
	}
	if len(page.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(page.Sessions))
	}
	if page.Sessions[0].ID != id1 || page.Sessions[1].ID != id2 {
		t.Errorf("unexpected session order: %s, %s", page.Sessions[0].ID, page.Sessions[1].ID)
	}
}

func TestListSessionsNilOptions(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.RawQuery != "" {
				t.Errorf("expected no query params, got %q", r.URL.RawQuery)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data":     []Session{},
				"total":    0,
				"has_more": false,
				"limit":    20,
				"offset":   0,
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	page, err := client.ListSessions(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListSessions with nil opts failed: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("expected total 0, got %d", page.Total)
	}
	if page.Limit != 20 {
		t.Errorf("expected server default limit 20, got %d", page.Limit)
	}
}

func TestSummary(t *testing.T) {
	sessionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/" + sessionID.String() + "/summary": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": Summary{
					SessionID:      sessionID,
					Phase:          PhaseComplete,
					Iteration:      3,
					Status:         StatusCompleted,
					ErrorCount:     0,
					WarningCount:   1,
					FilesCreated:   2,
					FilesModified:  1,
					Metrics:        map[string]float64{"test_coverage": 91.5, "review_score": 88},
					ElapsedSeconds: 42.7,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	sum, err := client.Summary(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if sum.SessionID != sessionID {
		t.Errorf("expected session_id %s, got %s", sessionID, sum.SessionID)
	}
	if sum.FilesCreated != 2 {
		t.Errorf("expected files_created 2, got %d", sum.FilesCreated)
	}
	if sum.Metrics["test_coverage"] != 91.5 {
		t.Errorf("expected test_coverage 91.5, got %f", sum.Metrics["test_coverage"])
	}
	if sum.ElapsedSeconds != 42.7 {
		t.Errorf("expected elapsed_seconds 42.7, got %f", sum.ElapsedSeconds)
	}
}

func TestCheckpoints(t *testing.T) {
	sessionID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/" + sessionID.String() + "/checkpoints": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": CheckpointsResponse{
					SessionID: sessionID,
					Checkpoints: []Checkpoint{
						{
							ID:        uuid.New(),
							SessionID: sessionID,
							Step:      1,
							Node:      "planner",
							State: State{
								SessionID:    sessionID.String(),
								Requirements: "build a fizzbuzz function with tests",
								Plan:         "1. write fizzbuzz\n2. write tests",
								Phase:        PhaseCoding,
								Status:       StatusInProgress,
								StartedAt:    now,
								UpdatedAt:    now,
							},
							Hash:      "a1b2c3",
							CreatedAt: now,
						},
						{
							ID:        uuid.New(),
							SessionID: sessionID,
							Step:      2,
							Node:      "coder",
							State: State{
								SessionID: sessionID.String(),
								Plan:      "1. write fizzbuzz\n2. write tests",
								Code:      "def fizzbuzz(n): ...",
								Phase:     PhaseTesting,
								Status:    StatusInProgress,
							},
							PrevHash:  "a1b2c3",
							Hash:      "d4e5f6",
							CreatedAt: now,
						},
					},
					ChainValid: true,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Checkpoints(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Checkpoints failed: %v", err)
	}
	if !resp.ChainValid {
		t.Error("expected chain_valid true")
	}
	if len(resp.Checkpoints) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(resp.Checkpoints))
	}
	if resp.Checkpoints[0].PrevHash != "" {
		t.Errorf("expected empty prev_hash on first checkpoint, got %q", resp.Checkpoints[0].PrevHash)
	}
	if resp.Checkpoints[1].PrevHash != resp.Checkpoints[0].Hash {
		t.Errorf("expected checkpoint 2 to chain to %q, got %q",
			resp.Checkpoints[0].Hash, resp.Checkpoints[1].PrevHash)
	}
	if resp.Checkpoints[1].State.Code != "def fizzbuzz(n): ..." {
		t.Errorf("unexpected state code: %q", resp.Checkpoints[1].State.Code)
	}
}

func TestCancelSession(t *testing.T) {
	sessionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/sessions/" + sessionID.String() + "/cancel": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": CancelSessionResponse{
					SessionID: sessionID,
					Status:    "cancelling",
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Cancel(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if resp.SessionID != sessionID {
		t.Errorf("expected session_id %s, got %s", sessionID, resp.SessionID)
	}
	if resp.Status != "cancelling" {
		t.Errorf("expected status 'cancelling', got %q", resp.Status)
	}
}

func TestCancelFinishedSessionConflicts(t *testing.T) {
	sessionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/sessions/" + sessionID.String() + "/cancel": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{"code": "CONFLICT", "message": "session already finished"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Cancel(context.Background(), sessionID)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !IsConflict(err) {
		t.Errorf("expected IsConflict, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Event streaming
// ---------------------------------------------------------------------------

func writeEventFrame(w http.ResponseWriter, ev StepEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "id: %d\nevent: step\ndata: %s\n\n", ev.Seq, data)
}

func TestStreamEvents(t *testing.T) {
	sessionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/" + sessionID.String() + "/events": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Accept"); got != "text/event-stream" {
				t.Errorf("expected Accept 'text/event-stream', got %q", got)
			}
			w.Header().Set("Content-Type", "text/event-stream")
			writeEventFrame(w, StepEvent{
				ID: uuid.New(), SessionID: sessionID, Seq: 1,
				Node: "planner", Phase: PhasePlanning, Status: StatusInProgress,
			})
			// Keepalive comments are interleaved with real frames.
			fmt.Fprint(w, ":keepalive\n\n")
			writeEventFrame(w, StepEvent{
				ID: uuid.New(), SessionID: sessionID, Seq: 2,
				Node: "coder", Phase: PhaseCoding, Status: StatusInProgress,
			})
			writeEventFrame(w, StepEvent{
				ID: uuid.New(), SessionID: sessionID, Seq: 3,
				Node: "reviewer", Phase: PhaseComplete, Status: StatusCompleted,
				Terminal: true,
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	var events []StepEvent
	err := client.StreamEvents(context.Background(), sessionID, 0, func(ev StepEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != i+1 {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}
	if events[0].Node != "planner" {
		t.Errorf("expected first node 'planner', got %q", events[0].Node)
	}
	if !events[2].Terminal {
		t.Error("expected last event to be terminal")
	}
}

func TestStreamEventsAfterSeq(t *testing.T) {
	sessionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/" + sessionID.String() + "/events": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("after_seq"); got != "2" {
				t.Errorf("expected after_seq=2, got %q", got)
			}
			writeEventFrame(w, StepEvent{
				ID: uuid.New(), SessionID: sessionID, Seq: 3,
				Node: "reviewer", Phase: PhaseComplete, Status: StatusCompleted,
				Terminal: true,
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	var seqs []int
	err := client.StreamEvents(context.Background(), sessionID, 2, func(ev StepEvent) error {
		seqs = append(seqs, ev.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamEvents failed: %v", err)
	}
	if len(seqs) != 1 || seqs[0] != 3 {
		t.Errorf("expected only seq 3, got %v", seqs)
	}
}

func TestStreamEventsCallbackError(t *testing.T) {
	sessionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/" + sessionID.String() + "/events": func(w http.ResponseWriter, r *http.Request) {
			for seq := 1; seq <= 5; seq++ {
				writeEventFrame(w, StepEvent{
					ID: uuid.New(), SessionID: sessionID, Seq: seq,
					Node: "coder", Phase: PhaseCoding, Status: StatusInProgress,
				})
			}
		},
	})
	defer srv.Close()

	stop := fmt.Errorf("handled enough")
	client := newTestClient(t, srv.URL)
	var seen int
	err := client.StreamEvents(context.Background(), sessionID, 0, func(ev StepEvent) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	if err != stop {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
	if seen != 2 {
		t.Errorf("expected callback to stop after 2 events, saw %d", seen)
	}
}

func TestStreamEventsErrorStatus(t *testing.T) {
	sessionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/" + sessionID.String() + "/events": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "session not found"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.StreamEvents(context.Background(), sessionID, 0, func(StepEvent) error {
		t.Error("callback should not run on an error response")
		return nil
	})
	if !IsNotFound(err) {
		t.Fatalf("expected IsNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Error mapping and transport behavior
// ---------------------------------------------------------------------------

func TestErrorTypesMapCorrectly(t *testing.T) {
	sessionID := uuid.New()

	tests := []struct {
		name       string
		status     int
		code       string
		message    string
		checkFn    func(error) bool
		checkLabel string
	}{
		{
			name: "404", status: http.StatusNotFound,
			code: "NOT_FOUND", message: "session not found",
			checkFn: IsNotFound, checkLabel: "IsNotFound",
		},
		{
			name: "401", status: http.StatusUnauthorized,
			code: "UNAUTHORIZED", message: "invalid or missing bearer token",
			checkFn: IsUnauthorized, checkLabel: "IsUnauthorized",
		},
		{
			name: "409", status: http.StatusConflict,
			code: "CONFLICT", message: "idempotency key reused with different requirements",
			checkFn: IsConflict, checkLabel: "IsConflict",
		},
		{
			name: "429", status: http.StatusTooManyRequests,
			code: "RATE_LIMITED", message: "too many requests",
			checkFn: IsRateLimited, checkLabel: "IsRateLimited",
		},
		{
			name: "503", status: http.StatusServiceUnavailable,
			code: "UNAVAILABLE", message: "session capacity reached",
			checkFn: IsUnavailable, checkLabel: "IsUnavailable",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"GET /v1/sessions/" + sessionID.String(): func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tc.status, map[string]any{
						"error": map[string]any{
							"code":    tc.code,
							"message": tc.message,
						},
					})
				},
			})
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			_, err := client.GetSession(context.Background(), sessionID)
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			apiErr, ok := err.(*Error)
			if !ok {
				t.Fatalf("expected *Error, got %T", err)
			}
			if apiErr.StatusCode != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, apiErr.StatusCode)
			}
			if apiErr.Code != tc.code {
				t.Errorf("expected code %q, got %q", tc.code, apiErr.Code)
			}
			if apiErr.Message != tc.message {
				t.Errorf("expected message %q, got %q", tc.message, apiErr.Message)
			}
			if !tc.checkFn(err) {
				t.Errorf("%s should return true", tc.checkLabel)
			}
		})
	}
}

func TestErrorFallbackForNonEnvelopeBody(t *testing.T) {
	sessionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/" + sessionID.String(): func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream proxy error"))
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.GetSession(context.Background(), sessionID)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", apiErr.StatusCode)
	}
	if apiErr.Code != "Bad Gateway" {
		t.Errorf("expected code 'Bad Gateway', got %q", apiErr.Code)
	}
	if apiErr.Message != "upstream proxy error" {
		t.Errorf("expected raw body as message, got %q", apiErr.Message)
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{StatusCode: 404, Code: "NOT_FOUND", Message: "session not found"}
	want := "daiku: NOT_FOUND (404): session not found"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestAuthHeaderOmittedWithoutToken(t *testing.T) {
	var receivedAuth string
	var authPresent bool
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions": func(w http.ResponseWriter, r *http.Request) {
			receivedAuth = r.Header.Get("Authorization")
			_, authPresent = r.Header["Authorization"]
			writeJSON(w, http.StatusOK, map[string]any{
				"data":     []Session{},
				"total":    0,
				"has_more": false,
				"limit":    20,
				"offset":   0,
			})
		},
	})
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := client.ListSessions(context.Background(), nil); err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if authPresent {
		t.Errorf("expected no Authorization header, got %q", receivedAuth)
	}
}

func TestTimeoutHandling(t *testing.T) {
	sessionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/sessions/" + sessionID.String(): func(w http.ResponseWriter, r *http.Request) {
			// Simulate a slow server.
			time.Sleep(2 * time.Second)
			writeJSON(w, http.StatusOK, map[string]any{"data": Session{ID: sessionID}})
		},
	})
	defer srv.Close()

	client, cErr := NewClient(Config{
		BaseURL: srv.URL,
		Token:   "test-token",
		Timeout: 100 * time.Millisecond,
	})
	if cErr != nil {
		t.Fatalf("NewClient failed: %v", cErr)
	}

	_, err := client.GetSession(context.Background(), sessionID)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealth(t *testing.T) {
	// Health should work without auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no Authorization header, got %q", auth)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": HealthResponse{
				Status:         "ok",
				Version:        "v0.3.0",
				Store:          "connected",
				BufferDepth:    3,
				BufferStatus:   "ok",
				ActiveSessions: 2,
				UptimeSeconds:  3600,
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// Intentionally use a bad token to prove health doesn't need auth.
	client, cErr := NewClient(Config{
		BaseURL: srv.URL,
		Token:   "bad-token",
		Timeout: 5 * time.Second,
	})
	if cErr != nil {
		t.Fatalf("NewClient failed: %v", cErr)
	}

	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", health.Status)
	}
	if health.Version != "v0.3.0" {
		t.Errorf("expected version 'v0.3.0', got %q", health.Version)
	}
	if health.Store != "connected" {
		t.Errorf("expected store 'connected', got %q", health.Store)
	}
	if health.ActiveSessions != 2 {
		t.Errorf("expected active_sessions 2, got %d", health.ActiveSessions)
	}
	if health.UptimeSeconds != 3600 {
		t.Errorf("expected uptime_seconds 3600, got %d", health.UptimeSeconds)
	}
}

// ---------------------------------------------------------------------------
// NewClient validation
// ---------------------------------------------------------------------------

func TestNewClientValidation(t *testing.T) {
	c, err := NewClient(Config{})
	if err == nil {
		t.Fatal("expected error for empty BaseURL, got nil")
	}
	if c != nil {
		t.Error("expected nil client on error")
	}
	if !strings.Contains(err.Error(), "BaseURL is required") {
		t.Errorf("error %q does not mention BaseURL", err.Error())
	}

	// Trailing slashes are trimmed; Token stays optional.
	c, err = NewClient(Config{BaseURL: "http://localhost:8787/"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if c == nil {
		t.Fatal("expected non-nil client")
	}
	if c.baseURL != "http://localhost:8787" {
		t.Errorf("expected trimmed base URL, got %q", c.baseURL)
	}
}
