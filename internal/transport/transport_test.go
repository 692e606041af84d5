package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/syncerr"
)

var testTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func quietAdapter(baseURL string) *HTTP {
	return NewHTTP(baseURL, &Config{
		PushTimeout:   time.Second,
		UploadTimeout: time.Second,
		Logger:        log.New(io.Discard, "", 0),
	})
}

func testOps() []PushOperation {
	return []PushOperation{{
		EntityType:  schema.EntityThought,
		RecordID:    "rec-1",
		Operation:   "update",
		Payload:     schema.Payload{"title": {Value: "hi", UpdatedAt: testTime}},
		BaseVersion: 3,
	}}
}

func TestPushDecodesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/push" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		var ops []PushOperation
		if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
			t.Errorf("bad push body: %v", err)
		}
		if len(ops) != 1 || ops[0].RecordID != "rec-1" {
			t.Errorf("ops = %+v", ops)
		}

		_ = json.NewEncoder(w).Encode([]PushResult{
			{Status: StatusApplied, ServerVersion: 4},
		})
	}))
	defer srv.Close()

	results, err := quietAdapter(srv.URL).Push(context.Background(), testOps())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusApplied || results[0].ServerVersion != 4 {
		t.Errorf("results = %+v", results)
	}
}

func TestPushConflictCarriesServerRecord(t *testing.T) {
	serverRec, _ := schema.NewRecord(schema.EntityThought, "rec-1")
	serverRec.Version = 7
	serverRec.SetField("title", "server side", testTime)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]PushResult{{
			Status:        StatusConflict,
			ServerVersion: 7,
			ServerRecord:  serverRec,
			ServerColumns: []string{"title"},
		}})
	}))
	defer srv.Close()

	results, err := quietAdapter(srv.URL).Push(context.Background(), testOps())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	res := results[0]
	if res.Status != StatusConflict {
		t.Fatalf("Status = %s, want conflict", res.Status)
	}
	if res.ServerRecord == nil || res.ServerRecord.Version != 7 {
		t.Errorf("ServerRecord = %+v", res.ServerRecord)
	}
	if len(res.ServerColumns) != 1 || res.ServerColumns[0] != "title" {
		t.Errorf("ServerColumns = %v", res.ServerColumns)
	}
}

func TestPushResultCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]PushResult{})
	}))
	defer srv.Close()

	_, err := quietAdapter(srv.URL).Push(context.Background(), testOps())
	if !errors.Is(err, syncerr.ErrNetwork) {
		t.Errorf("count mismatch classified as %v, want network error", err)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		code     int
		sentinel error
	}{
		{http.StatusInternalServerError, syncerr.ErrNetwork},
		{http.StatusServiceUnavailable, syncerr.ErrNetwork},
		{http.StatusRequestTimeout, syncerr.ErrNetwork},
		{http.StatusTooManyRequests, syncerr.ErrNetwork},
		{http.StatusBadRequest, syncerr.ErrValidation},
		{http.StatusUnprocessableEntity, syncerr.ErrValidation},
		{http.StatusForbidden, syncerr.ErrRejected},
		{http.StatusConflict, syncerr.ErrRejected},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.code)
		}))

		_, err := quietAdapter(srv.URL).Push(context.Background(), testOps())
		if !errors.Is(err, tt.sentinel) {
			t.Errorf("status %d classified as %v, want %v", tt.code, err, tt.sentinel)
		}
		srv.Close()
	}
}

func TestConnectionFailureIsNetworkError(t *testing.T) {
	// Point at a closed server.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := quietAdapter(srv.URL).Push(context.Background(), testOps())
	if !errors.Is(err, syncerr.ErrNetwork) {
		t.Errorf("connection failure classified as %v, want network error", err)
	}
}

func TestPull(t *testing.T) {
	rec, _ := schema.NewRecord(schema.EntityTodo, "todo-1")
	rec.Version = 2
	rec.SetField("title", "from server", testTime)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/pull" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("since"); got != "cursor-1" {
			t.Errorf("since = %q, want cursor-1", got)
		}
		_ = json.NewEncoder(w).Encode(PullResponse{
			Records: []*schema.Record{rec},
			Cursor:  "cursor-2",
		})
	}))
	defer srv.Close()

	resp, err := quietAdapter(srv.URL).Pull(context.Background(), "cursor-1")
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if resp.Cursor != "cursor-2" {
		t.Errorf("Cursor = %q, want cursor-2", resp.Cursor)
	}
	if len(resp.Records) != 1 || resp.Records[0].ID != "todo-1" {
		t.Errorf("Records = %+v", resp.Records)
	}
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if r.URL.Path != "/sync/upload/capture/cap-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "audio bytes" {
			t.Errorf("body = %q", body)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := quietAdapter(srv.URL).Upload(context.Background(),
		schema.EntityCapture, "cap-1", strings.NewReader("audio bytes"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
}
