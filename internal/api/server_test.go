package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"nyaser-maps-downloader/internal/config"
	"nyaser-maps-downloader/internal/storage"
)

type fakeEnqueuer struct {
	urls     []string
	canceled []string
}

func (f *fakeEnqueuer) Enqueue(url, extractDir string) (string, error) {
	f.urls = append(f.urls, url)
	return "task-1", nil
}

func (f *fakeEnqueuer) Cancel(taskID, reason string) {
	f.canceled = append(f.canceled, taskID)
}

func (f *fakeEnqueuer) QueueSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"queue": map[string]interface{}{
			"waiting_tasks": []interface{}{},
			"total_tasks":   0,
			"active_tasks":  0,
		},
	}
}

func setupServer(t *testing.T) (*ControlServer, *fakeEnqueuer, string) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&storage.AppSetting{}); err != nil {
		t.Fatal(err)
	}
	cfg := config.NewManager(&storage.Storage{DB: db})

	pipe := &fakeEnqueuer{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewControlServer(log, pipe, cfg, func() string { return "/addons" })
	return srv, pipe, cfg.GetControlToken()
}

func TestEnqueueRequiresToken(t *testing.T) {
	srv, pipe, _ := setupServer(t)

	req := httptest.NewRequest("POST", "/v1/download", bytes.NewBufferString(`{"url":"https://example.com/a.zip"}`))
	req.RemoteAddr = "127.0.0.1:54321"
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != 401 {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if len(pipe.urls) != 0 {
		t.Error("unauthorized request must not enqueue")
	}
}

func TestEnqueueHappyPath(t *testing.T) {
	srv, pipe, token := setupServer(t)

	req := httptest.NewRequest("POST", "/v1/download", bytes.NewBufferString(`{"url":"https://example.com/a.zip"}`))
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("X-NMD-Token", token)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp enqueueResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TaskID != "task-1" {
		t.Errorf("unexpected task id: %q", resp.TaskID)
	}
	if len(pipe.urls) != 1 || pipe.urls[0] != "https://example.com/a.zip" {
		t.Errorf("unexpected enqueued urls: %+v", pipe.urls)
	}
}

func TestEnqueueRejectsNonLoopback(t *testing.T) {
	srv, _, token := setupServer(t)

	req := httptest.NewRequest("POST", "/v1/download", bytes.NewBufferString(`{"url":"https://example.com/a.zip"}`))
	req.RemoteAddr = "192.168.1.50:54321"
	req.Header.Set("X-NMD-Token", token)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != 403 {
		t.Errorf("expected 403 for non-loopback source, got %d", w.Code)
	}
}

func TestEnqueueRejectsEmptyURL(t *testing.T) {
	srv, _, token := setupServer(t)

	req := httptest.NewRequest("POST", "/v1/download", bytes.NewBufferString(`{}`))
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("X-NMD-Token", token)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != 400 {
		t.Errorf("expected 400 for missing url, got %d", w.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, pipe, token := setupServer(t)

	req := httptest.NewRequest("POST", "/v1/tasks/task-9/cancel", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("X-NMD-Token", token)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(pipe.canceled) != 1 || pipe.canceled[0] != "task-9" {
		t.Errorf("unexpected cancels: %+v", pipe.canceled)
	}
}
