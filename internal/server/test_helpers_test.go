package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testServerTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestNotesService(t *testing.T) *notes.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&notes.Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := notes.NewService(notes.ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return testServerTime },
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	return service
}

func newTestRouter(t *testing.T) (http.Handler, *RealtimeDispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		NotesService:      newTestNotesService(t),
		Logger:            zap.NewNop(),
		Realtime:          dispatcher,
		HeartbeatInterval: time.Hour,
		Clock:             func() time.Time { return testServerTime },
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return handler, dispatcher
}

func performRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}
