package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func TestHandleSyncIncludesServiceErrorCode(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)

	request := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(`{"since":null,"changes":[]}`))
	request.Header.Set("Content-Type", "application/json")
	context.Request = request

	handler := &httpHandler{
		notesService: &notes.Service{},
		logger:       zap.NewNop(),
	}

	handler.handleSync(context)

	if recorder.Code != http.StatusInternalServerError {
		testContext.Fatalf("expected internal server error status, got %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if payload["code"] != "notes.sync.missing_database" {
		testContext.Fatalf("expected service error code, got %v", payload["code"])
	}
	if payload["error"] != errorSyncFailed {
		testContext.Fatalf("expected sync_failed error, got %v", payload["error"])
	}
	if detail, _ := payload["detail"].(string); detail == "" {
		testContext.Fatalf("expected detail on internal error")
	}
}

func TestHandleListNotesIncludesServiceErrorCode(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)
	context.Request = httptest.NewRequest(http.MethodGet, "/notes", http.NoBody)

	handler := &httpHandler{
		notesService: &notes.Service{},
		logger:       zap.NewNop(),
	}

	handler.handleListNotes(context)

	if recorder.Code != http.StatusInternalServerError {
		testContext.Fatalf("expected internal server error status, got %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	if payload["code"] != "notes.list_notes.missing_database" {
		testContext.Fatalf("expected list notes error code, got %v", payload["code"])
	}
}

func TestHandleSyncValidationFailures(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	testCases := []struct {
		name       string
		body       string
		wantError  string
		wantStatus int
	}{
		{
			name:       "undecodable-body",
			body:       `{"changes":[`,
			wantError:  errorInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "changes-not-a-list",
			body:       `{"changes":{"id":"n1"}}`,
			wantError:  errorInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid-since",
			body:       `{"since":"yesterday","changes":[]}`,
			wantError:  errorInvalidSince,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			recorder := httptest.NewRecorder()
			context, _ := gin.CreateTestContext(recorder)

			request := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(testCase.body))
			request.Header.Set("Content-Type", "application/json")
			context.Request = request

			handler := &httpHandler{
				notesService: &notes.Service{},
				logger:       zap.NewNop(),
			}

			handler.handleSync(context)

			if recorder.Code != testCase.wantStatus {
				testContext.Fatalf("unexpected status: got %d want %d", recorder.Code, testCase.wantStatus)
			}

			var payload map[string]any
			if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
				testContext.Fatalf("failed to decode payload: %v", err)
			}
			if payload["error"] != testCase.wantError {
				testContext.Fatalf("expected error %s, got %v", testCase.wantError, payload["error"])
			}
		})
	}
}

func TestSyncSkipsMalformedEntries(testContext *testing.T) {
	handler, _ := newTestRouter(testContext)

	body := `{"since":null,"changes":[
		{"id":"n1","title":"Kept","body":"b","updatedAt":"2024-01-01T00:00:00Z"},
		{"id":"","title":"no id","updatedAt":"2024-01-01T00:00:00Z"},
		{"id":"n2","title":"no timestamp"},
		{"id":"n3","title":"bad timestamp","updatedAt":"not-a-date"},
		{"id":"n4","title":42,"updatedAt":"2024-01-01T00:00:00Z"},
		"garbage",
		null
	]}`
	recorder := performRequest(testContext, handler, http.MethodPost, "/sync", body)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var response notes.SyncResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		testContext.Fatalf("failed to decode sync response: %v", err)
	}
	if len(response.Notes) != 1 || response.Notes[0].ID != "n1" || response.Notes[0].Title != "Kept" {
		testContext.Fatalf("expected only n1 stored, got %+v", response.Notes)
	}
	if !response.ServerTime.Time().Equal(testServerTime) {
		testContext.Fatalf("expected server time %s, got %s", testServerTime, response.ServerTime)
	}
}

func TestSyncWithEmptyBodyReturnsWholeTable(testContext *testing.T) {
	handler, _ := newTestRouter(testContext)
	performRequest(testContext, handler, http.MethodPost, "/notes",
		`{"id":"n1","title":"t","body":"b","updatedAt":"2024-01-01T00:00:00Z"}`)

	recorder := performRequest(testContext, handler, http.MethodPost, "/sync", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeBody(testContext, recorder)
	returned, _ := payload["notes"].([]any)
	if len(returned) != 1 {
		testContext.Fatalf("expected whole table, got %v", payload["notes"])
	}
}

func TestHealthEndpoint(testContext *testing.T) {
	handler, _ := newTestRouter(testContext)

	recorder := performRequest(testContext, handler, http.MethodGet, "/health", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeBody(testContext, recorder)
	if payload["ok"] != true || payload["time"] != "2024-06-01T12:00:00Z" {
		testContext.Fatalf("unexpected health payload: %v", payload)
	}
}

func TestNotesCRUDEndpoints(testContext *testing.T) {
	handler, _ := newTestRouter(testContext)

	steps := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantError  string
	}{
		{name: "create", method: http.MethodPost, path: "/notes", body: `{"id":"n1","title":"A","body":"a","updatedAt":"2024-01-01T00:00:00Z"}`, wantStatus: http.StatusCreated},
		{name: "create duplicate", method: http.MethodPost, path: "/notes", body: `{"id":"n1","title":"A","body":"a","updatedAt":"2024-01-02T00:00:00Z"}`, wantStatus: http.StatusConflict, wantError: errorNoteExists},
		{name: "create without body", method: http.MethodPost, path: "/notes", body: `{"id":"n2","title":"A","updatedAt":"2024-01-01T00:00:00Z"}`, wantStatus: http.StatusBadRequest, wantError: errorInvalidPayload},
		{name: "create deleted", method: http.MethodPost, path: "/notes", body: `{"id":"n3","title":"A","body":"a","updatedAt":"2024-01-01T00:00:00Z","deleted":true}`, wantStatus: http.StatusBadRequest, wantError: errorInvalidPayload},
		{name: "get", method: http.MethodGet, path: "/notes/n1", wantStatus: http.StatusOK},
		{name: "get missing", method: http.MethodGet, path: "/notes/ghost", wantStatus: http.StatusNotFound, wantError: errorNoteNotFound},
		{name: "update newer", method: http.MethodPut, path: "/notes/n1", body: `{"title":"B","updatedAt":"2024-01-03T00:00:00Z"}`, wantStatus: http.StatusOK},
		{name: "update equal", method: http.MethodPut, path: "/notes/n1", body: `{"title":"C","updatedAt":"2024-01-03T00:00:00Z"}`, wantStatus: http.StatusConflict, wantError: errorNotNewer},
		{name: "update missing timestamp", method: http.MethodPut, path: "/notes/n1", body: `{"title":"C"}`, wantStatus: http.StatusBadRequest, wantError: errorInvalidPayload},
		{name: "update unknown", method: http.MethodPut, path: "/notes/ghost", body: `{"title":"C","updatedAt":"2024-01-05T00:00:00Z"}`, wantStatus: http.StatusNotFound, wantError: errorNoteNotFound},
		{name: "delete", method: http.MethodDelete, path: "/notes/n1", wantStatus: http.StatusOK},
		{name: "delete again", method: http.MethodDelete, path: "/notes/n1", wantStatus: http.StatusNotFound, wantError: errorNoteNotFound},
	}

	for _, step := range steps {
		recorder := performRequest(testContext, handler, step.method, step.path, step.body)
		if recorder.Code != step.wantStatus {
			testContext.Fatalf("%s: expected status %d, got %d: %s", step.name, step.wantStatus, recorder.Code, recorder.Body.String())
		}
		payload := decodeBody(testContext, recorder)
		if step.wantError != "" && payload["error"] != step.wantError {
			testContext.Fatalf("%s: expected error %s, got %v", step.name, step.wantError, payload["error"])
		}
		switch step.name {
		case "create":
			if payload["ok"] != true {
				testContext.Fatalf("create: expected ok flag, got %v", payload)
			}
		case "update newer":
			note, _ := payload["note"].(map[string]any)
			if note["title"] != "B" || note["body"] != "a" {
				testContext.Fatalf("update: expected partial merge, got %v", note)
			}
		case "delete":
			removed, _ := payload["removed"].(map[string]any)
			if removed["id"] != "n1" || removed["title"] != "B" {
				testContext.Fatalf("delete: unexpected removed note %v", removed)
			}
		}
	}

	recorder := performRequest(testContext, handler, http.MethodGet, "/notes", "")
	payload := decodeBody(testContext, recorder)
	listed, _ := payload["notes"].([]any)
	if len(listed) != 0 {
		testContext.Fatalf("expected empty table after delete, got %v", listed)
	}
	if payload["serverTime"] != "2024-06-01T12:00:00Z" {
		testContext.Fatalf("expected serverTime in list response, got %v", payload["serverTime"])
	}
}

func TestRecoveryMiddlewareReturnsDetail(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(recoveryMiddleware(zap.NewNop()))
	router.GET("/boom", func(*gin.Context) {
		panic("disk on fire")
	})

	recorder := performRequest(testContext, router, http.MethodGet, "/boom", "")
	if recorder.Code != http.StatusInternalServerError {
		testContext.Fatalf("expected 500, got %d", recorder.Code)
	}
	payload := decodeBody(testContext, recorder)
	if payload["error"] != errorInternal || payload["detail"] != "disk on fire" {
		testContext.Fatalf("unexpected panic payload: %v", payload)
	}
}

func TestCollectAcceptedNoteIDs(testContext *testing.T) {
	ids := collectAcceptedNoteIDs([]notes.NoteID{"note-2", "note-1", "", "note-2"})
	expected := []string{"note-1", "note-2"}
	if len(ids) != len(expected) {
		testContext.Fatalf("expected %d identifiers, got %d", len(expected), len(ids))
	}
	for index, expectedID := range expected {
		if ids[index] != expectedID {
			testContext.Fatalf("expected identifier %s at index %d, got %s", expectedID, index, ids[index])
		}
	}
}

func TestCollectAcceptedNoteIDsEmpty(testContext *testing.T) {
	if ids := collectAcceptedNoteIDs(nil); ids != nil {
		testContext.Fatalf("expected nil identifiers, got %v", ids)
	}
	if ids := collectAcceptedNoteIDs([]notes.NoteID{""}); ids != nil {
		testContext.Fatalf("expected nil identifiers, got %v", ids)
	}
}
