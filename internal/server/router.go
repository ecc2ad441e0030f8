package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	allOrigins               = "*"

	errorInvalidRequest = "invalid_request"
	errorInvalidSince   = "invalid_since"
	errorInvalidPayload = "invalid_payload"
	errorInvalidNoteID  = "invalid_note_id"
	errorNoteExists     = "note_exists"
	errorNoteNotFound   = "note_not_found"
	errorNotNewer       = "not_newer"
	errorInternal       = "internal_error"
	errorSyncFailed     = "sync_failed"
)

var errMissingNotesService = errors.New("notes service dependency required")

// Dependencies wires the authority HTTP surface.
type Dependencies struct {
	NotesService      *notes.Service
	Logger            *zap.Logger
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
}

// NewHTTPHandler builds the gin router serving the sync and notes endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(recoveryMiddleware(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		notesService: deps.NotesService,
		logger:       logger,
		realtime:     realtime,
		heartbeat:    heartbeat,
		clock:        clock,
	}

	router.GET("/health", handler.handleHealth)
	router.POST("/sync", handler.handleSync)
	router.GET("/notes", handler.handleListNotes)
	router.GET("/notes/stream", handler.handleNotesStream)
	router.GET("/notes/:id", handler.handleGetNote)
	router.POST("/notes", handler.handleCreateNote)
	router.PUT("/notes/:id", handler.handleUpdateNote)
	router.DELETE("/notes/:id", handler.handleDeleteNote)

	return router, nil
}

type httpHandler struct {
	notesService *notes.Service
	logger       *zap.Logger
	realtime     *RealtimeDispatcher
	heartbeat    time.Duration
	clock        func() time.Time
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == allOrigins {
			origins = nil
			break
		}
		origins = append(origins, trimmed)
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func recoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("request panicked",
			zap.String("path", c.FullPath()),
			zap.Any("panic", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":  errorInternal,
			"detail": fmt.Sprint(recovered),
		})
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "time": notes.NewTimestamp(h.now())})
}

type syncRequestPayload struct {
	Since   json.RawMessage   `json:"since"`
	Changes []json.RawMessage `json:"changes"`
}

type changePayload struct {
	ID        string  `json:"id"`
	Title     *string `json:"title"`
	Body      *string `json:"body"`
	UpdatedAt string  `json:"updatedAt"`
	Deleted   bool    `json:"deleted"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}

	since, err := decodeSince(request.Since)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidSince})
		return
	}

	changes := make([]notes.Change, 0, len(request.Changes))
	for index, raw := range request.Changes {
		change, err := decodeChange(raw)
		if err != nil {
			h.logger.Warn("skipping malformed sync change", zap.Int("index", index), zap.Error(err))
			continue
		}
		changes = append(changes, change)
	}

	result, err := h.notesService.Sync(c.Request.Context(), since, changes)
	if err != nil {
		h.respondServiceError(c, err, errorSyncFailed)
		return
	}

	h.publishChange(result.AcceptedNoteIDs(), result.ServerTime)

	responseNotes := result.Notes
	if responseNotes == nil {
		responseNotes = []notes.Note{}
	}
	c.JSON(http.StatusOK, notes.SyncResponse{ServerTime: result.ServerTime, Notes: responseNotes})
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	all, err := h.notesService.ListNotes(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err, errorInternal)
		return
	}
	if all == nil {
		all = []notes.Note{}
	}
	c.JSON(http.StatusOK, gin.H{"notes": all, "serverTime": notes.NewTimestamp(h.now())})
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidNoteID})
		return
	}
	note, err := h.notesService.GetNote(c.Request.Context(), noteID)
	if err != nil {
		h.respondServiceError(c, err, errorInternal)
		return
	}
	c.JSON(http.StatusOK, gin.H{"note": note})
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	var payload changePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidPayload})
		return
	}
	if payload.Title == nil || payload.Body == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidPayload})
		return
	}
	change, err := payload.change(payload.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidPayload})
		return
	}

	created, err := h.notesService.CreateNote(c.Request.Context(), change)
	if err != nil {
		h.respondServiceError(c, err, errorInternal)
		return
	}
	h.publishChange([]notes.NoteID{created.ID}, notes.NewTimestamp(h.now()))
	c.JSON(http.StatusCreated, gin.H{"ok": true, "note": created})
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	var payload changePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidPayload})
		return
	}
	change, err := payload.change(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidPayload})
		return
	}

	updated, err := h.notesService.UpdateNote(c.Request.Context(), change)
	if err != nil {
		h.respondServiceError(c, err, errorInternal)
		return
	}
	h.publishChange([]notes.NoteID{updated.ID}, notes.NewTimestamp(h.now()))
	c.JSON(http.StatusOK, gin.H{"ok": true, "note": updated})
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidNoteID})
		return
	}
	removed, err := h.notesService.DeleteNote(c.Request.Context(), noteID)
	if err != nil {
		h.respondServiceError(c, err, errorInternal)
		return
	}
	h.publishChange([]notes.NoteID{removed.ID}, notes.NewTimestamp(h.now()))
	c.JSON(http.StatusOK, gin.H{"ok": true, "removed": removed})
}

// respondServiceError maps service sentinels to HTTP statuses. Only 500 responses carry detail.
func (h *httpHandler) respondServiceError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, notes.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidPayload})
	case errors.Is(err, notes.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": errorNoteNotFound})
	case errors.Is(err, notes.ErrConflict):
		if code, ok := notes.IsServiceError(err); ok && strings.HasSuffix(code, ".note_exists") {
			c.JSON(http.StatusConflict, gin.H{"error": errorNoteExists})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": errorNotNewer})
	default:
		h.logger.Error("notes request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response := gin.H{"error": fallback, "detail": err.Error()}
		if code, ok := notes.IsServiceError(err); ok {
			response["code"] = code
		}
		c.JSON(http.StatusInternalServerError, response)
	}
}

func (h *httpHandler) publishChange(noteIDs []notes.NoteID, serverTime notes.Timestamp) {
	ids := collectAcceptedNoteIDs(noteIDs)
	if len(ids) == 0 {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		EventType: RealtimeEventNoteChanged,
		NoteIDs:   ids,
		Timestamp: serverTime.Time(),
	})
}

func (h *httpHandler) now() time.Time {
	if h.clock == nil {
		return time.Now()
	}
	return h.clock()
}

// collectAcceptedNoteIDs returns the distinct non-empty ids, sorted.
func collectAcceptedNoteIDs(noteIDs []notes.NoteID) []string {
	if len(noteIDs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(noteIDs))
	ids := make([]string, 0, len(noteIDs))
	for _, noteID := range noteIDs {
		value := noteID.String()
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		ids = append(ids, value)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return ids
}

func decodeSince(raw json.RawMessage) (*notes.Timestamp, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == `""` {
		return nil, nil
	}
	var since notes.Timestamp
	if err := json.Unmarshal(raw, &since); err != nil {
		return nil, err
	}
	return &since, nil
}

func decodeChange(raw json.RawMessage) (notes.Change, error) {
	var payload changePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return notes.Change{}, err
	}
	return payload.change(payload.ID)
}

func (payload changePayload) change(noteID string) (notes.Change, error) {
	return notes.NewChange(notes.ChangeConfig{
		NoteID:    noteID,
		Title:     payload.Title,
		Body:      payload.Body,
		UpdatedAt: payload.UpdatedAt,
		Deleted:   payload.Deleted,
	})
}
