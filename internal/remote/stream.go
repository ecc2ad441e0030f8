package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"go.uber.org/zap"
)

const (
	// EventNoteChanged is sent by the authority after it accepts a write.
	EventNoteChanged = "note-change"
	// EventHeartbeat keeps idle streams alive.
	EventHeartbeat = "heartbeat"

	maxEventLineBytes = 1 << 20
)

// Event is one decoded server-sent event from the authority's change feed.
type Event struct {
	Type       string
	NoteIDs    []notes.NoteID
	ServerTime notes.Timestamp
}

type eventData struct {
	NoteIDs    []notes.NoteID   `json:"noteIds"`
	ServerTime *notes.Timestamp `json:"serverTime"`
}

// Stream follows GET /notes/stream and calls handle for every event until ctx ends
// or the connection drops. Connection failures are reported as notes.ErrUnreachable.
func (c *Client) Stream(ctx context.Context, handle func(Event)) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(pathStream), http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: build stream request: %w", notes.ErrInternal, err)
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %w", notes.ErrUnreachable, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return decodeStatusError(response)
	}

	err = readEvents(bufio.NewReader(response.Body), func(eventType, data string) {
		event, decodeErr := decodeEvent(eventType, data)
		if decodeErr != nil {
			c.logger.Warn("ignoring malformed stream event", zap.String("event", eventType), zap.Error(decodeErr))
			return
		}
		handle(event)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: change feed closed: %w", notes.ErrUnreachable, err)
}

// readEvents parses the text/event-stream framing: field lines terminated by a blank line.
func readEvents(reader *bufio.Reader, dispatch func(eventType, data string)) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 4096), maxEventLineBytes)

	eventType := ""
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 || eventType != "" {
				dispatch(eventType, strings.Join(data, "\n"))
			}
			eventType = ""
			data = data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("end of stream")
}

func decodeEvent(eventType, data string) (Event, error) {
	if eventType == "" {
		eventType = "message"
	}
	event := Event{Type: eventType}
	if strings.TrimSpace(data) == "" {
		return event, nil
	}
	var payload eventData
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return Event{}, err
	}
	event.NoteIDs = payload.NoteIDs
	if payload.ServerTime != nil {
		event.ServerTime = *payload.ServerTime
	}
	return event, nil
}
