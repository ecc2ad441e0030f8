package notes

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// Stored timestamps keep an int64 nanosecond column, so accepted instants must fit it.
var (
	earliestTimestamp = time.Unix(0, math.MinInt64).UTC()
	latestTimestamp   = time.Unix(0, math.MaxInt64).UTC()
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty note id", ErrInvalidPayload)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: note id exceeds %d characters", ErrInvalidPayload, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// Timestamp is an instant on the wall clock, exchanged as an ISO-8601 string.
// Ordering is always by instant, never by the textual form.
type Timestamp struct {
	instant time.Time
}

// NewTimestamp wraps the provided time, normalized to UTC.
func NewTimestamp(value time.Time) Timestamp {
	return Timestamp{instant: value.UTC()}
}

// ParseTimestamp parses an RFC 3339 string with optional fractional seconds.
func ParseTimestamp(rawInput string) (Timestamp, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return Timestamp{}, fmt.Errorf("%w: empty timestamp", ErrInvalidPayload)
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: invalid timestamp %q", ErrInvalidPayload, trimmed)
	}
	if parsed.Before(earliestTimestamp) || parsed.After(latestTimestamp) {
		return Timestamp{}, fmt.Errorf("%w: timestamp %q outside %s..%s", ErrInvalidPayload, trimmed,
			earliestTimestamp.Format(time.RFC3339Nano), latestTimestamp.Format(time.RFC3339Nano))
	}
	return NewTimestamp(parsed), nil
}

// TimestampFromUnixNano rebuilds a Timestamp from its nanosecond representation.
func TimestampFromUnixNano(value int64) Timestamp {
	return NewTimestamp(time.Unix(0, value))
}

// Time exposes the wrapped instant.
func (ts Timestamp) Time() time.Time {
	return ts.instant
}

// IsZero reports whether the timestamp was never set.
func (ts Timestamp) IsZero() bool {
	return ts.instant.IsZero()
}

// UnixNano returns the instant as nanoseconds since the epoch.
func (ts Timestamp) UnixNano() int64 {
	return ts.instant.UnixNano()
}

// After reports whether ts is strictly later than other.
func (ts Timestamp) After(other Timestamp) bool {
	return ts.instant.After(other.instant)
}

// Before reports whether ts is strictly earlier than other.
func (ts Timestamp) Before(other Timestamp) bool {
	return ts.instant.Before(other.instant)
}

// Equal reports whether both timestamps denote the same instant.
func (ts Timestamp) Equal(other Timestamp) bool {
	return ts.instant.Equal(other.instant)
}

// String renders the timestamp in RFC 3339 with nanosecond precision.
func (ts Timestamp) String() string {
	if ts.instant.IsZero() {
		return ""
	}
	return ts.instant.Format(time.RFC3339Nano)
}

// MarshalJSON encodes the timestamp as an ISO-8601 string.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.String())
}

// UnmarshalJSON decodes an ISO-8601 string.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: timestamp must be a string", ErrInvalidPayload)
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}

// MarshalYAML renders the timestamp as its ISO-8601 string.
func (ts Timestamp) MarshalYAML() (any, error) {
	return ts.String(), nil
}

// Note is the unit of data exchanged between replicas and the authority.
type Note struct {
	ID        NoteID    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Body      string    `json:"body" yaml:"body"`
	UpdatedAt Timestamp `json:"updatedAt" yaml:"updatedAt"`
	Deleted   bool      `json:"deleted" yaml:"deleted"`
}

// Change is a validated incoming write for the authority.
// Nil title or body keep the stored value when updating an existing record.
type Change struct {
	noteID    NoteID
	title     *string
	body      *string
	updatedAt Timestamp
	deleted   bool
}

// ChangeConfig describes the inputs required to build a Change.
type ChangeConfig struct {
	NoteID    string
	Title     *string
	Body      *string
	UpdatedAt string
	Deleted   bool
}

// NewChange validates the provided configuration and returns a Change.
func NewChange(cfg ChangeConfig) (Change, error) {
	noteID, err := NewNoteID(cfg.NoteID)
	if err != nil {
		return Change{}, err
	}
	updatedAt, err := ParseTimestamp(cfg.UpdatedAt)
	if err != nil {
		return Change{}, err
	}
	return Change{
		noteID:    noteID,
		title:     cfg.Title,
		body:      cfg.Body,
		updatedAt: updatedAt,
		deleted:   cfg.Deleted,
	}, nil
}

// ChangeFromNote converts a full note into a change carrying every field.
func ChangeFromNote(note Note) Change {
	title := note.Title
	body := note.Body
	return Change{
		noteID:    note.ID,
		title:     &title,
		body:      &body,
		updatedAt: note.UpdatedAt,
		deleted:   note.Deleted,
	}
}

// NoteID returns the targeted note identifier.
func (change Change) NoteID() NoteID {
	return change.noteID
}

// UpdatedAt returns the client-stamped modification instant.
func (change Change) UpdatedAt() Timestamp {
	return change.updatedAt
}

// Deleted reports whether the change is a tombstone.
func (change Change) Deleted() bool {
	return change.deleted
}

// Title returns the incoming title and whether one was supplied.
func (change Change) Title() (string, bool) {
	if change.title == nil {
		return "", false
	}
	return *change.title, true
}

// Body returns the incoming body and whether one was supplied.
func (change Change) Body() (string, bool) {
	if change.body == nil {
		return "", false
	}
	return *change.body, true
}

// Note materializes the change as a full note, defaulting absent fields to empty text.
func (change Change) Note() Note {
	title, _ := change.Title()
	body, _ := change.Body()
	return Note{
		ID:        change.noteID,
		Title:     title,
		Body:      body,
		UpdatedAt: change.updatedAt,
		Deleted:   change.deleted,
	}
}

// Record models the authority's durable note row.
type Record struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;type:text;not null;default:''"`
	Body             string `gorm:"column:body;type:text;not null;default:''"`
	UpdatedAtISO     string `gorm:"column:updated_at;size:64;not null"`
	UpdatedAtNanos   int64  `gorm:"column:updated_at_ns;not null;default:0;index:idx_notes_updated_at_ns"`
	ChangedAtNanos   int64  `gorm:"column:changed_at_ns;not null;default:0;index:idx_notes_changed_at_ns"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "notes"
}

func (record Record) updatedAt() Timestamp {
	return TimestampFromUnixNano(record.UpdatedAtNanos)
}

// Note converts the stored row into its wire representation.
func (record Record) Note() (Note, error) {
	noteID, err := NewNoteID(record.NoteID)
	if err != nil {
		return Note{}, err
	}
	updatedAt, err := ParseTimestamp(record.UpdatedAtISO)
	if err != nil {
		return Note{}, err
	}
	return Note{
		ID:        noteID,
		Title:     record.Title,
		Body:      record.Body,
		UpdatedAt: updatedAt,
	}, nil
}

func newRecord(note Note, createdAt time.Time) Record {
	return Record{
		NoteID:           note.ID.String(),
		Title:            note.Title,
		Body:             note.Body,
		UpdatedAtISO:     note.UpdatedAt.String(),
		UpdatedAtNanos:   note.UpdatedAt.UnixNano(),
		ChangedAtNanos:   createdAt.UTC().UnixNano(),
		CreatedAtSeconds: createdAt.UTC().Unix(),
	}
}
