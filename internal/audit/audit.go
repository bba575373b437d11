// Package audit records significant events of the integration: rollbacks,
// jackpot awards, large wins, rejected callbacks, operator blocks and session
// lifecycle.
//
// Every event goes to the structured log. It is also stored in the
// audit_events table when a database is configured, or in a bounded
// in-memory trail otherwise.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/alexbotov/slotgate/internal/domain"
)

// Event types
const (
	EventSessionStart     = "session_start"
	EventSessionEnd       = "session_end"
	EventSessionTimedOut  = "session_timed_out"
	EventLargeWin         = "large_win"
	EventJackpotAward     = "jackpot_award"
	EventRollback         = "rollback"
	EventInvalidSignature = "invalid_signature"
	EventCatalogRefresh   = "catalog_refresh"
	EventSystemError      = "system_error"
)

// DefaultCapacity is how many events the in-memory trail keeps
const DefaultCapacity = 1000

// Service writes and reads audit events
type Service struct {
	db     *sql.DB
	logger *slog.Logger

	mu       sync.Mutex
	trail    []*domain.AuditEvent // ring, used when db is nil
	next     int
	capacity int
}

// Option configures a Service
type Option func(*Service)

// WithCapacity bounds the in-memory trail
func WithCapacity(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// New creates an audit service. db and logger may be nil.
func New(db *sql.DB, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{db: db, logger: logger, capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EventOption sets optional fields of an event
type EventOption func(*domain.AuditEvent)

// WithPlayer tags the event with a player. Empty ids are ignored.
func WithPlayer(playerID string) EventOption {
	return func(e *domain.AuditEvent) {
		if playerID != "" {
			e.PlayerID = &playerID
		}
	}
}

// WithSession tags the event with a session. Empty ids are ignored.
func WithSession(sessionID string) EventOption {
	return func(e *domain.AuditEvent) {
		if sessionID != "" {
			e.SessionID = &sessionID
		}
	}
}

// WithIP records the caller address
func WithIP(ip string) EventOption {
	return func(e *domain.AuditEvent) { e.IPAddress = ip }
}

// WithComponent names the emitting component
func WithComponent(component string) EventOption {
	return func(e *domain.AuditEvent) { e.Component = component }
}

// Log builds an event and records it. data is encoded as JSON; encoding
// failures drop the data, not the event.
func (s *Service) Log(ctx context.Context, eventType string, severity domain.EventSeverity, description string, data any, opts ...EventOption) error {
	event := &domain.AuditEvent{
		Type:        eventType,
		Severity:    severity,
		Description: description,
		Component:   "slotgate",
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			event.Data = raw
		}
	}
	for _, opt := range opts {
		opt(event)
	}
	return s.LogEvent(ctx, event)
}

// LogEvent records a prepared event, filling in id and timestamp
func (s *Service) LogEvent(ctx context.Context, event *domain.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	s.logger.Log(ctx, level(event.Severity), event.Description, attrs(event)...)

	if s.db == nil {
		s.remember(event)
		return nil
	}
	return s.insert(ctx, event)
}

func level(sev domain.EventSeverity) slog.Level {
	switch sev {
	case domain.SeverityWarning:
		return slog.LevelWarn
	case domain.SeverityError, domain.SeverityCritical:
		return slog.LevelError
	}
	return slog.LevelInfo
}

func attrs(e *domain.AuditEvent) []any {
	out := []any{"event_id", e.ID, "type", e.Type, "severity", e.Severity, "component", e.Component}
	if e.PlayerID != nil {
		out = append(out, "player_id", *e.PlayerID)
	}
	if e.SessionID != nil {
		out = append(out, "session_id", *e.SessionID)
	}
	if len(e.Data) > 0 {
		out = append(out, "data", string(e.Data))
	}
	return out
}

func (s *Service) remember(e *domain.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.trail) < s.capacity {
		s.trail = append(s.trail, e)
		return
	}
	s.trail[s.next] = e
	s.next = (s.next + 1) % s.capacity
}

func (s *Service) insert(ctx context.Context, e *domain.AuditEvent) error {
	data := "{}"
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, severity, timestamp, player_id, session_id, description, data, ip_address, component)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.Type, e.Severity, e.Timestamp, e.PlayerID, e.SessionID, e.Description, data, e.IPAddress, e.Component)
	if err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// EventFilter narrows GetEvents. Zero fields match everything; Limit <= 0
// means 100.
type EventFilter struct {
	PlayerID string
	Type     string
	From     time.Time
	To       time.Time
	Limit    int
}

func (f EventFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

func (f EventFilter) match(e *domain.AuditEvent) bool {
	if f.PlayerID != "" && (e.PlayerID == nil || *e.PlayerID != f.PlayerID) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// GetEvents returns matching events, newest first. filter may be nil.
func (s *Service) GetEvents(ctx context.Context, filter *EventFilter) ([]*domain.AuditEvent, error) {
	var f EventFilter
	if filter != nil {
		f = *filter
	}
	if s.db == nil {
		return s.recent(f), nil
	}
	return s.query(ctx, f)
}

func (s *Service) recent(f EventFilter) []*domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.AuditEvent
	n := len(s.trail)
	// walk backwards from the newest slot of the ring
	for i := 0; i < n && len(out) < f.limit(); i++ {
		e := s.trail[(s.next-1-i+n)%n]
		if f.match(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Service) query(ctx context.Context, f EventFilter) ([]*domain.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.PlayerID != "" {
		add("player_id = $%d", f.PlayerID)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp <= $%d", f.To)
	}

	q := `SELECT id, type, severity, timestamp, player_id, session_id, description, data, ip_address, component
		  FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	q += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var (
			e                 domain.AuditEvent
			playerID, session sql.NullString
			data              string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Severity, &e.Timestamp,
			&playerID, &session, &e.Description, &data, &e.IPAddress, &e.Component); err != nil {
			return nil, err
		}
		if playerID.Valid {
			e.PlayerID = &playerID.String
		}
		if session.Valid {
			e.SessionID = &session.String
		}
		if data != "" {
			e.Data = []byte(data)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
