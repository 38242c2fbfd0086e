// Package events is the closed catalogue of push-channel event names and
// their payload shapes. The connection manager treats every event
// uniformly as a (name, payload) pair; this package is where payloads get
// their types back.
//
// Application event names follow the <domain>:<action> convention, e.g.
// "appointment:created". Lifecycle and room-control names are flat.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Connection lifecycle events, emitted locally by the connection manager.
const (
	Connect          = "connect"
	Disconnect       = "disconnect"
	Reconnect        = "reconnect"
	ReconnectAttempt = "reconnect_attempt"
	ConnectError     = "connect_error"
)

// Reserved outbound control messages for room membership.
const (
	JoinTherapistRoom   = "join-therapist-room"
	JoinClientRoom      = "join-client-room"
	JoinAppointmentRoom = "join-appointment-room"
	LeaveRoom           = "leave-room"
)

// Domain events.
const (
	ClientCreated = "client:created"
	ClientUpdated = "client:updated"
	ClientDeleted = "client:deleted"

	AppointmentCreated       = "appointment:created"
	AppointmentUpdated       = "appointment:updated"
	AppointmentDeleted       = "appointment:deleted"
	AppointmentStatusChanged = "appointment:status-changed"

	SessionNoteCreated     = "session-note:created"
	SessionNoteUpdated     = "session-note:updated"
	SessionNoteDeleted     = "session-note:deleted"
	SessionNoteAICompleted = "session-note:ai-completed"

	DocumentUploadProgress = "document:upload-progress"
	CalendarSyncProgress   = "calendar:sync-progress"
	CalendarSyncError      = "calendar:sync-error"
	UserActivity           = "user:activity"
	SystemNotification     = "system:notification"
)

// Payload shapes, one per domain event.

type ClientPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	TherapistID string    `json:"therapistId,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

type AppointmentPayload struct {
	ID       string    `json:"id"`
	ClientID string    `json:"clientId,omitempty"`
	Status   string    `json:"status,omitempty"`
	StartsAt time.Time `json:"startsAt,omitempty"`
}

type SessionNotePayload struct {
	ID            string `json:"id"`
	AppointmentID string `json:"appointmentId,omitempty"`
	ClientID      string `json:"clientId,omitempty"`
}

type AICompletionPayload struct {
	NoteID   string `json:"noteId"`
	Summary  string `json:"summary,omitempty"`
	Duration int    `json:"durationMs,omitempty"`
}

type UploadProgressPayload struct {
	DocumentID string `json:"documentId"`
	Percent    int    `json:"percent"`
}

type SyncProgressPayload struct {
	Synced int `json:"synced"`
	Total  int `json:"total"`
}

type SyncErrorPayload struct {
	Message  string `json:"message"`
	Calendar string `json:"calendar,omitempty"`
}

type UserActivityPayload struct {
	UserID string `json:"userId"`
	Action string `json:"action"`
}

type SystemNotificationPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ErrUnknownEvent reports a name outside the catalogue.
type ErrUnknownEvent struct {
	Name string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown event %q", e.Name)
}

// Known reports whether name is part of the domain catalogue.
func Known(name string) bool {
	_, ok := payloadPrototypes[name]
	return ok
}

// Names returns the domain event names in a stable order.
func Names() []string {
	return []string{
		ClientCreated, ClientUpdated, ClientDeleted,
		AppointmentCreated, AppointmentUpdated, AppointmentDeleted, AppointmentStatusChanged,
		SessionNoteCreated, SessionNoteUpdated, SessionNoteDeleted, SessionNoteAICompleted,
		DocumentUploadProgress, CalendarSyncProgress, CalendarSyncError,
		UserActivity, SystemNotification,
	}
}

var payloadPrototypes = map[string]func() any{
	ClientCreated: func() any { return &ClientPayload{} },
	ClientUpdated: func() any { return &ClientPayload{} },
	ClientDeleted: func() any { return &ClientPayload{} },

	AppointmentCreated:       func() any { return &AppointmentPayload{} },
	AppointmentUpdated:       func() any { return &AppointmentPayload{} },
	AppointmentDeleted:       func() any { return &AppointmentPayload{} },
	AppointmentStatusChanged: func() any { return &AppointmentPayload{} },

	SessionNoteCreated:     func() any { return &SessionNotePayload{} },
	SessionNoteUpdated:     func() any { return &SessionNotePayload{} },
	SessionNoteDeleted:     func() any { return &SessionNotePayload{} },
	SessionNoteAICompleted: func() any { return &AICompletionPayload{} },

	DocumentUploadProgress: func() any { return &UploadProgressPayload{} },
	CalendarSyncProgress:   func() any { return &SyncProgressPayload{} },
	CalendarSyncError:      func() any { return &SyncErrorPayload{} },
	UserActivity:           func() any { return &UserActivityPayload{} },
	SystemNotification:     func() any { return &SystemNotificationPayload{} },
}

// Decode converts a raw payload (as delivered by the transport, typically
// a map decoded from JSON) into the event's typed payload struct.
func Decode(name string, payload any) (any, error) {
	prototype, ok := payloadPrototypes[name]
	if !ok {
		return nil, &ErrUnknownEvent{Name: name}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", name, err)
	}
	dest := prototype()
	if err := json.Unmarshal(raw, dest); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", name, err)
	}
	return dest, nil
}
