package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Activity types written to the activity log.
const (
	ActivityQueueCreated    = "queue_created"
	ActivityQueueCalled     = "queue_called"
	ActivityQueueCompleted  = "queue_completed"
	ActivityQueueCancelled  = "queue_cancelled"
	ActivityQueueNoShow     = "queue_no_show"
	ActivitySettingsUpdated = "settings_updated"
)

// Notification types shown to patients.
const (
	NotificationEmergencyClosure = "emergency_closure"
)

type Activity struct {
	Type        string
	Title       string
	Description string
	PatientID   *uuid.UUID
	EntryID     *uuid.UUID
	Metadata    map[string]any
}

type Notification struct {
	PatientID  uuid.UUID
	Type       string
	Title      string
	Message    string
	ActionData map[string]any
}

// Sink receives the side effects of committed queue transitions: the activity
// log, patient notifications, and the realtime broadcast channel. Every call is
// fire-and-forget; implementations swallow and log their own failures so the
// ledger write they follow is never rolled back or failed.
type Sink interface {
	RecordActivity(ctx context.Context, a Activity)
	EnqueueNotification(ctx context.Context, n Notification)
	Broadcast(ctx context.Context, event string, payload any)
}

// NopSink discards everything. Used in tests and tooling.
type NopSink struct{}

func (NopSink) RecordActivity(context.Context, Activity) {}

func (NopSink) EnqueueNotification(context.Context, Notification) {}

func (NopSink) Broadcast(context.Context, string, any) {}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// StoreSink persists activities and notifications to Postgres and publishes
// realtime events on a Redis channel.
type StoreSink struct {
	db      execer
	pub     publisher
	channel string
}

func NewStoreSink(pool *pgxpool.Pool, rdb *redis.Client, channel string) *StoreSink {
	return &StoreSink{db: pool, pub: rdb, channel: channel}
}

func newStoreSink(db execer, pub publisher, channel string) *StoreSink {
	return &StoreSink{db: db, pub: pub, channel: channel}
}

func (s *StoreSink) RecordActivity(ctx context.Context, a Activity) {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		log.Printf("failed to marshal activity metadata for %s: %v", a.Type, err)
		meta = nil
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO activity_logs (type, title, description, patient_id, entry_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, a.Type, a.Title, a.Description, a.PatientID, a.EntryID, meta)
	if err != nil {
		log.Printf("failed to insert activity log %s: %v", a.Type, err)
	}
}

func (s *StoreSink) EnqueueNotification(ctx context.Context, n Notification) {
	action, err := json.Marshal(n.ActionData)
	if err != nil {
		log.Printf("failed to marshal notification action data for %s: %v", n.Type, err)
		action = nil
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO notifications (patient_id, type, title, message, action_data, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, false, now())
	`, n.PatientID, n.Type, n.Title, n.Message, action)
	if err != nil {
		log.Printf("failed to insert notification %s for patient %s: %v", n.Type, n.PatientID, err)
	}
}

func (s *StoreSink) Broadcast(ctx context.Context, event string, payload any) {
	msg, err := json.Marshal(broadcastEnvelope{
		Event:   event,
		Payload: payload,
		At:      time.Now().UTC(),
	})
	if err != nil {
		log.Printf("failed to marshal broadcast %s: %v", event, err)
		return
	}

	if err := s.pub.Publish(ctx, s.channel, msg).Err(); err != nil {
		log.Printf("failed to publish broadcast %s: %v", event, err)
	}
}

type broadcastEnvelope struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}
