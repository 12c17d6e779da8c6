package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Delivery methods stamped on a notification. Empty means "pending": the row
// is waiting for a digest run to pick it up.
const (
	MethodPush  = "push"
	MethodEmail = "email"
)

// Email frequency tiers from notification preferences.
const (
	FreqIndividual = "individual"
	FreqDaily      = "daily"
	FreqNone       = "none"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (single-instance deployments)
//   - "postgres": PostgreSQL DSN (managed/multi-worker deployments)
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Notification is the durable escalation record. At most one IsNew row may
// exist per (church, person, contentType, contentID) tuple; the escalator
// checks before creating. DeliveryMethod is final once assigned.
type Notification struct {
	ID             string    `db:"id"`
	ChurchID       string    `db:"church_id"`
	PersonID       string    `db:"person_id"`
	ContentType    string    `db:"content_type"`
	ContentID      string    `db:"content_id"`
	TimeSent       time.Time `db:"-"`
	IsNew          bool      `db:"is_new"`
	Message        string    `db:"message"`
	Link           string    `db:"link"`
	DeliveryMethod string    `db:"delivery_method"`
}

// Preference is read-only from the core's perspective.
type Preference struct {
	ChurchID       string `db:"church_id"`
	PersonID       string `db:"person_id"`
	AllowPush      bool   `db:"allow_push"`
	EmailFrequency string `db:"email_frequency"`
}

type Device struct {
	ChurchID       string    `db:"church_id"`
	PersonID       string    `db:"person_id"`
	Token          string    `db:"token"`
	LastActiveDate time.Time `db:"-"`
}

type Person struct {
	ID       string `db:"id"`
	ChurchID string `db:"church_id"`
	Email    string `db:"email"`
	Name     string `db:"name"`
}

// Conversation carries only the delivery-relevant projection: identity plus
// the denormalized first/last post pointers.
type Conversation struct {
	ID          string `db:"id"`
	ChurchID    string `db:"church_id"`
	Title       string `db:"title"`
	FirstPostID string `db:"first_post_id"`
	LastPostID  string `db:"last_post_id"`
}

type Message struct {
	ID             string    `db:"id"`
	ChurchID       string    `db:"church_id"`
	ConversationID string    `db:"conversation_id"`
	PersonID       string    `db:"person_id"`
	Body           string    `db:"body"`
	CreatedAt      time.Time `db:"-"`
}
