// Package domain holds the core types of the relationship engine: users,
// relationship facts, messages and presence status, plus the sentinel errors
// every other package classifies against.
package domain

import (
	"fmt"
	"strconv"
	"time"
)

// UserID identifies a user. Valid ids are positive.
type UserID int64

// Valid reports whether id is a usable user id.
func (id UserID) Valid() bool {
	return id > 0
}

// String implements fmt.Stringer.
func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseUserID parses a decimal user id, rejecting non-positive values.
func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: user id %q", ErrInvalidInput, s)
	}
	id := UserID(n)
	if !id.Valid() {
		return 0, fmt.Errorf("%w: user id %d", ErrInvalidInput, n)
	}
	return id, nil
}

// Action is an operation one user attempts against another.
type Action int

const (
	ActionMessage Action = iota + 1
	ActionLike
	ActionView
)

func (a Action) String() string {
	switch a {
	case ActionMessage:
		return "message"
	case ActionLike:
		return "like"
	case ActionView:
		return "view"
	default:
		return "unknown"
	}
}

// Kind is the type of a persisted relationship fact.
type Kind string

const (
	KindLike   Kind = "like"
	KindBlock  Kind = "block"
	KindReport Kind = "report"
)

// Status is a user's derived presence.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Fact is a directed relationship record owned by its author.
type Fact struct {
	ID          int64
	Kind        Kind
	AuthorID    UserID
	RecipientID UserID
	CreatedAt   time.Time
}

// Involves reports whether u is either side of the fact.
func (f Fact) Involves(u UserID) bool {
	return f.AuthorID == u || f.RecipientID == u
}

// Report is a Fact of kind Report with its reason.
type Report struct {
	Fact
	Reason string
}

// Message is a chat message between two users. Messages are append-only.
type Message struct {
	ID          int64
	AuthorID    UserID
	RecipientID UserID
	Body        string
	Timestamp   time.Time
}

// Before orders messages by timestamp, breaking ties by id.
func (m Message) Before(o Message) bool {
	if m.Timestamp.Equal(o.Timestamp) {
		return m.ID < o.ID
	}
	return m.Timestamp.Before(o.Timestamp)
}

// Pair is an unordered pair of users, normalised so that Low < High.
type Pair struct {
	Low, High UserID
}

// PairOf normalises a and b into a Pair.
func PairOf(a, b UserID) Pair {
	if a > b {
		a, b = b, a
	}
	return Pair{Low: a, High: b}
}

// Report reasons accepted by the store.
var validReportReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"fake":       true,
	"other":      true,
}

// ValidReportReason reports whether reason is an accepted report reason.
func ValidReportReason(reason string) bool {
	return validReportReasons[reason]
}
