package record

import (
	"strconv"
	"time"
)

// Login outcomes.
const (
	LoginCreated   = "created"
	LoginLinked    = "linked"
	LoginReturning = "returning"
)

// Login is one completed provider login of a player.
type Login struct {
	Seq       int64
	GKUserID  string
	RequestID string
	Provider  string
	Outcome   string
	CreatedAt time.Time
}

// PublicFields returns the attributes a player may read about their own login.
func (l Login) PublicFields() map[string]string {
	return map[string]string{
		"login_id":   strconv.FormatInt(l.Seq, 10),
		"request_id": l.RequestID,
		"provider":   l.Provider,
		"outcome":    l.Outcome,
		"created_at": formatTimestamp(l.CreatedAt),
	}
}
