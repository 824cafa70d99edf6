package domain

import (
	"time"
)

// Session is one logical client conversation bound to a sandbox container.
type Session struct {
	ID             string    `json:"session_id"`
	ContainerID    string    `json:"container_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Touch records activity on the session.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
}
