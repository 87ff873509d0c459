package domain

import "time"

// Session is the small record persisted between page/process lives.
// UserID and Username are both present or both absent: a logged-in
// session always carries both.
type Session struct {
	UserID       UserID    `json:"userId,omitempty"`
	Username     string    `json:"username,omitempty"`
	UserType     string    `json:"userType,omitempty"`
	Token        string    `json:"token,omitempty"`
	RoomID       RoomID    `json:"roomId,omitempty"`
	LastActivity time.Time `json:"lastActivity,omitzero"`
}

// LoggedIn reports whether the session identifies a user.
func (s Session) LoggedIn() bool {
	return s.UserID != "" && s.Username != ""
}

// Merge applies the non-zero fields of p on top of s, last writer wins
// per field, and returns the result.
func (s Session) Merge(p Session) Session {
	if p.UserID != "" {
		s.UserID = p.UserID
	}
	if p.Username != "" {
		s.Username = p.Username
	}
	if p.UserType != "" {
		s.UserType = p.UserType
	}
	if p.Token != "" {
		s.Token = p.Token
	}
	if p.RoomID != "" {
		s.RoomID = p.RoomID
	}
	if !p.LastActivity.IsZero() {
		s.LastActivity = p.LastActivity
	}
	return s
}
