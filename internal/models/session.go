package models

import "time"

// User identifies the authenticated person as reported by the status endpoint.
type User struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Session is the client-side record of whether the user is authenticated and who they are. The
// credentials themselves are cookies held by the browser and are never part of the session.
type Session struct {
	Authenticated bool  `json:"authenticated"`
	User          *User `json:"user,omitempty"`
}

// View is the persisted snapshot of one browser view: its session, transcript and pending draft.
// In-flight requests are not part of a view, so a restored view is always idle.
type View struct {
	ID         string    `json:"id"`
	Session    Session   `json:"session"`
	Transcript []Message `json:"transcript"`
	Draft      string    `json:"draft"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
