package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/havinci/havinci-web/internal/controller"
	"github.com/havinci/havinci-web/internal/models"
)

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time
}

type transcriptData struct {
	Messages []message
	Loading  bool
}

type homePageData struct {
	Authenticated bool
	User          *models.User
	Draft         string
	Transcript    transcriptData
}

// HandleHome renders the application page. Every load of the page is a fresh mount of the view: the
// authentication status is checked against the backend before anything is rendered, and the view starts
// over from the answer. Unauthenticated views get the login screen, authenticated ones get a new
// conversation.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	id := m.viewID(w, r)
	ctl := m.viewController(r.Context(), id)

	ctx, creds := m.withCredentials(r)
	// The controller logs a failure and falls back to the unauthenticated default.
	_ = ctl.CheckStatus(ctx)
	relayCookies(w, creds)

	snap := ctl.Snapshot()
	transcript, err := transcriptOf(snap)
	if err != nil {
		m.logger.Error("Failed to render contents",
			slog.String("view", id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		Authenticated: snap.Session.Authenticated,
		User:          snap.Session.User,
		Draft:         snap.Draft,
		Transcript:    transcript,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleLogin sends the browser to the identity provider. The provider's redirect chain brings the user
// back to the home page, where the status check picks up the new session.
func (m Main) HandleLogin(w http.ResponseWriter, r *http.Request) {
	id := m.viewID(w, r)
	ctl := m.viewController(r.Context(), id)

	http.Redirect(w, r, ctl.LoginURL(), http.StatusFound)
}

// HandleLogout ends the remote session and resets the view. The view is reset even when the backend
// cannot be reached.
func (m Main) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := m.viewID(w, r)
	ctl := m.viewController(r.Context(), id)

	ctx, creds := m.withCredentials(r)
	// Logged by the controller; the reset has already happened.
	_ = ctl.Logout(ctx)
	relayCookies(w, creds)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func transcriptOf(snap controller.Snapshot) (transcriptData, error) {
	msgs := make([]message, len(snap.Transcript))
	for i, msg := range snap.Transcript {
		content, err := models.RenderContent(msg)
		if err != nil {
			return transcriptData{}, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
		}
		msgs[i] = message{
			ID:        msg.ID,
			Role:      string(msg.Role),
			// RenderContent escapes user text and goldmark drops raw HTML.
			Content:   template.HTML(content), //nolint:gosec
			Timestamp: msg.Timestamp,
		}
	}
	return transcriptData{Messages: msgs, Loading: snap.Loading}, nil
}

func (m Main) renderTranscript(snap controller.Snapshot) (string, error) {
	data, err := transcriptOf(snap)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, "transcript", data); err != nil {
		return "", fmt.Errorf("failed to execute transcript template: %w", err)
	}
	return buf.String(), nil
}
