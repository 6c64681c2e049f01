package handlers

import (
	"log/slog"
	"net/http"

	"github.com/havinci/havinci-web/internal/controller"
	"github.com/havinci/havinci-web/internal/credentials"
)

// fragmentHeader marks requests sent by the page script, which expect an HTML fragment instead of a
// redirect.
const fragmentHeader = "X-Fragment"

// HandleChat submits the "message" form field as a query of the requesting view.
//
// The handler does not wait for the assistant: it appends the user message, starts the round-trip in the
// background and answers right away with the transcript and its loading placeholder. The reply reaches
// the page over server-sent events once it resolves. A blank message, or a message sent while another
// one is in flight, leaves the transcript unchanged.
//
// Requests from the page script get the transcript fragment; plain form posts are redirected to the
// home page.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := m.readViewID(r)
	if !ok {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}
	ctl := m.viewController(r.Context(), id)
	if !ctl.Snapshot().Session.Authenticated {
		m.logger.Warn("Chat from unauthenticated view", slog.String("view", id))
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}

	if !m.acquireChat() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	p, accepted := ctl.BeginSubmit(r.FormValue("message"))
	if accepted {
		set := credentials.FromRequest(r, m.cfg.ForwardCookies, []string{m.cfg.CookieName})
		go m.chat(ctl, p, set)
	} else {
		m.inflight.Done()
	}

	if r.Header.Get(fragmentHeader) == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	m.writeTranscript(w, id, ctl.Snapshot())
}

// HandleTranscript renders the transcript fragment of the requesting view.
func (m Main) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := m.readViewID(r)
	if !ok {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}
	ctl := m.viewController(r.Context(), id)
	m.writeTranscript(w, id, ctl.Snapshot())
}

func (m Main) writeTranscript(w http.ResponseWriter, id string, snap controller.Snapshot) {
	html, err := m.renderTranscript(snap)
	if err != nil {
		m.logger.Error("Failed to render transcript",
			slog.String("view", id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

// acquireChat registers a chat round-trip with the server. It fails once Shutdown has started; on success
// the caller must call m.inflight.Done.
func (m Main) acquireChat() bool {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.bgCtx.Err() != nil {
		return false
	}
	m.inflight.Add(1)
	return true
}

func (m Main) chat(ctl *controller.Controller, p controller.Pending, set *credentials.Set) {
	defer m.inflight.Done()

	ctx := credentials.NewContext(m.bgCtx, set)
	// The controller logs failures and turns them into the fallback message.
	ctl.Resolve(p, ctl.Await(ctx, p))
}
