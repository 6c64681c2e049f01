package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/havinci/havinci-web/internal/controller"
	"github.com/havinci/havinci-web/internal/credentials"
	"github.com/tmaxmax/go-sse"
)

// registry holds the live controller of every browser view.
type registry struct {
	mu    sync.Mutex
	items map[string]*viewEntry
}

type viewEntry struct {
	ctl *controller.Controller

	mu            sync.Mutex
	authenticated bool
}

func newRegistry() *registry {
	return &registry{items: make(map[string]*viewEntry)}
}

// viewID returns the view identified by the request's cookie, issuing a new signed cookie when the
// request carries none or carries one that does not verify.
func (m Main) viewID(w http.ResponseWriter, r *http.Request) string {
	if id, ok := m.readViewID(r); ok {
		return id
	}

	id := uuid.New().String()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  id,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}).SignedString(m.cfg.Secret)
	if err != nil {
		// HS256 signing only fails on an unusable key, which NewMain rules out.
		m.logger.Error("Failed to sign view cookie", slog.String(errLoggerKey, err.Error()))
		return id
	}

	// No MaxAge: the view lives as long as the browser session.
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (m Main) readViewID(r *http.Request) (string, bool) {
	c, err := r.Cookie(m.cfg.CookieName)
	if err != nil {
		return "", false
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(c.Value, &claims, func(*jwt.Token) (any, error) {
		return m.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		m.logger.Debug("Rejected view cookie", slog.String(errLoggerKey, err.Error()))
		return "", false
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return "", false
	}
	return claims.Subject, true
}

// viewController returns the live controller of the view, restoring it from the store or creating a fresh
// one when it is not in memory.
func (m Main) viewController(ctx context.Context, id string) *controller.Controller {
	m.views.mu.Lock()
	defer m.views.mu.Unlock()

	if e, ok := m.views.items[id]; ok {
		return e.ctl
	}

	e := &viewEntry{}
	opts := []controller.Option{
		controller.WithLogger(m.logger.With(slog.String("view", id))),
		controller.WithOnChange(func(snap controller.Snapshot) {
			m.viewChanged(id, e, snap)
		}),
	}

	view, found, err := m.store.View(ctx, id)
	if err != nil {
		m.logger.Error("Failed to load view",
			slog.String("view", id),
			slog.String(errLoggerKey, err.Error()))
	}
	if found {
		e.ctl = controller.Restore(m.backend, view, opts...)
		e.authenticated = view.Session.Authenticated
	} else {
		e.ctl = controller.New(m.backend, opts...)
	}

	m.views.items[id] = e
	return e.ctl
}

// viewChanged persists the new state of a view and pushes it to every page showing the view. A change of
// authentication state makes those pages reload, since they show a different screen.
func (m Main) viewChanged(id string, e *viewEntry, snap controller.Snapshot) {
	ctx := context.Background()

	if !snap.Session.Authenticated && len(snap.Transcript) == 0 && snap.Draft == "" {
		if err := m.store.DeleteView(ctx, id); err != nil {
			m.logger.Error("Failed to delete view",
				slog.String("view", id),
				slog.String(errLoggerKey, err.Error()))
		}
	} else if err := m.store.SaveView(ctx, controller.ViewOf(id, snap)); err != nil {
		m.logger.Error("Failed to save view",
			slog.String("view", id),
			slog.String(errLoggerKey, err.Error()))
	}

	e.mu.Lock()
	authChanged := e.authenticated != snap.Session.Authenticated
	e.authenticated = snap.Session.Authenticated
	e.mu.Unlock()

	if authChanged {
		msg := sse.Message{Type: sessionSSEType}
		msg.AppendData("reload")
		if err := m.sseSrv.Publish(&msg, viewTopic(id)); err != nil {
			m.logger.Error("Failed to publish session change",
				slog.String("view", id),
				slog.String(errLoggerKey, err.Error()))
		}
		return
	}

	html, err := m.renderTranscript(snap)
	if err != nil {
		m.logger.Error("Failed to render transcript",
			slog.String("view", id),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	msg := sse.Message{Type: transcriptSSEType}
	msg.AppendData(html)
	if err := m.sseSrv.Publish(&msg, viewTopic(id)); err != nil {
		m.logger.Error("Failed to publish transcript",
			slog.String("view", id),
			slog.String(errLoggerKey, err.Error()))
	}
}

// withCredentials returns the request context carrying the browser cookies to relay to the backend.
func (m Main) withCredentials(r *http.Request) (context.Context, *credentials.Set) {
	set := credentials.FromRequest(r, m.cfg.ForwardCookies, []string{m.cfg.CookieName})
	return credentials.NewContext(r.Context(), set), set
}

// relayCookies passes the cookies set by the backend on to the browser.
func relayCookies(w http.ResponseWriter, set *credentials.Set) {
	for _, c := range set.Returned() {
		http.SetCookie(w, c)
	}
}

// Sweep evicts the views idle for longer than the configured TTL, from memory and from the store. Views
// with a chat request in flight are kept.
func (m Main) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.ViewTTL)

	m.views.mu.Lock()
	evicted := 0
	for id, e := range m.views.items {
		if e.ctl.LastActive().After(cutoff) || e.ctl.Snapshot().Loading {
			continue
		}
		delete(m.views.items, id)
		evicted++
	}
	m.views.mu.Unlock()

	removed, err := m.store.DeleteViewsBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error("Failed to sweep stored views", slog.String(errLoggerKey, err.Error()))
	}
	if evicted > 0 || removed > 0 {
		m.logger.Info("Swept idle views", slog.Int("evicted", evicted), slog.Int("removed", removed))
	}
}

// StartSweeper runs Sweep every interval until ctx is done.
func (m Main) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}
