package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	havinciweb "github.com/havinci/havinci-web"
	"github.com/havinci/havinci-web/internal/controller"
	"github.com/havinci/havinci-web/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Store defines the interface for persisting view snapshots. A view is saved after every change, deleted
// once it returns to its empty unauthenticated state, and swept after it has been idle for too long.
type Store interface {
	View(ctx context.Context, id string) (models.View, bool, error)
	SaveView(ctx context.Context, view models.View) error
	DeleteView(ctx context.Context, id string) error
	DeleteViewsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Config tunes the web layer.
type Config struct {
	// Secret signs the view cookie. It must not be empty.
	Secret []byte
	// CookieName names the view cookie. It is never relayed to the backend.
	CookieName string
	// SecureCookie marks the view cookie Secure.
	SecureCookie bool
	// ViewTTL is how long an idle view is kept in memory and in the store.
	ViewTTL time.Duration
	// ForwardCookies, when non-empty, restricts the browser cookies relayed to the backend.
	ForwardCookies []string
}

// Main handles the core functionality of the chat application: it resolves the browser's view, drives the
// view's controller from HTTP requests, renders the pages and pushes updates over server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	backend controller.Backend
	store   Store
	cfg     Config
	views   *registry

	// Chat round-trips outlive the request that started them; bgCtx bounds them to the server's life.
	// lifecycle orders inflight.Add against the cancellation in Shutdown.
	bgCtx     context.Context
	bgCancel  context.CancelFunc
	lifecycle *sync.Mutex
	inflight  *sync.WaitGroup

	logger *slog.Logger
}

const (
	defaultCookieName = "havinci_view"
	defaultViewTTL    = time.Hour

	errLoggerKey = "err"
)

// SSE event types for real-time updates.
var (
	transcriptSSEType = sse.Type("transcript")
	sessionSSEType    = sse.Type("session")
	closeSSEType      = sse.Type("closeView")
)

// NewMain creates a new Main instance with the provided backend and store. It parses the HTML templates
// from the embedded filesystem and configures the SSE server so that every connection is subscribed to
// the topic of its own view.
func NewMain(backend controller.Backend, store Store, cfg Config, logger *slog.Logger) (Main, error) {
	if len(cfg.Secret) == 0 {
		return Main{}, errors.New("view cookie secret is required")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.ViewTTL <= 0 {
		cfg.ViewTTL = defaultViewTTL
	}

	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		havinciweb.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	m := Main{
		templates: tmpl,
		backend:   backend,
		store:     store,
		cfg:       cfg,
		views:     newRegistry(),
		bgCtx:     bgCtx,
		bgCancel:  bgCancel,
		lifecycle: &sync.Mutex{},
		inflight:  &sync.WaitGroup{},
		logger:    logger.With(slog.String("module", "handlers")),
	}
	m.sseSrv = &sse.Server{
		OnSession: func(w http.ResponseWriter, r *http.Request) ([]string, bool) {
			id, ok := m.readViewID(r)
			if !ok {
				http.Error(w, "Unknown view", http.StatusUnauthorized)
				return nil, false
			}
			return []string{sse.DefaultTopic, viewTopic(id)}, true
		},
		Logger: func(*http.Request) *slog.Logger {
			return m.logger.With(slog.String("module", "sse"))
		},
	}

	return m, nil
}

func viewTopic(viewID string) string {
	return fmt.Sprintf("view-%s", viewID)
}

// HandleSSE streams the updates of the requesting browser's view.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance. It cancels chat round-trips still in flight, waits for
// them to resolve, then broadcasts a close message to all connected clients and waits up to 5 seconds
// for connections to terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.lifecycle.Lock()
	m.bgCancel()
	m.lifecycle.Unlock()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Chat requests still in flight at shutdown")
	}

	e := &sse.Message{Type: closeSSEType}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
