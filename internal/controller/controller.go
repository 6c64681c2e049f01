// Package controller owns the state of a single chat view: the session, the transcript, the input draft
// and the loading flag. The exported methods are the only way to mutate that state.
//
// Network round-trips never run under the controller's lock. Submitting is split into BeginSubmit,
// Await and Resolve so that a caller can release the request that triggered it and finish the exchange
// in the background; Submit composes the three for callers that want to block.
package controller

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/havinci/havinci-web/internal/models"
)

// Backend is the remote assistant service as seen by a view.
type Backend interface {
	Status(ctx context.Context) (models.Session, error)
	Logout(ctx context.Context) error
	Chat(ctx context.Context, query string) (string, error)
	LoginURL() string
}

// Snapshot is a copy of a view's state. Mutating it has no effect on the controller.
type Snapshot struct {
	Session    models.Session
	Transcript []models.Message
	Draft      string
	Loading    bool
	// LastActive is the time of the last state change.
	LastActive time.Time
}

// Pending is a chat request that has been accepted by BeginSubmit and not resolved yet.
type Pending struct {
	Query      string
	generation uint64
}

// ChatResult is the outcome of a chat round-trip: either a reply or the error that prevented one.
type ChatResult struct {
	Reply string
	Err   error
}

// OK reports whether the round-trip produced a reply.
func (r ChatResult) OK() bool {
	return r.Err == nil
}

// Controller is the explicit state object of one chat view.
type Controller struct {
	backend  Backend
	logger   *slog.Logger
	onChange func(Snapshot)
	notifyMu sync.Mutex

	mu         sync.Mutex
	session    models.Session
	transcript []models.Message
	draft      string
	loading    bool
	generation uint64
	lastActive time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used to report degraded operations.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithOnChange registers a callback invoked with a fresh snapshot after every state change. The callback
// runs outside the state lock, on the goroutine that caused the change, and calls are serialized.
func WithOnChange(fn func(Snapshot)) Option {
	return func(c *Controller) {
		c.onChange = fn
	}
}

// New creates a controller in its initial state: unauthenticated, empty transcript, idle.
func New(backend Backend, opts ...Option) *Controller {
	c := &Controller{
		backend:    backend,
		logger:     slog.Default(),
		lastActive: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Restore creates a controller from a persisted view. The restored controller is always idle and keeps
// the view's last activity time.
func Restore(backend Backend, view models.View, opts ...Option) *Controller {
	c := New(backend, opts...)
	c.session = view.Session
	c.transcript = slices.Clone(view.Transcript)
	c.draft = view.Draft
	if !view.UpdatedAt.IsZero() {
		c.lastActive = view.UpdatedAt
	}
	return c
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// LastActive returns the time of the last state change.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// CheckStatus mounts the view: it asks the backend whether the browser's credentials identify a user and
// starts the view over from the answer. An authenticated user gets a new transcript holding only the
// welcome message; anything else, a failed check included, leaves the view in its unauthenticated
// default. A failure is logged and returned. Replies still in flight for the previous state are
// discarded.
func (c *Controller) CheckStatus(ctx context.Context) error {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	sess, err := c.backend.Status(ctx)
	if err != nil {
		c.logger.Error("Error checking auth status", slog.String(errLoggerKey, err.Error()))
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("Discarding stale auth status")
		return err
	}
	c.resetLocked()
	if err == nil && sess.Authenticated {
		c.session = models.Session{Authenticated: true, User: copyUser(sess.User)}
		c.transcript = []models.Message{models.NewMessage(models.RoleAssistant, models.WelcomeMessage)}
	}
	c.mu.Unlock()

	c.notify()
	return err
}

// LoginURL returns the identity provider URL the browser should be sent to. It does not change state.
func (c *Controller) LoginURL() string {
	return c.backend.LoginURL()
}

// Logout asks the backend to end the remote session, then resets the view whatever the outcome. A chat
// request still in flight is discarded when it resolves.
func (c *Controller) Logout(ctx context.Context) error {
	err := c.backend.Logout(ctx)
	if err != nil {
		c.logger.Error("Error logging out", slog.String(errLoggerKey, err.Error()))
	}

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	c.notify()
	return err
}

// SetDraft replaces the input draft.
func (c *Controller) SetDraft(draft string) {
	c.mu.Lock()
	if c.draft == draft {
		c.mu.Unlock()
		return
	}
	c.draft = draft
	c.lastActive = time.Now()
	c.mu.Unlock()

	c.notify()
}

// BeginSubmit accepts draft as a query. It returns false without touching the transcript when a request
// is already in flight or when draft is blank; a blank draft is still recorded as the current draft. On
// acceptance the user message is appended verbatim, the draft is cleared and the loading flag is set.
func (c *Controller) BeginSubmit(draft string) (Pending, bool) {
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return Pending{}, false
	}
	if strings.TrimSpace(draft) == "" {
		changed := c.draft != draft
		if changed {
			c.draft = draft
			c.lastActive = time.Now()
		}
		c.mu.Unlock()
		if changed {
			c.notify()
		}
		return Pending{}, false
	}

	c.transcript = append(c.transcript, models.NewMessage(models.RoleUser, draft))
	c.draft = ""
	c.loading = true
	c.lastActive = time.Now()
	p := Pending{Query: draft, generation: c.generation}
	c.mu.Unlock()

	c.notify()
	return p, true
}

// Await performs the chat round-trip for p. It touches no state.
func (c *Controller) Await(ctx context.Context, p Pending) ChatResult {
	reply, err := c.backend.Chat(ctx, p.Query)
	if err != nil {
		return ChatResult{Err: err}
	}
	return ChatResult{Reply: reply}
}

// Resolve appends the assistant message for res, the reply or the fallback message, and clears the
// loading flag. It returns false, leaving the state untouched, when the view was reset after p was
// accepted.
func (c *Controller) Resolve(p Pending, res ChatResult) bool {
	if !res.OK() {
		c.logger.Error("Error sending message", slog.String(errLoggerKey, res.Err.Error()))
	}

	c.mu.Lock()
	if p.generation != c.generation {
		c.mu.Unlock()
		c.logger.Debug("Discarding chat reply for a reset view")
		return false
	}

	content := res.Reply
	if !res.OK() {
		content = models.FallbackMessage
	}
	c.transcript = append(c.transcript, models.NewMessage(models.RoleAssistant, content))
	c.loading = false
	c.lastActive = time.Now()
	c.mu.Unlock()

	c.notify()
	return true
}

// Submit runs a whole exchange for draft and blocks until it is resolved. It reports whether draft was
// accepted.
func (c *Controller) Submit(ctx context.Context, draft string) bool {
	p, ok := c.BeginSubmit(draft)
	if !ok {
		return false
	}
	c.Resolve(p, c.Await(ctx, p))
	return true
}

// View converts the current state into a persistable view with the given id.
func (c *Controller) View(id string) models.View {
	snap := c.Snapshot()
	return ViewOf(id, snap)
}

// ViewOf converts a snapshot into a persistable view.
func ViewOf(id string, snap Snapshot) models.View {
	return models.View{
		ID:         id,
		Session:    snap.Session,
		Transcript: snap.Transcript,
		Draft:      snap.Draft,
		UpdatedAt:  snap.LastActive,
	}
}

const errLoggerKey = "err"

func (c *Controller) resetLocked() {
	c.session = models.Session{}
	c.transcript = nil
	c.draft = ""
	c.loading = false
	c.generation++
	c.lastActive = time.Now()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Session:    models.Session{Authenticated: c.session.Authenticated, User: copyUser(c.session.User)},
		Transcript: slices.Clone(c.transcript),
		Draft:      c.draft,
		Loading:    c.loading,
		LastActive: c.lastActive,
	}
}

// notify delivers the latest state rather than the state at the time of the change, so that observers
// never see an older snapshot after a newer one.
func (c *Controller) notify() {
	if c.onChange == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.onChange(c.Snapshot())
}

func copyUser(u *models.User) *models.User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}
