package handlers_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/havinci/havinci-web/internal/handlers"
	"github.com/havinci/havinci-web/internal/models"
)

type mockBackend struct {
	mu sync.Mutex

	session   models.Session
	statusErr error
	logoutErr error
	reply     string
	chatErr   error

	queries      []string
	logoutCalled int
	chatGate     chan struct{}
}

type mockStore struct {
	mu    sync.Mutex
	views map[string]models.View
	err   error

	deletedBefore int
}

const testCookieName = "havinci_view"

func newMain(t *testing.T, backend *mockBackend, store *mockStore) handlers.Main {
	t.Helper()
	main, err := handlers.NewMain(backend, store, handlers.Config{
		Secret:     []byte("test-secret"),
		CookieName: testCookieName,
		ViewTTL:    time.Hour,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() { _ = main.Shutdown(context.Background()) })
	return main
}

func authenticatedAnn() models.Session {
	return models.Session{
		Authenticated: true,
		User:          &models.User{Name: "Ann", Email: "a@x.com"},
	}
}

func TestNewMain(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := handlers.NewMain(&mockBackend{}, newMockStore(), handlers.Config{}, logger); err == nil {
		t.Error("NewMain() without secret should fail")
	}

	main, err := handlers.NewMain(&mockBackend{}, newMockStore(), handlers.Config{Secret: []byte("s")}, logger)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHome(t *testing.T) {
	tests := []struct {
		name          string
		backend       *mockBackend
		wantLogin     bool
		wantUser      string
		wantAssistant []string
	}{
		{
			name:      "unauthenticated",
			backend:   &mockBackend{},
			wantLogin: true,
		},
		{
			name:      "status failure",
			backend:   &mockBackend{statusErr: errors.New("connection refused")},
			wantLogin: true,
		},
		{
			name:          "authenticated",
			backend:       &mockBackend{session: authenticatedAnn()},
			wantUser:      "Ann",
			wantAssistant: []string{"Hello! I'm Havinci"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, tt.backend, newMockStore())

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			w := httptest.NewRecorder()
			main.HandleHome(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("HandleHome() status = %v, want %v", w.Code, http.StatusOK)
			}
			if viewCookie(w.Result()) == nil {
				t.Error("HandleHome() should issue a view cookie")
			}

			doc := parseHTML(t, w.Body)
			if got := doc.Find(".login-button").Length() == 1; got != tt.wantLogin {
				t.Errorf("login button present = %v, want %v", got, tt.wantLogin)
			}
			if tt.wantUser != "" {
				if got := strings.TrimSpace(doc.Find(".user-name").Text()); got != tt.wantUser {
					t.Errorf("user name = %q, want %q", got, tt.wantUser)
				}
			}
			assistant := doc.Find(".assistant-message .message-content")
			if assistant.Length() != len(tt.wantAssistant) {
				t.Fatalf("assistant messages = %d, want %d", assistant.Length(), len(tt.wantAssistant))
			}
			for i, want := range tt.wantAssistant {
				if got := assistant.Eq(i).Text(); !strings.Contains(got, want) {
					t.Errorf("assistant message %d = %q, want to contain %q", i, got, want)
				}
			}
		})
	}
}

func TestHandleHomeKeepsView(t *testing.T) {
	backend := &mockBackend{session: authenticatedAnn()}
	main := newMain(t, backend, newMockStore())

	cookie := mount(t, main)

	// A second mount with the same cookie reuses the view and does not issue a new cookie.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	main.HandleHome(w, req)

	if viewCookie(w.Result()) != nil {
		t.Error("HandleHome() issued a new cookie for a known view")
	}
}

func TestHandleHomeTamperedCookie(t *testing.T) {
	main := newMain(t, &mockBackend{}, newMockStore())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: testCookieName, Value: "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiJ4In0.forged"})
	w := httptest.NewRecorder()
	main.HandleHome(w, req)

	if viewCookie(w.Result()) == nil {
		t.Error("HandleHome() should replace a forged view cookie")
	}
}

func TestHandleLogin(t *testing.T) {
	main := newMain(t, &mockBackend{}, newMockStore())

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	w := httptest.NewRecorder()
	main.HandleLogin(w, req)

	if w.Code != http.StatusFound {
		t.Errorf("HandleLogin() status = %v, want %v", w.Code, http.StatusFound)
	}
	if got := w.Header().Get("Location"); got != "http://backend.test/auth/google" {
		t.Errorf("HandleLogin() location = %q", got)
	}
}

func TestHandleLogout(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		logoutErr error
		wantCode  int
	}{
		{name: "Invalid method", method: http.MethodGet, wantCode: http.StatusMethodNotAllowed},
		{name: "Success", method: http.MethodPost, wantCode: http.StatusSeeOther},
		{name: "Backend failure", method: http.MethodPost, logoutErr: errors.New("boom"), wantCode: http.StatusSeeOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{session: authenticatedAnn(), logoutErr: tt.logoutErr}
			store := newMockStore()
			main := newMain(t, backend, store)
			cookie := mount(t, main)

			req := httptest.NewRequest(tt.method, "/logout", nil)
			req.AddCookie(cookie)
			w := httptest.NewRecorder()
			main.HandleLogout(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("HandleLogout() status = %v, want %v", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusSeeOther {
				return
			}
			if backend.logoutCalled != 1 {
				t.Errorf("backend logout called %d times, want 1", backend.logoutCalled)
			}
			if store.count() != 0 {
				t.Errorf("store holds %d views after logout, want 0", store.count())
			}

			// The remote session is gone as well; the next mount shows the login screen.
			backend.setSession(models.Session{})
			req = httptest.NewRequest(http.MethodGet, "/", nil)
			req.AddCookie(cookie)
			w = httptest.NewRecorder()
			main.HandleHome(w, req)
			doc := parseHTML(t, w.Body)
			if doc.Find(".login-button").Length() != 1 {
				t.Error("login screen not shown after logout")
			}
			if doc.Find(".message").Length() != 0 {
				t.Error("transcript shown after logout")
			}
		})
	}
}

func TestHandleChat(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		message    string
		withCookie bool
		session    models.Session
		fragment   bool
		wantStatus int
		wantUser   int
		wantLoad   bool
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			withCookie: true,
			session:    authenticatedAnn(),
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Unknown view",
			method:     http.MethodPost,
			message:    "Hello",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "Unauthenticated view",
			method:     http.MethodPost,
			message:    "Hello",
			withCookie: true,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "Blank message",
			method:     http.MethodPost,
			message:    "   ",
			withCookie: true,
			session:    authenticatedAnn(),
			fragment:   true,
			wantStatus: http.StatusOK,
		},
		{
			name:       "Message",
			method:     http.MethodPost,
			message:    "find invoices",
			withCookie: true,
			session:    authenticatedAnn(),
			fragment:   true,
			wantStatus: http.StatusOK,
			wantUser:   1,
			wantLoad:   true,
		},
		{
			name:       "Plain form post",
			method:     http.MethodPost,
			message:    "find invoices",
			withCookie: true,
			session:    authenticatedAnn(),
			wantStatus: http.StatusSeeOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{session: tt.session, reply: "3 invoices found", chatGate: make(chan struct{})}
			main := newMain(t, backend, newMockStore())
			// Release the gate before Shutdown, registered earlier, waits for in-flight chats.
			t.Cleanup(func() { backend.release() })

			var cookie *http.Cookie
			if tt.withCookie {
				cookie = mount(t, main)
			}

			req := chatRequest(tt.method, tt.message, cookie, tt.fragment)
			w := httptest.NewRecorder()
			main.HandleChat(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleChat() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !tt.fragment || w.Code != http.StatusOK {
				return
			}

			doc := parseHTML(t, w.Body)
			if got := doc.Find(".user-message").Length(); got != tt.wantUser {
				t.Errorf("user messages = %d, want %d", got, tt.wantUser)
			}
			if got := doc.Find("[data-loading]").Length() == 1; got != tt.wantLoad {
				t.Errorf("loading placeholder = %v, want %v", got, tt.wantLoad)
			}
		})
	}
}

func TestHandleChatResolves(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		chatErr  error
		wantLast string
	}{
		{name: "Reply", reply: "3 invoices found", wantLast: "3 invoices found"},
		{name: "Failure", chatErr: errors.New("connection refused"), wantLast: models.FallbackMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{session: authenticatedAnn(), reply: tt.reply, chatErr: tt.chatErr, chatGate: make(chan struct{})}
			main := newMain(t, backend, newMockStore())
			cookie := mount(t, main)

			w := httptest.NewRecorder()
			main.HandleChat(w, chatRequest(http.MethodPost, "find invoices", cookie, true))
			if w.Code != http.StatusOK {
				t.Fatalf("HandleChat() status = %v", w.Code)
			}

			// A second message while the first is in flight is ignored.
			w = httptest.NewRecorder()
			main.HandleChat(w, chatRequest(http.MethodPost, "again", cookie, true))
			if got := parseHTML(t, w.Body).Find(".user-message").Length(); got != 1 {
				t.Errorf("user messages while loading = %d, want 1", got)
			}

			backend.release()
			doc := waitIdle(t, main, cookie)

			msgs := doc.Find(".message")
			// welcome, query, reply
			if msgs.Length() != 3 {
				t.Fatalf("messages = %d, want 3", msgs.Length())
			}
			last := msgs.Last()
			if !last.HasClass("assistant-message") || !strings.Contains(last.Text(), tt.wantLast) {
				t.Errorf("last message = %q, want assistant %q", strings.TrimSpace(last.Text()), tt.wantLast)
			}
			if got := backend.sentQueries(); len(got) != 1 || got[0] != "find invoices" {
				t.Errorf("queries = %v, want [find invoices]", got)
			}
		})
	}
}

func TestHandleTranscript(t *testing.T) {
	main := newMain(t, &mockBackend{session: authenticatedAnn()}, newMockStore())

	w := httptest.NewRecorder()
	main.HandleTranscript(w, httptest.NewRequest(http.MethodGet, "/transcript", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("HandleTranscript() without view status = %v, want %v", w.Code, http.StatusUnauthorized)
	}

	cookie := mount(t, main)
	req := httptest.NewRequest(http.MethodGet, "/transcript", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	main.HandleTranscript(w, req)

	doc := parseHTML(t, w.Body)
	if doc.Find(".assistant-message").Length() != 1 || doc.Find("#messages-end").Length() != 1 {
		t.Errorf("HandleTranscript() body = %s", w.Body.String())
	}
}

func TestViewRestoredFromStore(t *testing.T) {
	backend := &mockBackend{session: authenticatedAnn(), reply: "3 invoices found"}
	store := newMockStore()

	first := newMain(t, backend, store)
	cookie := mount(t, first)
	w := httptest.NewRecorder()
	first.HandleChat(w, chatRequest(http.MethodPost, "find invoices", cookie, true))
	waitIdle(t, first, cookie)
	store.waitTranscript(t, 3)

	// A new server process with the same store and secret serves the page that is still open.
	second := newMain(t, backend, store)
	req := httptest.NewRequest(http.MethodGet, "/transcript", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	second.HandleTranscript(w, req)

	if got := parseHTML(t, w.Body).Find(".message").Length(); got != 3 {
		t.Errorf("restored messages = %d, want 3", got)
	}

	w = httptest.NewRecorder()
	second.HandleChat(w, chatRequest(http.MethodPost, "and receipts?", cookie, true))
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChat() after restart status = %v, want %v", w.Code, http.StatusOK)
	}
	waitIdle(t, second, cookie)

	// Loading the page again is a new mount and starts over.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	second.HandleHome(w, req)

	if got := parseHTML(t, w.Body).Find(".message").Length(); got != 1 {
		t.Errorf("messages after reload = %d, want 1", got)
	}
}

func TestHandleHomeRemount(t *testing.T) {
	backend := &mockBackend{session: authenticatedAnn(), reply: "3 invoices found"}
	store := newMockStore()
	main := newMain(t, backend, store)

	cookie := mount(t, main)
	w := httptest.NewRecorder()
	main.HandleChat(w, chatRequest(http.MethodPost, "find invoices", cookie, true))
	waitIdle(t, main, cookie)

	reload := func() *goquery.Document {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(cookie)
		w := httptest.NewRecorder()
		main.HandleHome(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("HandleHome() status = %v", w.Code)
		}
		return parseHTML(t, w.Body)
	}

	doc := reload()
	msgs := doc.Find(".message")
	if msgs.Length() != 1 || !strings.Contains(msgs.Text(), "Hello! I'm Havinci") {
		t.Errorf("messages after reload = %d (%q), want the welcome message only", msgs.Length(), msgs.Text())
	}

	// The status endpoint is down: the page shows the login screen and the conversation is dropped.
	backend.failStatus(errors.New("connection refused"))
	doc = reload()
	if doc.Find(".login-button").Length() != 1 {
		t.Error("login button missing after a failed status check")
	}
	if doc.Find(".message").Length() != 0 {
		t.Errorf("messages after failed status check = %d, want 0", doc.Find(".message").Length())
	}
	if store.count() != 0 {
		t.Errorf("stored views = %d, want 0", store.count())
	}
}

func TestHandleChatAfterShutdown(t *testing.T) {
	backend := &mockBackend{session: authenticatedAnn(), reply: "3 invoices found"}
	main := newMain(t, backend, newMockStore())
	cookie := mount(t, main)

	if err := main.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	w := httptest.NewRecorder()
	main.HandleChat(w, chatRequest(http.MethodPost, "find invoices", cookie, true))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("HandleChat() status = %v, want %v", w.Code, http.StatusServiceUnavailable)
	}
	if got := backend.sentQueries(); len(got) != 0 {
		t.Errorf("queries = %v, want none", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/transcript", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	main.HandleTranscript(w, req)
	doc := parseHTML(t, w.Body)
	if doc.Find(".user-message").Length() != 0 || doc.Find("[data-loading]").Length() != 0 {
		t.Errorf("transcript after refused chat = %s", w.Body.String())
	}
}

func TestSweep(t *testing.T) {
	store := newMockStore()
	main, err := handlers.NewMain(&mockBackend{session: authenticatedAnn()}, store, handlers.Config{
		Secret:  []byte("test-secret"),
		ViewTTL: time.Nanosecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = main.Shutdown(context.Background()) })

	mount(t, main)
	if store.count() != 1 {
		t.Fatalf("stored views = %d, want 1", store.count())
	}

	time.Sleep(time.Millisecond)
	main.Sweep(context.Background())

	if store.count() != 0 {
		t.Errorf("stored views after sweep = %d, want 0", store.count())
	}
	if store.deletedBefore != 1 {
		t.Errorf("DeleteViewsBefore removed %d, want 1", store.deletedBefore)
	}
}

// mount loads the home page and returns the view cookie it issued.
func mount(t *testing.T, main handlers.Main) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	main.HandleHome(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("HandleHome() status = %v", w.Code)
	}
	c := viewCookie(w.Result())
	if c == nil {
		t.Fatal("HandleHome() did not issue a view cookie")
	}
	return c
}

func waitIdle(t *testing.T, main handlers.Main, cookie *http.Cookie) *goquery.Document {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/transcript", nil)
		req.AddCookie(cookie)
		w := httptest.NewRecorder()
		main.HandleTranscript(w, req)

		doc := parseHTML(t, w.Body)
		if doc.Find("[data-loading]").Length() == 0 {
			return doc
		}
		if time.Now().After(deadline) {
			t.Fatal("chat request did not resolve")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func chatRequest(method, message string, cookie *http.Cookie, fragment bool) *http.Request {
	req := httptest.NewRequest(method, "/chat", strings.NewReader(url.Values{"message": {message}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if fragment {
		req.Header.Set("X-Fragment", "1")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func viewCookie(res *http.Response) *http.Cookie {
	for _, c := range res.Cookies() {
		if c.Name == testCookieName {
			return c
		}
	}
	return nil
}

func parseHTML(t *testing.T, r io.Reader) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		t.Fatalf("failed to parse html: %v", err)
	}
	return doc
}

func (m *mockBackend) setSession(s models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
}

func (m *mockBackend) failStatus(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErr = err
}

func (m *mockBackend) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chatGate != nil {
		close(m.chatGate)
		m.chatGate = nil
	}
}

func (m *mockBackend) sentQueries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}

func (m *mockBackend) Status(_ context.Context) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return models.Session{}, m.statusErr
	}
	return m.session, nil
}

func (m *mockBackend) Logout(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logoutCalled++
	return m.logoutErr
}

func (m *mockBackend) Chat(ctx context.Context, query string) (string, error) {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	gate := m.chatGate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.chatErr != nil {
		return "", m.chatErr
	}
	return m.reply, nil
}

func (m *mockBackend) LoginURL() string {
	return "http://backend.test/auth/google"
}

func newMockStore() *mockStore {
	return &mockStore{views: make(map[string]models.View)}
}

func (s *mockStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}

// waitTranscript waits until a stored view holds n messages; views are saved after the state changes.
func (s *mockStore) waitTranscript(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		for _, v := range s.views {
			if len(v.Transcript) == n {
				s.mu.Unlock()
				return
			}
		}
		s.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("no stored view with %d messages", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *mockStore) View(_ context.Context, id string) (models.View, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return models.View{}, false, s.err
	}
	v, ok := s.views[id]
	return v, ok, nil
}

func (s *mockStore) SaveView(_ context.Context, view models.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.views[view.ID] = view
	return nil
}

func (s *mockStore) DeleteView(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, id)
	return s.err
}

func (s *mockStore) DeleteViewsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, v := range s.views {
		if v.UpdatedAt.Before(cutoff) {
			delete(s.views, id)
			removed++
		}
	}
	s.deletedBefore += removed
	return removed, s.err
}
