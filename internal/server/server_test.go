package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookloans/internal/auth"
	"bookloans/internal/borrow"
	"bookloans/internal/catalog"
	"bookloans/internal/httpx"
	"bookloans/internal/storage/memory"
	"bookloans/internal/users"
)

type envelope struct {
	Message       string          `json:"Message"`
	Data          json.RawMessage `json:"Data"`
	Details       map[string]any  `json:"Details"`
	CorrelationID string          `json:"CorrelationId"`
}

type harness struct {
	t       *testing.T
	handler http.Handler
	users   users.Service
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()

	issuer, err := auth.NewIssuer("test-secret", "bookloans", "bookloans-api", time.Hour)
	require.NoError(t, err)

	h := &harness{t: t, now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	h.users = users.NewService(store, issuer, 600, 100, logger)
	h.handler = NewRouter(Deps{
		Borrow: borrow.NewService(store, borrow.FinePolicy{LoanPeriod: 72 * time.Hour, PerDay: 200},
			borrow.WithClock(func() time.Time { return h.now }),
			borrow.WithLogger(logger)),
		Catalog:  catalog.NewService(store, logger),
		Users:    h.users,
		Verifier: issuer,
		Health:   store,
		Logger:   logger,
	})
	return h
}

func (h *harness) do(method, path, token string, body any) (int, envelope) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	assert.Equal(h.t, rec.Header().Get(httpx.CorrelationHeader), env.CorrelationID)
	return rec.Code, env
}

func (h *harness) login(email, password string) string {
	h.t.Helper()
	status, env := h.do(http.MethodPost, "/users/login", "", map[string]string{"email": email, "password": password})
	require.Equal(h.t, http.StatusOK, status, env.Message)
	var session users.Session
	require.NoError(h.t, json.Unmarshal(env.Data, &session))
	return session.Token
}

func TestAPI_BorrowLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.users.CreateAdmin(ctx, users.RegisterRequest{FullName: "Root", Email: "root@example.com", Password: "administrator"})
	require.NoError(t, err)
	adminToken := h.login("root@example.com", "administrator")

	status, env := h.do(http.MethodPost, "/users/register", "", users.RegisterRequest{
		FullName: "Ada Lovelace", Email: "ada@example.com", Password: "analytical",
	})
	require.Equal(t, http.StatusCreated, status, env.Message)
	var member users.User
	require.NoError(t, json.Unmarshal(env.Data, &member))
	memberToken := h.login("ada@example.com", "analytical")

	status, env = h.do(http.MethodPost, "/books", memberToken, catalog.NewBook{
		Title: "Emma", ISBN: "978-0141439587", AuthorName: "Jane Austen", CategoryName: "Classics", TotalCopies: 1,
	})
	assert.Equal(t, http.StatusForbidden, status)

	status, env = h.do(http.MethodPost, "/books", adminToken, catalog.NewBook{
		Title: "Emma", ISBN: "978-0141439587", AuthorName: "Jane Austen", CategoryName: "Classics", TotalCopies: 1,
	})
	require.Equal(t, http.StatusCreated, status, env.Message)
	var book catalog.Book
	require.NoError(t, json.Unmarshal(env.Data, &book))

	status, _ = h.do(http.MethodGet, "/books", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, env = h.do(http.MethodPost, "/borrow/1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Missing bearer token.", env.Message)

	status, env = h.do(http.MethodPost, "/borrow/"+itoa(book.ID), memberToken, nil)
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.Equal(t, "Book borrowed successfully.", env.Message)
	var rec borrow.BorrowRecord
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, member.ID, rec.UserID)

	status, env = h.do(http.MethodPost, "/borrow/"+itoa(book.ID), adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "No copies available.", env.Message)

	status, env = h.do(http.MethodGet, "/borrow/borrowed", memberToken, nil)
	require.Equal(t, http.StatusOK, status)
	var records []borrow.BorrowRecord
	require.NoError(t, json.Unmarshal(env.Data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "Emma", records[0].BookTitle)

	h.now = h.now.Add(7 * 24 * time.Hour)

	status, env = h.do(http.MethodPatch, "/borrow/return/"+itoa(rec.ID), memberToken, nil)
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.JSONEq(t, `{"FineAmount": 8.00}`, string(env.Data))

	status, env = h.do(http.MethodPatch, "/borrow/return/"+itoa(rec.ID), memberToken, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, env = h.do(http.MethodGet, "/borrow/borrowed/"+itoa(rec.ID)+"/history", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.Len(t, history, 2)

	status, env = h.do(http.MethodGet, "/borrow/filter?bookId="+itoa(book.ID), memberToken, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, env = h.do(http.MethodGet, "/borrow/filter?userId=999", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "No borrowed books found matching the filter criteria.", env.Message)

	status, _ = h.do(http.MethodGet, "/users/"+itoa(member.ID), memberToken, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAPI_CatalogAndUserManagement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.users.CreateAdmin(ctx, users.RegisterRequest{FullName: "Root", Email: "root@example.com", Password: "administrator"})
	require.NoError(t, err)
	adminToken := h.login("root@example.com", "administrator")
	member, err := h.users.Register(ctx, users.RegisterRequest{FullName: "Ada", Email: "ada@example.com", Password: "analytical"})
	require.NoError(t, err)
	memberToken := h.login("ada@example.com", "analytical")

	addBook := func(nb catalog.NewBook) catalog.Book {
		status, env := h.do(http.MethodPost, "/books", adminToken, nb)
		require.Equal(t, http.StatusCreated, status, env.Message)
		var b catalog.Book
		require.NoError(t, json.Unmarshal(env.Data, &b))
		return b
	}
	emma := addBook(catalog.NewBook{Title: "Emma", ISBN: "978-0141439587", AuthorName: "Jane Austen", CategoryName: "Classics", TotalCopies: 1})
	dune := addBook(catalog.NewBook{Title: "Dune", ISBN: "978-0441013593", AuthorName: "Frank Herbert", CategoryName: "SF", TotalCopies: 2})

	var books []catalog.Book
	status, env := h.do(http.MethodGet, "/books/search?q=austen", "", nil)
	require.Equal(t, http.StatusOK, status, env.Message)
	require.NoError(t, json.Unmarshal(env.Data, &books))
	require.Len(t, books, 1)
	assert.Equal(t, emma.ID, books[0].ID)

	status, env = h.do(http.MethodGet, "/books/search", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "q", env.Details["field"])

	status, _ = h.do(http.MethodGet, "/books/filter?available=maybe", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = h.do(http.MethodGet, "/books/filter?categoryId="+itoa(dune.CategoryID), "", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &books))
	require.Len(t, books, 1)
	assert.Equal(t, dune.ID, books[0].ID)

	// Deleting a book on loan is refused.
	status, env = h.do(http.MethodPost, "/borrow/"+itoa(emma.ID), memberToken, nil)
	require.Equal(t, http.StatusOK, status, env.Message)
	status, _ = h.do(http.MethodDelete, "/books/"+itoa(emma.ID), memberToken, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, env = h.do(http.MethodDelete, "/books/"+itoa(emma.ID), adminToken, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Book has active loans.", env.Message)

	status, env = h.do(http.MethodPatch, "/books/"+itoa(dune.ID), adminToken, map[string]any{"title": "Dune Messiah"})
	require.Equal(t, http.StatusOK, status, env.Message)
	var updated catalog.Book
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, "Dune Messiah", updated.Title)
	assert.Equal(t, 2, updated.CopiesAvailable)

	status, _ = h.do(http.MethodDelete, "/books/"+itoa(dune.ID), adminToken, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = h.do(http.MethodGet, "/books/"+itoa(dune.ID), "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	// Authors and categories.
	status, _ = h.do(http.MethodPost, "/authors", memberToken, map[string]string{"name": "Ursula K. Le Guin"})
	assert.Equal(t, http.StatusForbidden, status)
	status, env = h.do(http.MethodPost, "/authors", adminToken, map[string]string{"name": "Ursula K. Le Guin"})
	require.Equal(t, http.StatusCreated, status, env.Message)
	var leGuin catalog.Facet
	require.NoError(t, json.Unmarshal(env.Data, &leGuin))

	status, env = h.do(http.MethodPut, "/authors/"+itoa(emma.AuthorID), adminToken, map[string]string{"name": "J. Austen"})
	require.Equal(t, http.StatusOK, status, env.Message)
	status, env = h.do(http.MethodDelete, "/authors/"+itoa(emma.AuthorID), adminToken, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Author still has books.", env.Message)
	status, _ = h.do(http.MethodDelete, "/authors/"+itoa(leGuin.ID), adminToken, nil)
	assert.Equal(t, http.StatusOK, status)
	status, env = h.do(http.MethodDelete, "/authors/"+itoa(leGuin.ID), adminToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Author not found.", env.Message)

	var facets []catalog.Facet
	status, env = h.do(http.MethodGet, "/authors", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &facets))
	assert.Contains(t, facets, catalog.Facet{ID: emma.AuthorID, Name: "J. Austen"})
	status, env = h.do(http.MethodGet, "/categories", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &facets))
	assert.Len(t, facets, 2)
	assert.Equal(t, "Retrieved categories successfully.", env.Message)

	// Users.
	status, _ = h.do(http.MethodGet, "/users", memberToken, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, env = h.do(http.MethodGet, "/users", adminToken, nil)
	require.Equal(t, http.StatusOK, status)
	var list []users.User
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 2)

	status, env = h.do(http.MethodPatch, "/users", memberToken, map[string]string{"phone": "555-0100"})
	require.Equal(t, http.StatusOK, status, env.Message)
	var profile users.User
	require.NoError(t, json.Unmarshal(env.Data, &profile))
	assert.Equal(t, "555-0100", profile.Phone)

	status, env = h.do(http.MethodPatch, "/users/change-password", memberToken,
		users.PasswordChange{OldPassword: "wrong-guess", NewPassword: "difference"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Old password is incorrect.", env.Message)
	status, env = h.do(http.MethodPatch, "/users/change-password", memberToken,
		users.PasswordChange{OldPassword: "analytical", NewPassword: "difference"})
	require.Equal(t, http.StatusOK, status, env.Message)
	h.login("ada@example.com", "difference")

	status, _ = h.do(http.MethodDelete, "/users/"+itoa(member.ID), memberToken, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, env = h.do(http.MethodDelete, "/users/"+itoa(member.ID), adminToken, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "User has active loans.", env.Message)
}

func TestAPI_RegisterThrottledPerClient(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	issuer, err := auth.NewIssuer("test-secret", "bookloans", "bookloans-api", time.Hour)
	require.NoError(t, err)
	h := &harness{t: t}
	h.handler = NewRouter(Deps{
		Borrow:   borrow.NewService(store, borrow.FinePolicy{LoanPeriod: 72 * time.Hour}),
		Catalog:  catalog.NewService(store, logger),
		Users:    users.NewService(store, issuer, 1, 1, logger),
		Verifier: issuer,
		Health:   store,
		Logger:   logger,
	})

	status, env := h.do(http.MethodPost, "/users/register", "", users.RegisterRequest{
		FullName: "Ada", Email: "ada@example.com", Password: "analytical",
	})
	require.Equal(t, http.StatusCreated, status, env.Message)
	status, _ = h.do(http.MethodPost, "/users/register", "", users.RegisterRequest{
		FullName: "Bob", Email: "bob@example.com", Password: "analytical",
	})
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestAPI_BadInput(t *testing.T) {
	h := newHarness(t)

	status, env := h.do(http.MethodPost, "/users/login", "", map[string]string{"email": "nobody@example.com", "password": "whatever1"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid email or password.", env.Message)

	status, env = h.do(http.MethodPost, "/borrow/abc", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid or expired token.", env.Message)

	status, _ = h.do(http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, env = h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", env.Message)
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthz_StorageDown(t *testing.T) {
	r := NewRouter(Deps{Health: downPinger{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_GracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	srv := New(ln.Addr().String(), handler, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
