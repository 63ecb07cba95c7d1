package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/taskmail/taskmail/internal/models"
	"github.com/taskmail/taskmail/internal/testutil"
	ws "github.com/taskmail/taskmail/internal/websocket"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, req models.NotificationRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

type mockPoller struct {
	mock.Mock
}

func (m *mockPoller) Poll(ctx context.Context) ([]models.MessageSummary, error) {
	args := m.Called(ctx)
	summaries, _ := args.Get(0).([]models.MessageSummary)
	return summaries, args.Error(1)
}

type testServer struct {
	handler  http.Handler
	store    TaskStore
	notifier *mockNotifier
	imap     *mockPoller
	pop3     *mockPoller
	hub      *ws.Hub
}

// newTestServer wires the router to a SQLite store and mocked mail components.
func newTestServer(t *testing.T, redact bool) *testServer {
	t.Helper()

	store := testutil.NewTestSQLiteStore(t)
	notifier := &mockNotifier{}
	imapPoller := &mockPoller{}
	pop3Poller := &mockPoller{}
	hub := ws.NewHub(10)
	events := NewEventsHandler(hub)

	t.Cleanup(func() {
		notifier.AssertExpectations(t)
		imapPoller.AssertExpectations(t)
		pop3Poller.AssertExpectations(t)
	})

	return &testServer{
		handler: NewRouter(
			NewTasksHandler(store, notifier, events, redact),
			NewInboxHandler(imapPoller, pop3Poller, redact),
			events,
		),
		store:    store,
		notifier: notifier,
		imap:     imapPoller,
		pop3:     pop3Poller,
		hub:      hub,
	}
}

func (s *testServer) seedTask(t *testing.T, title string) *models.Task {
	t.Helper()

	task := &models.Task{Title: title}
	if err := s.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("Failed to seed task: %v", err)
	}
	return task
}

func (s *testServer) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func newPreflight(target, origin string) *http.Request {
	req := httptest.NewRequest(http.MethodOptions, target, nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	return req
}
