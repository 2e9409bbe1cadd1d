package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingSender) Name() string { return "recording" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersEvents(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{"position_closed"}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "position_opened", "opened", "x"))
	require.NoError(t, n.Notify(context.Background(), "position_closed", "closed", "y"))

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "closed", rec.msgs[0].Title)
	assert.False(t, rec.msgs[0].Urgent)
}

func TestEscalateBypassesFilter(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{"position_closed"}, discardLogger())

	require.NoError(t, n.Escalate(context.Background(), "stop placement failed", "sig-1 unprotected"))

	require.Len(t, rec.msgs, 1)
	assert.True(t, rec.msgs[0].Urgent)
	assert.Equal(t, "MANUAL INTERVENTION: stop placement failed", rec.msgs[0].Title)
}

func TestDispatchContinuesAfterFailure(t *testing.T) {
	bad := &recordingSender{err: errors.New("boom")}
	good := &recordingSender{}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), "any", "t", "b")
	require.Error(t, err)
	assert.Len(t, good.msgs, 1)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithAPIURL(srv.URL)
	require.NoError(t, s.Send(context.Background(), Message{Title: "t", Body: "order_id_1", Urgent: true}))

	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "[URGENT] t\norder_id_1", got["text"])
	assert.Equal(t, false, got["disable_notification"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Message{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 400")
}
