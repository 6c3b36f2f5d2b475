package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sweeney/envctl/internal/mqtt"
)

func sample() Message {
	return Message{ID: "n-1", RuleID: "night", Text: "fan off", Time: time.Date(2026, 6, 1, 22, 0, 0, 0, time.UTC)}
}

func TestWebhookPostsJSON(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhook(srv.URL, zap.NewNop()).Notify(context.Background(), sample()))
	assert.Equal(t, "night", got.RuleID)
	assert.Equal(t, "fan off", got.Text)
	assert.True(t, got.Time.Equal(sample().Time))
}

func TestWebhookErrorStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, zap.NewNop()).Notify(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestMQTTNotifier(t *testing.T) {
	fake := mqtt.NewFakePublisher()
	require.NoError(t, MQTT{Publisher: fake}.Notify(context.Background(), sample()))
	got := fake.Notifications()
	require.Len(t, got, 1)
	assert.Equal(t, "n-1", got[0].ID)
	assert.Equal(t, "fan off", got[0].Message)
	assert.Len(t, fake.Payloads("envctl/notifications/night"), 1)
}

type failing struct{ err error }

func (f failing) Notify(context.Context, Message) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	fake := mqtt.NewFakePublisher()
	boom := errors.New("smtp down")
	err := Multi{failing{boom}, MQTT{Publisher: fake}, Log{Logger: zap.NewNop()}}.Notify(context.Background(), sample())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, fake.Notifications(), 1, "later notifiers still run")
}
