package webhooks

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/labforge/labforge/internal/db"
	"github.com/labforge/labforge/internal/events"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gormDB.AutoMigrate(&db.Webhook{}, &db.WebhookDelivery{}))
	return db.NewStore(gormDB)
}

func newHook(t *testing.T, store *db.Store, url string, eventTypes []string) *db.Webhook {
	t.Helper()
	eventsJSON, err := json.Marshal(eventTypes)
	require.NoError(t, err)
	hook := &db.Webhook{
		WebhookID: uuid.NewString(),
		URL:       url,
		Events:    string(eventsJSON),
		Enabled:   true,
	}
	require.NoError(t, store.CreateWebhook(hook))
	return hook
}

func jobEvent(eventType string) events.Event {
	labID := uint(7)
	return events.Event{
		Type:    eventType,
		LabID:   &labID,
		At:      time.Now(),
		Payload: map[string]interface{}{"action": "deploy"},
	}
}

func TestDispatchDeliversAndRecords(t *testing.T) {
	store := newTestStore(t)

	var received atomic.Int64
	var gotEvent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		gotEvent.Store(r.Header.Get("X-Labforge-Event"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := newHook(t, store, srv.URL, []string{events.TypeJobSucceeded})
	d := NewDispatcher(store)
	d.Dispatch(context.Background(), jobEvent(events.TypeJobSucceeded))

	assert.Equal(t, int64(1), received.Load())
	assert.Equal(t, events.TypeJobSucceeded, gotEvent.Load())

	deliveries, err := store.ListDeliveries(hook.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Success)
	assert.Equal(t, http.StatusNoContent, deliveries[0].StatusCode)
	assert.Empty(t, deliveries[0].Error)

	updated, err := store.GetWebhook(hook.WebhookID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, updated.LastStatusCode)
	require.NotNil(t, updated.LastDeliveryAt)
}

func TestDispatchIsolatesFailures(t *testing.T) {
	store := newTestStore(t)

	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	okHook := newHook(t, store, okSrv.URL, []string{events.TypeJobFailed})
	badHook := newHook(t, store, badSrv.URL, []string{events.TypeJobFailed})
	unreachable := newHook(t, store, "http://127.0.0.1:1/hook", []string{events.TypeJobFailed})

	d := NewDispatcher(store)
	d.Dispatch(context.Background(), jobEvent(events.TypeJobFailed))

	okDeliveries, err := store.ListDeliveries(okHook.ID)
	require.NoError(t, err)
	require.Len(t, okDeliveries, 1)
	assert.True(t, okDeliveries[0].Success)

	badDeliveries, err := store.ListDeliveries(badHook.ID)
	require.NoError(t, err)
	require.Len(t, badDeliveries, 1)
	assert.False(t, badDeliveries[0].Success)
	assert.Equal(t, http.StatusInternalServerError, badDeliveries[0].StatusCode)

	failedDeliveries, err := store.ListDeliveries(unreachable.ID)
	require.NoError(t, err)
	require.Len(t, failedDeliveries, 1)
	assert.False(t, failedDeliveries[0].Success)
	assert.NotEmpty(t, failedDeliveries[0].Error)
}

func TestDispatchSkipsDisabledAndUnsubscribed(t *testing.T) {
	store := newTestStore(t)

	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	disabled := newHook(t, store, srv.URL, []string{events.TypeJobSucceeded})
	require.NoError(t, store.DB.Model(disabled).Update("enabled", false).Error)
	otherEvent := newHook(t, store, srv.URL, []string{events.TypeLinkDown})

	d := NewDispatcher(store)
	d.Dispatch(context.Background(), jobEvent(events.TypeJobSucceeded))

	assert.Equal(t, int64(0), received.Load())
	for _, hook := range []*db.Webhook{disabled, otherEvent} {
		deliveries, err := store.ListDeliveries(hook.ID)
		require.NoError(t, err)
		assert.Empty(t, deliveries)
	}
}

func TestDispatchSignsPayload(t *testing.T) {
	store := newTestStore(t)

	var gotSig, gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get("X-Labforge-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := newHook(t, store, srv.URL, []string{events.TypeLinkDown})
	hook.Secret = "s3cret"
	require.NoError(t, store.DB.Model(hook).Update("secret", hook.Secret).Error)

	d := NewDispatcher(store)
	d.Dispatch(context.Background(), jobEvent(events.TypeLinkDown))

	body, ok := gotBody.Load().([]byte)
	require.True(t, ok)
	sig, ok := gotSig.Load().(string)
	require.True(t, ok)
	assert.True(t, hmac.Equal([]byte(sig), []byte(Sign(body, hook.Secret))),
		"signature must verify against the delivered body")

	var evt events.Event
	require.NoError(t, json.Unmarshal(body, &evt))
	assert.Equal(t, events.TypeLinkDown, evt.Type)
}

func TestDispatchSendsExtraHeaders(t *testing.T) {
	store := newTestStore(t)

	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := newHook(t, store, srv.URL, []string{events.TypeJobSucceeded})
	require.NoError(t, store.DB.Model(hook).Update("headers", `{"Authorization":"Bearer tok"}`).Error)

	d := NewDispatcher(store)
	d.Dispatch(context.Background(), jobEvent(events.TypeJobSucceeded))

	assert.Equal(t, "Bearer tok", gotAuth.Load())
}

func TestDispatchTruncatesResponseBody(t *testing.T) {
	store := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 8192; i++ {
			w.Write([]byte("x"))
		}
	}))
	defer srv.Close()

	hook := newHook(t, store, srv.URL, []string{events.TypeJobSucceeded})
	d := NewDispatcher(store)
	d.Dispatch(context.Background(), jobEvent(events.TypeJobSucceeded))

	deliveries, err := store.ListDeliveries(hook.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Len(t, deliveries[0].ResponseBody, maxResponseBody)
}

func TestAttachDeliversBusEvents(t *testing.T) {
	store := newTestStore(t)

	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := newHook(t, store, srv.URL, []string{events.TypeLinkDown})
	d := NewDispatcher(store)
	bus := events.NewBus()
	defer bus.Close()
	d.Attach(bus)

	labID := uint(7)
	bus.Emit(events.TypeLinkDown, &labID, nil, map[string]interface{}{"link": "a:eth0--b:eth0"})

	require.Eventually(t, func() bool {
		deliveries, err := store.ListDeliveries(hook.ID)
		return err == nil && len(deliveries) == 1
	}, 2*time.Second, 10*time.Millisecond)

	deliveries, err := store.ListDeliveries(hook.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.True(t, deliveries[0].Success)
	assert.Equal(t, events.TypeLinkDown, deliveries[0].Event)
	assert.Equal(t, int64(1), received.Load())
}

func TestLabScopedWebhookIgnoresOtherLabs(t *testing.T) {
	store := newTestStore(t)

	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := newHook(t, store, srv.URL, []string{events.TypeJobSucceeded})
	scoped := uint(99)
	require.NoError(t, store.DB.Model(hook).Update("lab_id", scoped).Error)

	d := NewDispatcher(store)
	d.Dispatch(context.Background(), jobEvent(events.TypeJobSucceeded)) // lab 7
	assert.Equal(t, int64(0), received.Load())

	evt := jobEvent(events.TypeJobSucceeded)
	evt.LabID = &scoped
	d.Dispatch(context.Background(), evt)
	assert.Equal(t, int64(1), received.Load())
}
