package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/labforge/labforge/internal/db"
	"github.com/labforge/labforge/internal/events"
)

const (
	// maxResponseBody bounds what is kept of an endpoint's response.
	maxResponseBody = 4096
	// callTimeout bounds one delivery attempt. A timeout is a failed
	// delivery, never a success.
	callTimeout = 10 * time.Second

	headerEvent     = "X-Labforge-Event"
	headerSignature = "X-Labforge-Signature"
)

// Dispatcher delivers domain events to registered webhook endpoints and
// records every attempt. Deliveries are independent per webhook and never
// roll back or delay the transition that triggered them.
type Dispatcher struct {
	store  *db.Store
	client *http.Client
}

func NewDispatcher(store *db.Store) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: callTimeout},
	}
}

// Attach subscribes the dispatcher to the event bus. Each event is handled
// on its own goroutine so the bus loop is never blocked by HTTP calls.
func (d *Dispatcher) Attach(bus *events.Bus) {
	bus.Subscribe(func(evt events.Event) {
		go d.Dispatch(context.Background(), evt)
	})
}

// Dispatch delivers one event to every matching enabled webhook. It returns
// after all attempts have been recorded, which makes it directly testable;
// callers that must not wait run it on a goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.Event) {
	hooks, err := d.store.WebhooksForEvent(evt.Type, evt.LabID)
	if err != nil {
		log.Printf("[ERROR] Resolving webhooks for %s: %v", evt.Type, err)
		return
	}
	if len(hooks) == 0 {
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("[ERROR] Marshalling event %s: %v", evt.Type, err)
		return
	}

	var wg sync.WaitGroup
	for i := range hooks {
		hook := hooks[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliver(ctx, hook, evt, payload)
		}()
	}
	wg.Wait()
}

// deliver performs one HTTP call and appends the audit record. One
// endpoint's failure never affects another's delivery.
func (d *Dispatcher) deliver(ctx context.Context, hook db.Webhook, evt events.Event, payload []byte) {
	record := db.WebhookDelivery{
		WebhookRef: hook.ID,
		Event:      evt.Type,
		LabID:      evt.LabID,
		JobID:      evt.JobID,
		Payload:    string(payload),
	}

	start := time.Now()
	status, body, err := d.post(ctx, hook, evt.Type, payload)
	record.DurationMS = time.Since(start).Milliseconds()
	record.StatusCode = status
	record.ResponseBody = body
	if err != nil {
		record.Error = err.Error()
	}
	record.Success = err == nil && status >= 200 && status < 300

	if err := d.store.RecordDelivery(&record); err != nil {
		log.Printf("[ERROR] Recording delivery for webhook %s: %v", hook.WebhookID, err)
	}
}

func (d *Dispatcher) post(ctx context.Context, hook db.Webhook, eventType string, payload []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, eventType)
	for k, v := range hook.ExtraHeaders() {
		req.Header.Set(k, v)
	}
	if hook.Secret != "" {
		req.Header.Set(headerSignature, Sign(payload, hook.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, string(body), nil
}

// Sign computes the hex HMAC-SHA256 of the payload under the webhook's
// secret, so receivers can verify authenticity.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
