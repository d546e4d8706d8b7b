package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type recordingSink struct {
	name   string
	events []Event
	fail   bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, ev Event) error {
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, ev)
	return nil
}

func TestPublishFansOutInRegistrationOrder(t *testing.T) {
	n := New(nil)
	first := &recordingSink{name: "first"}
	second := &recordingSink{name: "second"}
	n.Register(first)
	n.Register(second)

	n.Publish(context.Background(), KindRequestSent, "demande 1 envoyée", map[string]any{"requestId": int64(1)})

	if len(first.events) != 1 || len(second.events) != 1 {
		t.Fatalf("both sinks should receive the event")
	}
	if first.events[0].Kind != KindRequestSent {
		t.Fatalf("kind = %s", first.events[0].Kind)
	}
}

func TestPublishIsolatesFailingSink(t *testing.T) {
	n := New(nil)
	broken := &recordingSink{name: "broken", fail: true}
	healthy := &recordingSink{name: "healthy"}
	n.Register(broken)
	n.Register(healthy)

	// Must not panic or propagate; the healthy sink still gets the event.
	n.Publish(context.Background(), KindResponseReceived, "réponse reçue", nil)

	if len(healthy.events) != 1 {
		t.Fatalf("healthy sink should receive the event despite the broken one")
	}
}

func TestWebhookSinkPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	err := sink.Send(context.Background(), Event{Kind: KindRequestFailed, Message: "échec"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Kind != KindRequestFailed {
		t.Fatalf("posted kind = %s", got.Kind)
	}
}

func TestWebhookSinkReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	if err := sink.Send(context.Background(), Event{Kind: KindSystemError}); err == nil {
		t.Fatalf("expected error on HTTP 500")
	}
}

func TestRedisSinkPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pubsub := sub.Subscribe(context.Background(), "test:events")
	defer pubsub.Close()
	if _, err := pubsub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sink := NewRedisSink(mr.Addr(), "", "test:events")
	if err := sink.Send(context.Background(), Event{Kind: KindRequestSent, Message: "ok"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg, err := pubsub.ReceiveMessage(context.Background())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Kind != KindRequestSent {
		t.Fatalf("published kind = %s", ev.Kind)
	}
}
