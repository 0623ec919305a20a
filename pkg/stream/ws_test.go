package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aegis/pkg/models"
	"aegis/pkg/policy"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestDecisionObserverPublishesWinner(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe("uco-bank", 1)
	defer h.Unsubscribe(sub)

	src := policy.NewMemorySource(policy.Seed("uco-bank", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))...)
	engine := policy.NewEngine(src, policy.WithObserver(DecisionObserver(h)))
	d, err := engine.Evaluate(context.Background(), "uco-bank", map[string]any{"device": map[string]any{"isRooted": true}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.EnforcementLevel != models.EnforcementBlock {
		t.Fatalf("expected BLOCK, got %s", d.EnforcementLevel)
	}

	select {
	case evt := <-sub.C:
		if evt.Type != EventDecision || evt.ClientID != "uco-bank" {
			t.Fatalf("expected decision event, got %q", evt.Type)
		}
		var payload DecisionEvent
		if err := json.Unmarshal(evt.Data, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.ClientID != "uco-bank" || payload.EnforcementLevel != models.EnforcementBlock || payload.RuleID == "" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for decision event")
	}
}

func TestHubDeviceEvent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sub := h.Subscribe("", 1)
	defer h.Unsubscribe(sub)
	h.DeviceEvent(context.Background(), models.DeviceEvent{Type: models.DeviceEventRegistered, DeviceID: "dev_1", ClientID: "uco-bank"})

	evt := <-sub.C
	if evt.Type != EventDevice || evt.ClientID != "uco-bank" || !strings.Contains(string(evt.Data), "dev_1") {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	got := OriginPatterns(" a.example.com, ,b.example.com ")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("unexpected patterns: %v", got)
	}
	if OriginPatterns("") != nil {
		t.Fatal("expected nil for empty list")
	}
}

func TestHandlerNilHub(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	Handler(nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	h := NewHub()
	h.Publish(EventDevice, "sbi", nil)
	srv := httptest.NewServer(Handler(h, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?client=uco-bank", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if ready.Type != EventReady || ready.Seq != 1 || ready.ClientID != "uco-bank" {
		t.Fatalf("unexpected ready event %+v", ready)
	}

	h.Publish(EventDevice, "sbi", map[string]string{"device_id": "dev_6"})
	h.Publish(EventDevice, "uco-bank", map[string]string{"device_id": "dev_7"})
	var evt Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != EventDevice || evt.Seq != 3 || !strings.Contains(string(evt.Data), "dev_7") {
		t.Fatalf("unexpected event: %+v", evt)
	}
}
