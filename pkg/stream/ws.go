package stream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"aegis/pkg/httpx"
	"aegis/pkg/models"
	"aegis/pkg/policy"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// DecisionEvent is the payload of a policy.decision event. It carries no
// request context values.
type DecisionEvent struct {
	ClientID         string                  `json:"client_id"`
	EnforcementLevel models.EnforcementLevel `json:"enforcement_level"`
	Message          string                  `json:"message"`
	PolicyID         string                  `json:"policy_id,omitempty"`
	RuleID           string                  `json:"rule_id,omitempty"`
	Triggered        int                     `json:"triggered"`
}

// DecisionObserver publishes every non-ALLOW policy decision.
func DecisionObserver(h *Hub) policy.Observer {
	return func(_ context.Context, clientID string, d policy.Decision) {
		evt := DecisionEvent{
			ClientID:         clientID,
			EnforcementLevel: d.EnforcementLevel,
			Message:          d.Message,
			Triggered:        len(d.Triggered),
		}
		if w, ok := d.Winner(); ok {
			evt.PolicyID = w.PolicyID
			evt.RuleID = w.RuleID
		}
		h.Publish(EventDecision, clientID, evt)
	}
}

// DeviceEvent lets the hub act as a registry event sink.
func (h *Hub) DeviceEvent(_ context.Context, evt models.DeviceEvent) {
	h.Publish(EventDevice, evt.ClientID, evt)
}

// OriginPatterns splits a comma separated allow list for websocket origins.
func OriginPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Handler upgrades to a websocket, sends a ready event carrying the current
// sequence and then forwards hub events until the client goes away. The
// client query parameter narrows the stream to one client's events.
func Handler(h *Hub, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h == nil {
			httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
			return
		}
		opts := &websocket.AcceptOptions{}
		if len(originPatterns) > 0 {
			opts.OriginPatterns = originPatterns
		}
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sub := h.Subscribe(r.URL.Query().Get("client"), 64)
		defer h.Unsubscribe(sub)

		ready := Event{Seq: h.seq.Load(), Type: EventReady, ClientID: sub.clientID, At: h.now().UTC()}
		_ = wsjson.Write(ctx, conn, ready)
		readErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := conn.Read(ctx); err != nil {
					readErr <- err
					return
				}
			}
		}()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case <-readErr:
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case evt, ok := <-sub.C:
				if !ok {
					_ = conn.Close(websocket.StatusNormalClosure, "closed")
					return
				}
				writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(writeCtx, conn, evt)
				cancelWrite()
				if err != nil {
					_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
					return
				}
			}
		}
	}
}
