// ABOUTME: In-process socket broadcaster serving the subscription protocol over WebSocket
// ABOUTME: Fans frames out to every subscriber of a channel; slow subscribers drop frames

package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	hubWriteTimeout = 10 * time.Second
)

// Hub is a pub/sub broadcaster keyed by channel. It can be used in-process
// through Send, or by remote clients through ServeHTTP.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan []byte // channel -> subID -> ch
	verifier    *TokenSigner
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewHub creates a hub. When verifier is non-nil, connections must present a
// valid bearer token.
func NewHub(verifier *TokenSigner, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan []byte),
		verifier:    verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "hub"),
	}
}

// Subscribe registers a subscriber for frames on channel. The subscription is
// cleaned up when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, channel string) (<-chan []byte, string) {
	subID := uuid.New().String()
	ch := make(chan []byte, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[channel]; !ok {
		h.subscribers[channel] = make(map[string]chan []byte)
	}
	h.subscribers[channel][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "channel", channel, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(channel, subID)
	}()

	return ch, subID
}

// Publish delivers an encoded frame to all subscribers of channel and returns
// how many received it. Non-blocking: full subscribers miss the frame.
func (h *Hub) Publish(channel string, frame []byte) int {
	h.mu.RLock()
	subs := h.subscribers[channel]
	targets := make([]chan []byte, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}

	delivered := 0
	for _, ch := range targets {
		select {
		case ch <- frame:
			delivered++
		default:
			h.logger.Debug("dropped frame for slow subscriber", "channel", channel)
		}
	}
	h.mu.RUnlock()
	return delivered
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(channel, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[channel]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, channel)
	}

	h.logger.Debug("subscriber removed", "channel", channel, "sub_id", subID)
}

// SubscriberCount returns the number of subscribers on channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}

// Close closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, channel)
	}
	h.logger.Debug("hub closed")
}

// Acquire is a no-op: in-process sends need no subscription.
func (h *Hub) Acquire(context.Context, string) error { return nil }

// Release is a no-op.
func (h *Hub) Release(context.Context, string) {}

// Send encodes payload and publishes it on channel.
func (h *Hub) Send(_ context.Context, channel string, payload any) error {
	frame, err := EncodeFrame(channel, payload)
	if err != nil {
		return err
	}
	h.Publish(channel, frame)
	return nil
}

// ServeHTTP upgrades the request and speaks the subscription protocol:
// control frames on the subscription channel manage this connection's
// subscriptions, and any other frame is broadcast to its channel.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.verifier != nil {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if _, err := h.verifier.Verify(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan []byte, subscriberBufferSize)
	go h.writeLoop(ctx, conn, out)

	h.readLoop(ctx, conn, out)
	conn.Close()
}

// writeLoop is the only writer on conn.
func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("write to subscriber failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// readLoop handles inbound frames until the connection closes.
func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- []byte) {
	subs := make(map[string]context.CancelFunc)
	defer func() {
		for _, stop := range subs {
			stop()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Channel == "" {
			h.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}

		if frame.Channel != SubscriptionChannel {
			h.Publish(frame.Channel, data)
			continue
		}

		var sub Subscription
		if err := json.Unmarshal(frame.Payload, &sub); err != nil || sub.Channel == "" {
			h.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}

		switch sub.Action {
		case ActionSubscribe:
			if _, ok := subs[sub.Channel]; ok {
				continue
			}
			subCtx, stop := context.WithCancel(ctx)
			subs[sub.Channel] = stop
			ch, _ := h.Subscribe(subCtx, sub.Channel)
			go forward(subCtx, ch, out)
		case ActionUnsubscribe:
			if stop, ok := subs[sub.Channel]; ok {
				stop()
				delete(subs, sub.Channel)
			}
		}
	}
}

// forward copies frames from a subscription to the connection's writer.
func forward(ctx context.Context, in <-chan []byte, out chan<- []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- msg:
			default:
			}
		}
	}
}
