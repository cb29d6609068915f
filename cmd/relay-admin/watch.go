// ABOUTME: Subscribes to a channel on the socket broadcaster and decodes relay frames
// ABOUTME: Used by send --watch to follow a work item to its final frame

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/chat-relay/internal/config"
	"github.com/2389/chat-relay/internal/dispatch"
	"github.com/2389/chat-relay/internal/socket"
)

const watchTokenTTL = time.Hour

type socketWatch struct {
	conn    *websocket.Conn
	channel string
}

// watchURL returns the broadcaster address: the configured remote socket, or
// the worker's own hub when it serves one.
func watchURL(cfg *config.Config) (string, error) {
	if !cfg.Socket.Serve {
		return cfg.Socket.URL, nil
	}
	if cfg.Server.HTTPAddr == "" {
		return "", fmt.Errorf("server.http_addr is required to watch the in-process hub")
	}
	u := url.URL{Scheme: "ws", Host: cfg.Server.HTTPAddr, Path: cfg.Socket.Path}
	return u.String(), nil
}

func dialWatch(ctx context.Context, cfg *config.Config, channel string) (FrameSource, error) {
	target, err := watchURL(cfg)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if cfg.Socket.TokenSecret != "" {
		token, err := socket.NewTokenSigner([]byte(cfg.Socket.TokenSecret)).Generate("relay-admin", watchTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("signing socket token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.Socket.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}

	sub, err := socket.EncodeFrame(socket.SubscriptionChannel, socket.Subscription{
		Action:  socket.ActionSubscribe,
		Channel: channel,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	return &socketWatch{conn: conn, channel: channel}, nil
}

// Next blocks until a payload for the watched channel arrives. Frames for
// other channels are skipped.
func (w *socketWatch) Next(ctx context.Context) (*dispatch.Payload, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reading frame: %w", err)
		}

		var f socket.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Channel != w.channel {
			continue
		}
		var p dispatch.Payload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			continue
		}
		return &p, nil
	}
}

func (w *socketWatch) Close() error {
	return w.conn.Close()
}
