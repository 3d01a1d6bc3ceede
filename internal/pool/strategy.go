package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chaosq/internal/config"
)

var ErrHandshakeRejected = errors.New("pool: handshake rejected")

// Strategy hides the protocol difference between raw sockets and channel
// based (join handshake) targets.
type Strategy interface {
	Name() string
	Dial(ctx context.Context, d *websocket.Dialer, id string) (*websocket.Conn, error)
	Frame(msg Message) ([]byte, error)
}

// NewStrategy picks the strategy for the configured target variant.
func NewStrategy(cfg config.TargetConfig) (Strategy, error) {
	switch cfg.Variant {
	case config.VariantRaw, "":
		return Raw{URL: cfg.WSURL, IDInPath: cfg.RawIDInPath}, nil
	case config.VariantHandshake:
		return Handshake{URL: cfg.WSURL, Topic: cfg.JoinTopic}, nil
	default:
		return nil, fmt.Errorf("unknown target variant %q", cfg.Variant)
	}
}

// Raw treats a completed WebSocket upgrade as a successful connect.
type Raw struct {
	URL      string
	IDInPath bool
}

func (Raw) Name() string { return config.VariantRaw }

func (r Raw) Dial(ctx context.Context, d *websocket.Dialer, id string) (*websocket.Conn, error) {
	target, err := r.endpoint(id)
	if err != nil {
		return nil, err
	}
	ws, resp, err := d.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", id, err)
	}
	return ws, nil
}

func (r Raw) endpoint(id string) (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	if r.IDInPath {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(id)
		return u.String(), nil
	}
	q := u.Query()
	q.Set("id", id)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type rawFrame struct {
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	Sequence  int64   `json:"sequence"`
	Timestamp float64 `json:"timestamp"`
}

func (Raw) Frame(msg Message) ([]byte, error) {
	return json.Marshal(rawFrame{
		Type:      msg.Type,
		Content:   msg.Content,
		Sequence:  msg.Sequence,
		Timestamp: unixSeconds(time.Now()),
	})
}

// Handshake joins a channel topic after the upgrade and only counts the
// connection once the server acknowledges the join.
type Handshake struct {
	URL   string
	Topic string
}

func (Handshake) Name() string { return config.VariantHandshake }

type channelEvent struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
}

func (h Handshake) Dial(ctx context.Context, d *websocket.Dialer, id string) (*websocket.Conn, error) {
	ws, resp, err := d.DialContext(ctx, h.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", id, err)
	}

	if err := h.join(ctx, ws, id); err != nil {
		ws.Close()
		return nil, err
	}
	return ws, nil
}

func (h Handshake) join(ctx context.Context, ws *websocket.Conn, id string) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	join := channelEvent{
		Topic:   h.Topic,
		Event:   "phx_join",
		Payload: map[string]any{"id": id},
		Ref:     "join_" + id,
	}
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := ws.WriteJSON(join); err != nil {
		return fmt.Errorf("send join %s: %w", id, err)
	}

	if err := ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	var reply channelEvent
	if err := ws.ReadJSON(&reply); err != nil {
		return fmt.Errorf("await join reply %s: %w", id, err)
	}
	if reply.Event != "phx_reply" || reply.Payload["status"] != "ok" {
		return fmt.Errorf("%w: %s got event=%q status=%v", ErrHandshakeRejected, id, reply.Event, reply.Payload["status"])
	}

	// Clear the handshake deadlines; the read loop runs without one.
	if err := ws.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	return ws.SetWriteDeadline(time.Time{})
}

func (h Handshake) Frame(msg Message) ([]byte, error) {
	return json.Marshal(channelEvent{
		Topic: h.Topic,
		Event: msg.Type,
		Payload: map[string]any{
			"content":   msg.Content,
			"sequence":  msg.Sequence,
			"timestamp": unixSeconds(time.Now()),
		},
		Ref: fmt.Sprintf("msg_%d", msg.Sequence),
	})
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
