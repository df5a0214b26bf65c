package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ndelcourt/recruitsync/internal/domain/models"
	"github.com/ndelcourt/recruitsync/internal/logger"
	log "github.com/sirupsen/logrus"
)

// wireMessage is one frame of the push protocol: either a change event
// delivered on a channel, or a client control frame (subscribe/unsubscribe).
type wireMessage struct {
	Action  string              `json:"action,omitempty"`
	Channel string              `json:"channel"`
	Pattern *EventPattern       `json:"pattern,omitempty"`
	Event   *models.ChangeEvent `json:"event,omitempty"`
}

// WebsocketTransport implements Transport over a single websocket connection
// shared by all channels.
type WebsocketTransport struct {
	url    string
	apiKey string

	mu           sync.Mutex
	conn         *websocket.Conn
	channels     map[string]*websocketChannel
	disconnected chan error
	closed       bool
}

func NewWebsocketTransport(url string, apiKey string) *WebsocketTransport {
	return &WebsocketTransport{
		url:          url,
		apiKey:       apiKey,
		channels:     map[string]*websocketChannel{},
		disconnected: make(chan error, 1),
	}
}

func (t *WebsocketTransport) Connect(ctx context.Context) error {

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, header)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readPump(conn)
	return nil
}

func (t *WebsocketTransport) OpenChannel(name string) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := &websocketChannel{name: name, transport: t}
	t.channels[name] = ch
	return ch, nil
}

func (t *WebsocketTransport) Disconnected() <-chan error {
	return t.disconnected
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *WebsocketTransport) readPump(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				log.WithField(logger.ErrorTypeField, logger.ErrorTypeRealtime).
					Errorf("websocket read error: %v", err)
				select {
				case t.disconnected <- err:
				default:
				}
			}
			return
		}

		var frame wireMessage
		if err := json.Unmarshal(message, &frame); err != nil {
			log.WithField(logger.ErrorTypeField, logger.ErrorTypeRealtime).
				Errorf("malformed frame dropped: %v", err)
			continue
		}
		if frame.Event == nil {
			continue
		}

		t.mu.Lock()
		ch := t.channels[frame.Channel]
		t.mu.Unlock()
		if ch != nil {
			ch.deliver(*frame.Event)
		}
	}
}

func (t *WebsocketTransport) send(frame wireMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return websocket.ErrCloseSent
	}
	return t.conn.WriteJSON(frame)
}

type patternHandler struct {
	pattern EventPattern
	handler func(models.ChangeEvent)
}

type websocketChannel struct {
	name      string
	transport *WebsocketTransport

	mu       sync.Mutex
	handlers []patternHandler
}

func (c *websocketChannel) On(pattern EventPattern, handler func(models.ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, patternHandler{pattern: pattern, handler: handler})
}

func (c *websocketChannel) Subscribe() error {
	c.mu.Lock()
	patterns := make([]*EventPattern, 0, len(c.handlers))
	for i := range c.handlers {
		patterns = append(patterns, &c.handlers[i].pattern)
	}
	c.mu.Unlock()

	for _, pattern := range patterns {
		err := c.transport.send(wireMessage{Action: "subscribe", Channel: c.name, Pattern: pattern})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *websocketChannel) Close() error {
	c.transport.mu.Lock()
	delete(c.transport.channels, c.name)
	c.transport.mu.Unlock()

	return c.transport.send(wireMessage{Action: "unsubscribe", Channel: c.name})
}

func (c *websocketChannel) deliver(event models.ChangeEvent) {
	c.mu.Lock()
	handlers := make([]patternHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, ph := range handlers {
		if ph.pattern.Matches(event) {
			ph.handler(event)
		}
	}
}
