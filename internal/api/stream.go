package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/udmi-device/internal/infrastructure/logging"
	"github.com/nerrad567/udmi-device/internal/metrics"
	"github.com/nerrad567/udmi-device/internal/udmi"
)

// Frame types on the /ws stream.
const (
	FrameSnapshot    = "snapshot"
	FramePublish     = "publish"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameAck         = "ack"
	FrameError       = "error"
)

const (
	streamQueueSize = 256
	streamReadLimit = 8192
	streamPing      = 30 * time.Second
	streamPongWait  = 10 * time.Second
)

// Frame is one message on the stream, in either direction.
//
// Publish frames mirror documents the device sent to the broker. Channel is
// the topic channel ("state", "events/pointset", "attach"). DeviceID is the
// proxy id for gateway traffic.
type Frame struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	DeviceID string          `json:"device_id,omitempty"`
	Time     time.Time       `json:"time,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`

	// Channels and Devices carry subscribe/unsubscribe requests. A channel
	// matches itself and its sub-channels: "events" matches
	// "events/pointset". An empty device filter matches every device.
	Channels []string `json:"channels,omitempty"`
	Devices  []string `json:"devices,omitempty"`
}

// Stream fans published documents out to WebSocket clients.
type Stream struct {
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	stream *Stream
	conn   *websocket.Conn
	send   chan []byte

	mu       sync.RWMutex
	channels map[string]struct{}
	devices  map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to a local address; browsers on any origin may read it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewStream creates an empty stream.
func NewStream(logger *logging.Logger, m *metrics.Metrics) *Stream {
	return &Stream{
		logger:  logger,
		metrics: m,
		clients: make(map[*streamClient]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (st *Stream) Run(ctx context.Context) {
	<-ctx.Done()

	st.mu.Lock()
	defer st.mu.Unlock()
	for c := range st.clients {
		close(c.send)
		c.conn.Close()
		delete(st.clients, c)
	}
}

// ClientCount returns the number of connected clients.
func (st *Stream) ClientCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.clients)
}

func (st *Stream) add(c *streamClient) {
	st.mu.Lock()
	st.clients[c] = struct{}{}
	st.mu.Unlock()
	st.logger.Debug("stream client connected", "clients", st.ClientCount())
}

// remove closes c.send exactly once, whichever of remove and Run gets there
// first.
func (st *Stream) remove(c *streamClient) {
	st.mu.Lock()
	_, ok := st.clients[c]
	delete(st.clients, c)
	if ok {
		close(c.send)
	}
	st.mu.Unlock()
	st.logger.Debug("stream client disconnected", "clients", st.ClientCount())
}

// Publish relays one outbound document. A payload that is not JSON is sent
// as a JSON string.
func (st *Stream) Publish(deviceID, channel string, payload []byte) {
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(payload))
	}
	data, err := json.Marshal(Frame{
		Type:     FramePublish,
		Channel:  channel,
		DeviceID: deviceID,
		Time:     time.Now().UTC(),
		Payload:  payload,
	})
	if err != nil {
		st.logger.Error("encoding stream frame", "error", err)
		return
	}

	// Client locks are taken with the stream lock held for reading only.
	st.mu.RLock()
	defer st.mu.RUnlock()
	for c := range st.clients {
		if c.wants(deviceID, channel) && !c.enqueue(data) {
			st.metrics.MessageDropped("stream_backlog")
		}
	}
}

// serveStream upgrades the request and sends a snapshot of the current
// state. New clients receive state publishes for every device.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "error", err, "request_id", requestID(r))
		return
	}

	c := &streamClient{
		stream:   s.stream,
		conn:     conn,
		send:     make(chan []byte, streamQueueSize),
		channels: map[string]struct{}{udmi.ChannelState: {}},
		devices:  map[string]struct{}{},
	}

	if snapshot, err := json.Marshal(s.runtime.State()); err == nil {
		data, _ := json.Marshal(Frame{
			Type:     FrameSnapshot,
			Channel:  udmi.ChannelState,
			DeviceID: s.runtime.DeviceID(),
			Time:     time.Now().UTC(),
			Payload:  snapshot,
		})
		c.enqueue(data)
	}

	s.stream.add(c)
	go c.writeLoop()
	go c.readLoop()
}

func (c *streamClient) wants(deviceID, channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.devices) > 0 {
		if _, ok := c.devices[deviceID]; !ok {
			return false
		}
	}
	if _, ok := c.channels[channel]; ok {
		return true
	}
	if i := strings.IndexByte(channel, '/'); i > 0 {
		_, ok := c.channels[channel[:i]]
		return ok
	}
	return false
}

// enqueue never blocks; a slow client loses frames. Callers hold the
// stream read lock, so send is not closed underneath them.
func (c *streamClient) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// reply queues a frame from the client's own read loop.
func (c *streamClient) reply(f Frame) {
	f.Time = time.Now().UTC()
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.stream.mu.RLock()
	defer c.stream.mu.RUnlock()
	if _, ok := c.stream.clients[c]; ok {
		c.enqueue(data)
	}
}

func (c *streamClient) readLoop() {
	defer func() {
		c.stream.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(streamReadLimit)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPing + streamPongWait))
	}
	extend() //nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.stream.logger.Warn("stream read failed", "error", err)
			}
			return
		}
		extend() //nolint:errcheck // see above
		c.handle(data)
	}
}

func (c *streamClient) writeLoop() {
	ticker := time.NewTicker(streamPing)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(streamPongWait)) //nolint:errcheck // write reports it
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamPongWait)) //nolint:errcheck // write reports it
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) handle(data []byte) {
	var req Frame
	if err := json.Unmarshal(data, &req); err != nil {
		c.reply(Frame{Type: FrameError, Error: "invalid JSON frame"})
		return
	}

	switch req.Type {
	case FrameSubscribe:
		c.mu.Lock()
		for _, ch := range req.Channels {
			c.channels[ch] = struct{}{}
		}
		for _, id := range req.Devices {
			c.devices[id] = struct{}{}
		}
		c.mu.Unlock()
		c.reply(Frame{Type: FrameAck, ID: req.ID, Channels: c.channelList()})
	case FrameUnsubscribe:
		c.mu.Lock()
		for _, ch := range req.Channels {
			delete(c.channels, ch)
		}
		for _, id := range req.Devices {
			delete(c.devices, id)
		}
		c.mu.Unlock()
		c.reply(Frame{Type: FrameAck, ID: req.ID, Channels: c.channelList()})
	case FramePing:
		c.reply(Frame{Type: FramePong, ID: req.ID})
	default:
		c.reply(Frame{Type: FrameError, ID: req.ID, Error: "unknown frame type " + req.Type})
	}
}

func (c *streamClient) channelList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}
