package api

import (
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ninjasquad/sensai/internal/config"
	"github.com/ninjasquad/sensai/internal/domain"
	"github.com/ninjasquad/sensai/internal/events"
)

// SSEConnection represents a single SSE client connection.
type SSEConnection struct {
	ID          int64
	StreamKey   string // "serverID:sessionID", or "" for the firehose
	EventID     int64
	ConnectedAt time.Time
	LastEventID int64
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// replayQueue buffers recent events per session so reconnecting clients can
// recover what they missed. Each session gets its own bounded list so one
// session's burst cannot evict another session's events.
type replayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List // stream key -> queued events
	maxSize int
}

// queuedEvent is one replayable event with its stream sequence number.
type queuedEvent struct {
	SeqID int64
	Event events.Event
}

func newReplayQueue(maxSize int) *replayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &replayQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds an event to its session's queue.
func (q *replayQueue) Enqueue(key string, seqID int64, evt events.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queues[key]; !ok {
		q.queues[key] = list.New()
	}
	l := q.queues[key]
	l.PushBack(&queuedEvent{SeqID: seqID, Event: evt})
	// Evict oldest events only within this session's queue.
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// After returns the queued events with a sequence number above afterSeqID.
func (q *replayQueue) After(key string, afterSeqID int64) []*queuedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[key]
	if !ok {
		return nil
	}
	var missed []*queuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		qe := e.Value.(*queuedEvent)
		if qe.SeqID > afterSeqID {
			missed = append(missed, qe)
		}
	}
	return missed
}

// Prune removes the queue for a session once its last connection closes.
func (q *replayQueue) Prune(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
}

// StreamHandler fans engine events out to SSE clients. It subscribes to the
// emitter firehose once and distributes each event to the connections
// watching that session, plus any unfiltered firehose connections.
type StreamHandler struct {
	emitter       *events.Emitter
	sub           *events.Subscription
	cfg           *config.Config
	connections   map[string]map[int64]*SSEConnection // stream key -> connection ID -> connection
	connectionsMu sync.RWMutex
	queue         *replayQueue
	eventCounter  int64
	connectionID  int64
	counterMu     sync.Mutex
	done          chan struct{}
	closeOnce     sync.Once
}

// NewStreamHandler creates the SSE handler and starts its broadcast loop.
func NewStreamHandler(emitter *events.Emitter, cfg *config.Config) *StreamHandler {
	h := &StreamHandler{
		emitter:     emitter,
		sub:         emitter.Subscribe(""),
		cfg:         cfg,
		connections: make(map[string]map[int64]*SSEConnection),
		queue:       newReplayQueue(100),
		done:        make(chan struct{}),
	}

	go h.broadcastLoop()

	return h
}

// RegisterRoutes registers the SSE stream route.
func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/events/stream", h.HandleStream)
}

// Close stops the broadcast loop and detaches from the emitter. Safe to
// call more than once.
func (h *StreamHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.sub.Unsubscribe()
	})
}

// nextSeq returns the next stream-wide sequence number.
func (h *StreamHandler) nextSeq() int64 {
	h.counterMu.Lock()
	defer h.counterMu.Unlock()
	h.eventCounter++
	return h.eventCounter
}

// broadcastLoop distributes engine events to connected clients.
func (h *StreamHandler) broadcastLoop() {
	slog.Info("[STREAM] Broadcast loop started")
	for {
		select {
		case <-h.done:
			slog.Info("[STREAM] Broadcast loop shutting down")
			return
		case evt, ok := <-h.sub.Events():
			if !ok {
				slog.Info("[STREAM] Event subscription closed, shutting down")
				return
			}

			seqID := h.nextSeq()
			streamKey := evt.Key().String()

			// Queue for replay before fan-out so a client reconnecting
			// mid-broadcast still finds the event.
			h.queue.Enqueue(streamKey, seqID, evt)

			h.connectionsMu.RLock()
			conns := make([]*SSEConnection, 0, 4)
			for _, c := range h.connections[streamKey] {
				conns = append(conns, c)
			}
			for _, c := range h.connections[""] {
				conns = append(conns, c)
			}
			h.connectionsMu.RUnlock()

			if len(conns) == 0 {
				continue
			}

			slog.Debug("[STREAM] Broadcasting event",
				"type", evt.Type,
				"server_id", evt.ServerID,
				"session_id", evt.SessionID,
				"connections", len(conns))

			for _, conn := range conns {
				h.sendToConnection(conn, seqID, evt)
			}
		}
	}
}

// sendToConnection writes one event to a specific connection.
func (h *StreamHandler) sendToConnection(conn *SSEConnection, seqID int64, evt events.Event) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return // Connection closed
	default:
	}

	data, err := json.Marshal(evt)
	if err != nil {
		slog.Error("[STREAM] Failed to marshal event", "error", err, "conn_id", conn.ID)
		return
	}

	if err := writeSSEWithID(conn.Writer, seqID, string(evt.Type), string(data)); err != nil {
		slog.Error("[STREAM] Failed to write to SSE connection",
			"error", err,
			"conn_id", conn.ID,
			"stream_key", conn.StreamKey)
		return
	}

	conn.Flusher.Flush()
	conn.EventID = seqID
}

// HandleStream handles GET /api/events/stream. With server_id and session_id
// query parameters the stream carries one session's events; without them it
// carries every session's. Reconnecting clients replay missed events via the
// Last-Event-ID header or the lastEventId query parameter.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("server_id")
	sessionID := r.URL.Query().Get("session_id")
	if (serverID == "") != (sessionID == "") {
		Error(w, http.StatusBadRequest, "server_id and session_id must be provided together")
		return
	}

	streamKey := ""
	if serverID != "" {
		streamKey = domain.SessionKey{ServerID: serverID, SessionID: sessionID}.String()
	}

	// Parse Last-Event-ID header or query param for replay.
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("SSE client reconnecting with Last-Event-ID",
				"stream_key", streamKey,
				"last_event_id", lastEventID)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Configure client retry behavior.
	retryDelayMs := int64(5000)
	if h.cfg != nil && h.cfg.SSE.RetryDelay > 0 {
		retryDelayMs = h.cfg.SSE.RetryDelay.Milliseconds()
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMs)); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "stream_key", streamKey)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &SSEConnection{
		ID:          connID,
		StreamKey:   streamKey,
		ConnectedAt: time.Now(),
		LastEventID: lastEventID,
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	h.connectionsMu.Lock()
	if _, exists := h.connections[streamKey]; !exists {
		h.connections[streamKey] = make(map[int64]*SSEConnection)
	}
	h.connections[streamKey][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		h.connectionsMu.Lock()
		last := false
		if conns, exists := h.connections[streamKey]; exists {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(h.connections, streamKey)
				last = true
			}
		}
		h.connectionsMu.Unlock()
		// Drop the session's replay queue once its last watcher is gone.
		if last && streamKey != "" {
			h.queue.Prune(streamKey)
		}
		slog.Info("SSE connection closed", "stream_key", streamKey, "conn_id", connID)
	}()

	// Send missed events if reconnecting. The firehose has no replay queue;
	// dashboards tolerate gaps.
	if lastEventID > 0 && streamKey != "" {
		missed := h.queue.After(streamKey, lastEventID)
		if len(missed) > 0 {
			slog.Info("Sending missed events",
				"stream_key", streamKey,
				"count", len(missed))
			for _, qe := range missed {
				h.sendToConnection(conn, qe.SeqID, qe.Event)
			}
		}
	}

	// Send initial connection event.
	eventID := h.nextSeq()
	conn.EventID = eventID
	connected, err := json.Marshal(map[string]interface{}{
		"status":   "connected",
		"stream":   streamKey,
		"event_id": eventID,
	})
	if err == nil {
		err = writeSSEWithID(w, eventID, "connected", string(connected))
	}
	if err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "stream_key", streamKey)
		return
	}
	flusher.Flush()

	slog.Info("SSE connection established",
		"stream_key", streamKey,
		"conn_id", connID,
		"event_id", eventID,
		"reconnect", lastEventID > 0)

	keepaliveInterval := 10 * time.Second
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("SSE stream disconnected", "stream_key", streamKey, "conn_id", connID)
			return
		case <-conn.Done:
			return
		case <-h.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				conn.mu.Unlock()
				slog.Warn("failed to write SSE keepalive ping", "error", err, "stream_key", streamKey)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
