// Package sse streams live-reload notifications to connected browsers.
package sse

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const defaultKeepaliveInterval = 15 * time.Second

// sseEvent is an internal representation of a formatted SSE message ready to write.
type sseEvent struct {
	data []byte
}

// Broker manages SSE client connections and broadcasts change events.
type Broker struct {
	logger            *slog.Logger
	appVersion        string
	changes           chan []string
	clients           map[chan sseEvent]struct{}
	keepaliveInterval time.Duration
	mu                sync.Mutex
}

// NewBroker creates a new SSE broker.
func NewBroker(logger *slog.Logger, appVersion string) *Broker {
	return newBrokerWithKeepalive(logger, appVersion, defaultKeepaliveInterval)
}

func newBrokerWithKeepalive(logger *slog.Logger, appVersion string, keepaliveInterval time.Duration) *Broker {
	if keepaliveInterval <= 0 {
		keepaliveInterval = defaultKeepaliveInterval
	}

	return &Broker{
		logger:            logger,
		appVersion:        appVersion,
		changes:           make(chan []string, 16),
		clients:           make(map[chan sseEvent]struct{}),
		keepaliveInterval: keepaliveInterval,
	}
}

// Publish queues a batch of changed root-relative paths for broadcast.
// It never blocks; batches are dropped while the queue is full.
func (b *Broker) Publish(paths []string) {
	select {
	case b.changes <- paths:
	default:
		b.logger.Debug("change queue full, dropping batch", "paths", len(paths))
	}
}

// Run broadcasts published changes to all connected clients.
// It blocks until the context is cancelled.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.closeAllClients()
			b.logger.Info("SSE broker stopped")
			return
		case paths := <-b.changes:
			data, err := formatSSEEvent("change", ChangeEventPayload{Paths: paths})
			if err != nil {
				b.logger.Debug("failed to format SSE event", "error", err)
				continue
			}
			b.broadcast(sseEvent{data: data})
			b.logger.Debug("SSE change broadcast", "paths", paths)
		}
	}
}

func (b *Broker) closeAllClients() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		close(ch)
		delete(b.clients, ch)
	}
}

// broadcast sends an event to all connected clients using non-blocking sends.
func (b *Broker) broadcast(evt sseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- evt:
		default:
			// Client too slow, skip this event
		}
	}
}

func (b *Broker) addClient(ch chan sseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[ch] = struct{}{}
	b.logger.Debug("SSE client connected", "clients", len(b.clients))
}

func (b *Broker) removeClient(ch chan sseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, ch)
	b.logger.Debug("SSE client disconnected", "clients", len(b.clients))
}

// ServeHTTP handles SSE connections: sets headers, sends a hello event, and streams changes.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCh := make(chan sseEvent, 16)
	b.addClient(clientCh)
	defer b.removeClient(clientCh)

	hello, err := formatSSEEvent("hello", HelloEventPayload{AppVersion: b.appVersion})
	if err != nil {
		b.logger.Debug("failed to format hello event", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := writeAndFlush(w, flusher, hello); err != nil {
		b.logger.Debug("failed to write hello event", "error", err)
		return
	}

	keepalive := time.NewTicker(b.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-clientCh:
			if !ok {
				// Channel closed by broker shutdown.
				return
			}
			if err := writeAndFlush(w, flusher, evt.data); err != nil {
				b.logger.Debug("failed to write SSE event", "error", err)
				return
			}
			keepalive.Reset(b.keepaliveInterval)
		case <-keepalive.C:
			if err := writeAndFlush(w, flusher, formatKeepalive()); err != nil {
				b.logger.Debug("failed to write keepalive", "error", err)
				return
			}
		}
	}
}

func writeAndFlush(w http.ResponseWriter, flusher http.Flusher, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
