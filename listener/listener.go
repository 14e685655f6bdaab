// Package listener maintains long-lived connections to execution backend
// event streams. One connection per backend, single-threaded per
// connection; state transitions are never processed inline on the socket,
// every message becomes a queued work unit.
package listener

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devicefleet/conductor/engine"
	"github.com/devicefleet/conductor/models"
	"github.com/devicefleet/conductor/tasks"
	"github.com/gorilla/websocket"
)

type Listener struct {
	engine  *engine.Engine
	queue   tasks.Queue
	backend *models.ExecutionBackendModel
}

func New(eng *engine.Engine, queue tasks.Queue, backend *models.ExecutionBackendModel) *Listener {
	return &Listener{engine: eng, queue: queue, backend: backend}
}

// message is the wire shape of an event stream notification. Some backend
// versions quote the job id, some do not.
type message struct {
	Job    json.Number `json:"job"`
	Device string      `json:"device"`
	State  string      `json:"state"`
	Health string      `json:"health"`
}

// Run connects and consumes the stream until the context is cancelled,
// reconnecting with backoff on every disconnect.
func (l *Listener) Run(ctx context.Context) error {
	if l.backend.WebsocketURL == "" {
		slog.Info("Backend has no event stream configured", "backend", l.backend.Name)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // reconnect forever
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.consume(ctx); err != nil {
			wait := policy.NextBackOff()
			slog.Warn("Event stream disconnected",
				"backend", l.backend.Name,
				"reconnect_in", wait,
				"error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		policy.Reset()
	}
}

func (l *Listener) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.backend.WebsocketURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	slog.Info("Event stream connected", "backend", l.backend.Name)

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("Dropping malformed event",
				"backend", l.backend.Name,
				"error", err)
			continue
		}
		jobID, err := msg.Job.Int64()
		if err != nil {
			slog.Warn("Dropping event without job id",
				"backend", l.backend.Name,
				"error", err)
			continue
		}
		notification := engine.Notification{
			JobID:  jobID,
			Device: msg.Device,
			State:  msg.State,
			Health: msg.Health,
		}
		l.queue.Enqueue("notification", func(ctx context.Context) error {
			return l.engine.HandleNotification(ctx, notification)
		})
	}
}
