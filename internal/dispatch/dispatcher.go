// Package dispatch fans detection results out to session history, the
// durable store, and live observers.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"ProctorWatch/internal/alert"
	"ProctorWatch/internal/registry"
	"ProctorWatch/internal/store"
)

// Dispatcher publishes alerts. History append and the durable write happen on
// the detector's call path; observer delivery is best-effort and never blocks
// it.
type Dispatcher struct {
	store     *store.Store // nil disables the durable log
	logger    *slog.Logger
	alertsCtr metric.Int64Counter
	buffer    int

	mu        sync.RWMutex
	observers map[string]map[string]chan alert.Alert // session id -> sub id -> channel
}

// NewDispatcher creates a dispatcher. buffer is the per-observer channel
// capacity; a full observer drops alerts rather than stalling delivery.
func NewDispatcher(st *store.Store, buffer int, logger *slog.Logger, meter metric.Meter) (*Dispatcher, error) {
	alertsCtr, err := meter.Int64Counter(
		"alerts.emitted",
		metric.WithDescription("Alerts emitted, by type"),
	)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		store:     st,
		logger:    logger,
		alertsCtr: alertsCtr,
		buffer:    buffer,
		observers: make(map[string]map[string]chan alert.Alert),
	}, nil
}

// Subscribe registers an observer for a session's alerts and returns the
// subscription id and receive channel.
func (d *Dispatcher) Subscribe(sessionID string) (string, <-chan alert.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subID := uuid.NewString()
	ch := make(chan alert.Alert, d.buffer)
	if d.observers[sessionID] == nil {
		d.observers[sessionID] = make(map[string]chan alert.Alert)
	}
	d.observers[sessionID][subID] = ch
	d.logger.Debug("observer subscribed", "session_id", sessionID, "sub_id", subID)
	return subID, ch
}

// Subscribed reports whether the subscription is still registered. A
// subscription ends via Unsubscribe or a DropSession from any connection.
func (d *Dispatcher) Subscribed(sessionID, subID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.observers[sessionID][subID]
	return ok
}

// Unsubscribe removes an observer and closes its channel.
func (d *Dispatcher) Unsubscribe(sessionID, subID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs, ok := d.observers[sessionID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(d.observers, sessionID)
	}
	close(ch)
}

// DropSession closes every observer channel for a removed session.
func (d *Dispatcher) DropSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ch := range d.observers[sessionID] {
		close(ch)
	}
	delete(d.observers, sessionID)
}

// Publish appends the alert to the session's history, writes it to the
// durable log, and fans it out to observers. Returns false when the session
// was already removed; the alert is discarded in that case. A failed durable
// write or a full observer never fails the publish.
func (d *Dispatcher) Publish(ctx context.Context, sess *registry.Session, a alert.Alert) bool {
	if !sess.AppendAlert(a) {
		d.logger.Debug("discarding alert for removed session", "session_id", a.SessionID, "type", a.Type)
		return false
	}

	if d.store != nil {
		if err := d.store.SaveAlert(ctx, a); err != nil {
			d.logger.Warn("failed to persist alert", "session_id", a.SessionID, "error", err)
		}
	}

	d.alertsCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(a.Type))))
	d.logger.Info("alert", "type", a.Type, "session_id", a.SessionID)

	d.mu.RLock()
	defer d.mu.RUnlock()
	for subID, ch := range d.observers[a.SessionID] {
		select {
		case ch <- a:
		default:
			d.logger.Warn("observer buffer full, dropping alert", "session_id", a.SessionID, "sub_id", subID)
		}
	}
	return true
}
