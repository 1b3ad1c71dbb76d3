// Package notify delivers operator notifications. Delivery is best effort:
// failures are logged and never reach the request that caused them.
package notify

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event names.
const (
	EventActivated      = "grant.activated"
	EventNewDevice      = "grant.new_device"
	EventCityExpanded   = "grant.city_expanded"
	EventDenied         = "grant.denied"
	EventSuspended      = "grant.suspended"
	EventUnsuspended    = "grant.unsuspended"
	EventAccess         = "subscription.access"
	EventSourceExpiring = "source.expiring"
	EventSourceTraffic  = "source.traffic"
)

// Field is one labelled line of a message.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is one notification.
type Message struct {
	ID     string    `json:"id"`
	Event  string    `json:"event"`
	Title  string    `json:"title"`
	Time   time.Time `json:"time"`
	Fields []Field   `json:"fields,omitempty"`
}

// With appends a field and returns the message. Empty values are skipped.
func (m Message) With(name, value string) Message {
	if value == "" {
		return m
	}
	m.Fields = append(m.Fields, Field{Name: name, Value: value})
	return m
}

// Notifier delivers a message and reports whether it was accepted.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) bool
}

// DefaultSendTimeout bounds one delivery attempt.
const DefaultSendTimeout = 10 * time.Second

// Dispatcher fans messages out to notifiers in background goroutines.
type Dispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher over notifiers. Nil entries are ignored.
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	d := &Dispatcher{timeout: DefaultSendTimeout}
	for _, n := range notifiers {
		if n != nil {
			d.notifiers = append(d.notifiers, n)
		}
	}
	return d
}

// Send schedules msg for delivery and returns immediately. ID and Time are
// filled in when empty.
func (d *Dispatcher) Send(msg Message) {
	if d == nil || len(d.notifiers) == 0 {
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	for _, n := range d.notifiers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if !n.Notify(ctx, msg) {
				log.Printf("[notify] %s: %s not delivered", n.Name(), msg.Event)
			}
		}()
	}
}

// Deliver sends msg to every notifier concurrently and waits for the
// results. It reports whether at least one notifier accepted the message.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) bool {
	if d == nil || len(d.notifiers) == 0 {
		return false
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var (
		wg        sync.WaitGroup
		delivered atomic.Bool
	)
	for _, n := range d.notifiers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n.Notify(ctx, msg) {
				delivered.Store(true)
			} else {
				log.Printf("[notify] %s: %s not delivered", n.Name(), msg.Event)
			}
		}()
	}
	wg.Wait()
	return delivered.Load()
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
