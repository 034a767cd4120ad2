// Package stream is the event bus behind the WebSocket transport:
// sequenced history, per-subscription cursors, filtered replay, and
// bounded live fan-out.
package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ralph-workflows/ralph-api/pkg/protocol"
)

// StreamName tags every event envelope on the wire.
const StreamName = "events.v1"

// KeepaliveIntervalMs is how often the transport emits stream.keepalive.
const KeepaliveIntervalMs = 15_000

const (
	defaultReplayLimit = 200
	historyLimit       = 2_048
)

// Resource identifies what an event is about.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Replay records how an event reached the client: pushed live, replayed
// from history, or resumed from an explicit cursor.
type Replay struct {
	Mode            string `json:"mode"`
	RequestedCursor string `json:"requestedCursor,omitempty"`
	Batch           uint64 `json:"batch,omitempty"`
}

// Event is the stream event envelope delivered over the WebSocket.
type Event struct {
	APIVersion string   `json:"apiVersion"`
	Stream     string   `json:"stream"`
	Topic      string   `json:"topic"`
	Cursor     string   `json:"cursor"`
	Sequence   uint64   `json:"sequence"`
	Ts         string   `json:"ts"`
	Resource   Resource `json:"resource"`
	Replay     Replay   `json:"replay"`
	Payload    any      `json:"payload"`
}

// SubscribeParams are the stream.subscribe parameters.
type SubscribeParams struct {
	Topics      []string        `json:"topics"`
	Cursor      *string         `json:"cursor,omitempty"`
	ReplayLimit *int            `json:"replayLimit,omitempty"`
	Filters     json.RawMessage `json:"filters,omitempty"`
}

// SubscribeResult is the stream.subscribe response payload.
type SubscribeResult struct {
	SubscriptionID string   `json:"subscriptionId"`
	AcceptedTopics []string `json:"acceptedTopics"`
	Cursor         string   `json:"cursor"`
}

type subscription struct {
	topics         map[string]struct{}
	filters        Filters
	cursor         string
	replayLimit    int
	explicitCursor bool
	principal      string
}

func (s *subscription) matches(event Event) bool {
	if _, ok := s.topics[event.Topic]; !ok {
		return false
	}
	return s.filters.matches(event)
}

// Domain owns the bus state: the global sequence counter, the bounded
// history ring, and the subscription table. One mutex guards all of it so
// publish ordering matches sequence ordering.
type Domain struct {
	mu            sync.Mutex
	sequence      uint64
	subCounter    uint64
	history       []Event
	subscriptions map[string]*subscription
	broadcaster   *Broadcaster

	now func() time.Time
}

func NewDomain() *Domain {
	return &Domain{
		subscriptions: make(map[string]*subscription),
		broadcaster:   NewBroadcaster(),
		now:           time.Now,
	}
}

// Subscribe validates topics and filters, picks the starting cursor, and
// registers the subscription. Without a client cursor the subscription
// starts at the newest history entry, or at "<now>-0" on an empty bus.
func (d *Domain) Subscribe(params SubscribeParams, principal string) (SubscribeResult, *protocol.Error) {
	accepted, err := normalizeTopics(params.Topics)
	if err != nil {
		return SubscribeResult{}, err
	}
	filters, err := ParseFilters(params.Filters)
	if err != nil {
		return SubscribeResult{}, err
	}

	replayLimit := defaultReplayLimit
	if params.ReplayLimit != nil {
		if *params.ReplayLimit < 0 {
			return SubscribeResult{}, protocol.NewInvalidParams("replayLimit must not be negative")
		}
		replayLimit = *params.ReplayLimit
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cursor := ""
	if params.Cursor != nil {
		if err := validateCursor(*params.Cursor); err != nil {
			return SubscribeResult{}, err
		}
		cursor = *params.Cursor
	} else if len(d.history) > 0 {
		cursor = d.history[len(d.history)-1].Cursor
	} else {
		cursor = fmt.Sprintf("%d-0", d.now().UnixMilli())
	}

	d.subCounter++
	subscriptionID := fmt.Sprintf("sub-%d-%04x", d.now().UnixMilli(), d.subCounter)

	topics := make(map[string]struct{}, len(accepted))
	for _, topic := range accepted {
		topics[topic] = struct{}{}
	}
	d.subscriptions[subscriptionID] = &subscription{
		topics:         topics,
		filters:        filters,
		cursor:         cursor,
		replayLimit:    replayLimit,
		explicitCursor: params.Cursor != nil,
		principal:      principal,
	}

	return SubscribeResult{
		SubscriptionID: subscriptionID,
		AcceptedTopics: accepted,
		Cursor:         cursor,
	}, nil
}

// Unsubscribe destroys the subscription.
func (d *Domain) Unsubscribe(subscriptionID string) *protocol.Error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscriptions[subscriptionID]; !ok {
		return subscriptionNotFound(subscriptionID)
	}
	delete(d.subscriptions, subscriptionID)
	return nil
}

// Ack advances the subscription's cursor. The cursor can never move
// backwards, and an acked subscription resumes rather than replays.
func (d *Domain) Ack(subscriptionID, cursor string) *protocol.Error {
	if err := validateCursor(cursor); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.subscriptions[subscriptionID]
	if !ok {
		return subscriptionNotFound(subscriptionID)
	}

	older, err := cursorIsOlder(cursor, sub.cursor)
	if err != nil {
		return err
	}
	if older {
		return protocol.NewPreconditionFailed("stream.ack cursor is older than the subscription checkpoint").
			WithDetails(map[string]any{
				"subscriptionId": subscriptionID,
				"cursor":         cursor,
				"currentCursor":  sub.cursor,
			})
	}

	sub.cursor = cursor
	sub.explicitCursor = true
	return nil
}

// ReplayForSubscription returns the pending history for a subscription:
// matching events newer than its cursor, capped at replayLimit with the
// oldest overflow dropped and counted.
func (d *Domain) ReplayForSubscription(subscriptionID string) ([]Event, int, *protocol.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.subscriptions[subscriptionID]
	if !ok {
		return nil, 0, subscriptionNotFound(subscriptionID)
	}

	afterSequence, err := cursorSequence(sub.cursor)
	if err != nil {
		return nil, 0, err
	}

	events := make([]Event, 0, sub.replayLimit)
	for _, event := range d.history {
		if event.Sequence > afterSequence && sub.matches(event) {
			events = append(events, event)
		}
	}

	dropped := 0
	if len(events) > sub.replayLimit {
		dropped = len(events) - sub.replayLimit
		events = events[dropped:]
	}

	if len(events) > 0 {
		mode := "replay"
		if sub.explicitCursor {
			mode = "resume"
		}
		batch := uint64(len(events))
		for i := range events {
			events[i].Replay = Replay{
				Mode:            mode,
				RequestedCursor: sub.cursor,
				Batch:           batch,
			}
		}
	}

	return events, dropped, nil
}

// Publish sequences an event, records it in history, and fans it out to
// live receivers. Unknown topics are dropped silently.
func (d *Domain) Publish(topic, resourceType, resourceID string, payload any) {
	if !protocol.IsKnownTopic(topic) {
		return
	}

	d.mu.Lock()
	event := d.nextEventLocked(topic, resourceType, resourceID, payload, "live")
	if len(d.history) >= historyLimit {
		d.history = d.history[1:]
	}
	d.history = append(d.history, event)
	d.mu.Unlock()

	d.broadcaster.Send(event)
}

// KeepaliveEvent builds an ephemeral stream.keepalive event. It takes a
// fresh sequence but is never recorded in history.
func (d *Domain) KeepaliveEvent(subscriptionID string) Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextEventLocked("stream.keepalive", "stream", subscriptionID,
		map[string]any{"intervalMs": KeepaliveIntervalMs}, "live")
}

// BackpressureEvent builds an ephemeral error.raised event reporting how
// many events a slow subscription lost.
func (d *Domain) BackpressureEvent(subscriptionID string, droppedCount int) Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextEventLocked("error.raised", "stream", subscriptionID, map[string]any{
		"code": string(protocol.CodeBackpressureDropped),
		"message": fmt.Sprintf("subscription '%s' dropped %d event(s) due to backpressure",
			subscriptionID, droppedCount),
		"retryable": true,
	}, "live")
}

// LiveReceiver attaches a consumer to the live fan-out.
func (d *Domain) LiveReceiver() *Receiver {
	return d.broadcaster.Attach()
}

// HasSubscription reports whether the subscription exists.
func (d *Domain) HasSubscription(subscriptionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.subscriptions[subscriptionID]
	return ok
}

// SubscriptionPrincipal returns the principal the subscription was created
// under, or false when it does not exist.
func (d *Domain) SubscriptionPrincipal(subscriptionID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subscriptions[subscriptionID]
	if !ok {
		return "", false
	}
	return sub.principal, true
}

// MatchesSubscription reports whether the subscription's topics and
// filters accept the event.
func (d *Domain) MatchesSubscription(subscriptionID string, event Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subscriptions[subscriptionID]
	if !ok {
		return false
	}
	return sub.matches(event)
}

func (d *Domain) nextEventLocked(topic, resourceType, resourceID string, payload any, mode string) Event {
	sequence := d.sequence
	d.sequence++
	now := d.now()
	return Event{
		APIVersion: protocol.APIVersion,
		Stream:     StreamName,
		Topic:      topic,
		Cursor:     fmt.Sprintf("%d-%d", now.UnixMilli(), sequence),
		Sequence:   sequence,
		Ts:         now.UTC().Format(time.RFC3339),
		Resource:   Resource{Type: resourceType, ID: resourceID},
		Replay:     Replay{Mode: mode},
		Payload:    payload,
	}
}

func subscriptionNotFound(subscriptionID string) *protocol.Error {
	return protocol.NewNotFound(fmt.Sprintf("subscription '%s' not found", subscriptionID)).
		WithDetails(map[string]any{"subscriptionId": subscriptionID})
}
