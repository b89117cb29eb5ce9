package grid

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/galdor/go-grid/pkg/raft"
	"github.com/google/uuid"
)

type SubscriptionId string

type subscriptionKey struct {
	topic     string
	eventName string
}

type subscription struct {
	id      SubscriptionId
	handler func([]byte, raft.EndpointId)
}

// subscriptionTable holds the local subscribers of every topic. It is not
// replicated: each endpoint has its own subscribers.
type subscriptionTable struct {
	subscriptions map[subscriptionKey][]subscription
	mu            sync.RWMutex
}

func newSubscriptionTable() *subscriptionTable {
	return &subscriptionTable{
		subscriptions: make(map[subscriptionKey][]subscription),
	}
}

func (t *subscriptionTable) add(topic, eventName string, handler func([]byte, raft.EndpointId)) SubscriptionId {
	key := subscriptionKey{topic: topic, eventName: eventName}

	sub := subscription{
		id:      SubscriptionId(uuid.NewString()),
		handler: handler,
	}

	t.mu.Lock()
	t.subscriptions[key] = append(t.subscriptions[key], sub)
	t.mu.Unlock()

	return sub.id
}

func (t *subscriptionTable) remove(topic, eventName string, id SubscriptionId) bool {
	key := subscriptionKey{topic: topic, eventName: eventName}

	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.subscriptions[key]

	idx := slices.IndexFunc(subs, func(sub subscription) bool {
		return sub.id == id
	})
	if idx == -1 {
		return false
	}

	subs = slices.Delete(slices.Clone(subs), idx, idx+1)

	if len(subs) == 0 {
		delete(t.subscriptions, key)
	} else {
		t.subscriptions[key] = subs
	}

	return true
}

// list returns subscriptions in registration order.
func (t *subscriptionTable) list(topic, eventName string) []subscription {
	key := subscriptionKey{topic: topic, eventName: eventName}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.subscriptions[key]
}

func (g *Grid) dispatchEvent(op *OpPubSubPublish, sourceId raft.EndpointId) {
	for _, sub := range g.subscriptions.list(op.Topic, op.EventName) {
		label := fmt.Sprintf("subscriber %s", sub.id)

		raft.CallRecovered(g.Log, label, func() {
			sub.handler(op.Payload, sourceId)
		})
	}
}

type PubSubCfg[T any] struct {
	Topic        string
	PayloadCodec Codec[T]
}

// PubSub publishes events on a topic. Events are delivered to the
// subscribers of every endpoint in the order they are committed.
type PubSub[T any] struct {
	Cfg PubSubCfg[T]

	grid *Grid
}

func NewPubSub[T any](g *Grid, cfg PubSubCfg[T]) (*PubSub[T], error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("missing or empty topic")
	}

	if cfg.PayloadCodec == nil {
		return nil, fmt.Errorf("missing payload codec")
	}

	ps := PubSub[T]{
		Cfg: cfg,

		grid: g,
	}

	return &ps, nil
}

// CreatePubSub returns a pub-sub instance whose payloads are raw bytes.
func (g *Grid) CreatePubSub(topic string) (*PubSub[[]byte], error) {
	return NewPubSub(g, PubSubCfg[[]byte]{
		Topic:        topic,
		PayloadCodec: BytesCodec(),
	})
}

func (ps *PubSub[T]) Topic() string {
	return ps.Cfg.Topic
}

// Subscribe registers a local callback for an event. The callback runs on
// the goroutine applying the log, it receives the payload and the
// identifier of the endpoint which published the event.
func (ps *PubSub[T]) Subscribe(eventName string, callback func(T, raft.EndpointId)) (SubscriptionId, error) {
	if eventName == "" {
		return "", fmt.Errorf("missing or empty event name")
	}

	if callback == nil {
		return "", fmt.Errorf("missing callback")
	}

	handler := func(data []byte, sourceId raft.EndpointId) {
		payload, err := ps.Cfg.PayloadCodec.Decode(data)
		if err != nil {
			ps.grid.Log.Error("cannot decode payload of event %q on "+
				"topic %q: %v", eventName, ps.Cfg.Topic, err)
			return
		}

		callback(payload, sourceId)
	}

	id := ps.grid.subscriptions.add(ps.Cfg.Topic, eventName, handler)

	return id, nil
}

func (ps *PubSub[T]) Unsubscribe(eventName string, id SubscriptionId) bool {
	return ps.grid.subscriptions.remove(ps.Cfg.Topic, eventName, id)
}

// Publish returns once the event has been committed and delivered to local
// subscribers.
func (ps *PubSub[T]) Publish(ctx context.Context, eventName string, payload T) error {
	if eventName == "" {
		return fmt.Errorf("missing or empty event name")
	}

	data, err := ps.Cfg.PayloadCodec.Encode(payload)
	if err != nil {
		return NewEncodingError("payload", err)
	}

	op := OpPubSubPublish{
		Topic:     ps.Cfg.Topic,
		EventName: eventName,
		Payload:   data,
	}

	if _, err := ps.grid.submit(ctx, &op); err != nil {
		return fmt.Errorf("cannot publish event %q on topic %q: %w",
			eventName, ps.Cfg.Topic, err)
	}

	return nil
}
