// Package events implements the relay's client delivery bus.
//
// The relay runs one Subject per process to fan CDP responses and events
// out to client delivery goroutines. Building the Subject with
// WithSyncDelivery means every handler for a topic runs inline on the single eventLoop
// goroutine, which is what gives same-topic deliveries (i.e. everything
// addressed to one client) a total order without an explicit per-client
// lock. Unlike a general-purpose notification bus, this one carries no
// replay buffer: a /cdp/<id> socket that drops is a new connection, not a
// resumed one, so there is nothing worth caching for a late subscriber.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cdprelay/relay/internal/logging"
)

// HandlerFunc is invoked for every event delivered to a subscription.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject at construction time.
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize   int
	syncDelivery bool
}

// WithBufferSize sets the event channel's buffer size.
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) { cfg.bufferSize = size }
}

// WithSyncDelivery forces delivery to run inline on the eventLoop goroutine
// instead of being spawned into its own goroutine. Required whenever
// handlers must not run concurrently with each other, e.g. writes to a
// single WebSocket connection.
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) { cfg.syncDelivery = true }
}

// Emit publishes value to topic. It blocks briefly if the Subject's
// internal channel is full and gives up after 5s rather than deadlock
// the caller forever.
func Emit[T any](subject *Subject, topic string, value T) error {
	evt := event{topic: topic, message: value}
	select {
	case subject.events <- evt:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("events: timed out emitting to topic %q", topic)
	}
}

// Subscribe attaches a typed handler to topic and returns a Subscription
// whose Unsubscribe method detaches it.
func Subscribe[T any](subject *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("events: handler for topic %q expected %T, got %T", topic, *new(T), data)
		}
		return handler(ctx, typed)
	})

	subID := atomic.AddInt64(&subject.nextSubID, 1)
	sub := Subscription{
		Topic:   topic,
		Handler: wrapped,
		ID:      fmt.Sprintf("%s-%d", topic, subID),
	}

	subject.addSubscription(sub)
	sub.Unsubscribe = func() { subject.removeSubscription(sub.ID) }
	return sub
}

// Complete shuts the Subject's eventLoop down and waits (up to 5s) for it
// to drain. Safe to call more than once.
func Complete(s *Subject) {
	if s == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

type event struct {
	topic   string
	message any
}

// Subscription is a live handler attached to a topic.
type Subscription struct {
	Topic       string
	Handler     HandlerFunc
	ID          string
	Unsubscribe func()
}

type subscriberMap map[string]map[string]Subscription

// Subject is a single topic-addressed event bus with exactly one
// dispatching goroutine (eventLoop).
type Subject struct {
	log logging.Logger

	subscribers atomic.Pointer[subscriberMap]
	nextSubID   int64

	events   chan event
	shutdown chan struct{}

	config subjectConfig

	closed int32
	wg     sync.WaitGroup
}

// NewSubject creates a Subject and starts its eventLoop goroutine.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{bufferSize: 512}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		log:      logging.Named("events"),
		events:   make(chan event, cfg.bufferSize),
		shutdown: make(chan struct{}),
		config:   cfg,
	}

	empty := make(subscriberMap)
	s.subscribers.Store(&empty)

	go s.eventLoop()
	return s
}

func (s *Subject) eventLoop() {
	s.wg.Add(1)
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.events:
			subs := s.subscribers.Load()
			if topicSubs, ok := (*subs)[evt.topic]; ok {
				for _, sub := range topicSubs {
					s.sendToSubscriber(sub, evt, s.config.syncDelivery)
				}
			}
		}
	}
}

func (s *Subject) addSubscription(sub Subscription) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := s.copySubscribers(*oldSubs)

		if _, ok := newSubs[sub.Topic]; !ok {
			newSubs[sub.Topic] = make(map[string]Subscription)
		}
		newSubs[sub.Topic][sub.ID] = sub

		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

func (s *Subject) removeSubscription(subID string) {
	for {
		oldSubs := s.subscribers.Load()
		newSubs := s.copySubscribers(*oldSubs)

		found := false
		for topic, topicSubs := range newSubs {
			if _, ok := topicSubs[subID]; ok {
				delete(topicSubs, subID)
				if len(topicSubs) == 0 {
					delete(newSubs, topic)
				}
				found = true
				break
			}
		}
		if !found {
			return
		}
		if s.subscribers.CompareAndSwap(oldSubs, &newSubs) {
			return
		}
	}
}

func (s *Subject) copySubscribers(original subscriberMap) subscriberMap {
	cp := make(subscriberMap, len(original))
	for topic, topicSubs := range original {
		cp[topic] = make(map[string]Subscription, len(topicSubs))
		for id, sub := range topicSubs {
			cp[topic][id] = sub
		}
	}
	return cp
}

func (s *Subject) sendToSubscriber(sub Subscription, evt event, sync bool) {
	deliver := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := sub.Handler(ctx, evt.message); err != nil {
			s.log.Warnf("handler for topic %q (sub %s) returned error: %v", evt.topic, sub.ID, err)
		}
	}

	if sync {
		deliver()
	} else {
		go deliver()
	}
}
