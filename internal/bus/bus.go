// Package bus dispatches typed engine events to the strategy side.
//
// Every topic has at most one subscriber. A second Subscribe on the same
// topic fails with ErrTopicTaken; events on a topic nobody listens to are
// dropped. Handlers run synchronously in the publisher's goroutine and must
// not call back into the publishing component while it is dispatching.
package bus

import (
	"errors"
	"mmbot/internal/models"
	"sync"
)

type Topic string

const (
	TopicOrder                Topic = "order"
	TopicTrade                Topic = "trade"
	TopicPosition             Topic = "position"
	TopicSafety               Topic = "safety"
	TopicTargetBasePosition   Topic = "target_base_position"
	TopicExchangeConnectivity Topic = "exchange_connectivity"
	TopicQuotingState         Topic = "quoting_state"
	TopicLevels               Topic = "levels"
)

var ErrTopicTaken = errors.New("bus: topic already has a subscriber")

type Event struct {
	Topic              Topic
	Order              *models.Order
	Trade              *models.Trade
	Position           *models.Position
	Safety             *models.Safety
	TargetBasePosition *models.TargetBasePosition
	Connectivity       models.Connectivity
	Levels             *models.Levels
}

type Handler func(Event)

type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic]Handler
}

func New() *Bus {
	return &Bus{handlers: make(map[Topic]Handler)}
}

func (b *Bus) Subscribe(topic Topic, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[topic]; ok {
		return ErrTopicTaken
	}
	b.handlers[topic] = h
	return nil
}

func (b *Bus) Unsubscribe(topic Topic) {
	b.mu.Lock()
	delete(b.handlers, topic)
	b.mu.Unlock()
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	h := b.handlers[ev.Topic]
	b.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (b *Bus) PublishOrder(o models.Order) {
	b.Publish(Event{Topic: TopicOrder, Order: &o})
}

func (b *Bus) PublishTrade(t models.Trade) {
	b.Publish(Event{Topic: TopicTrade, Trade: &t})
}

func (b *Bus) PublishPosition(p models.Position) {
	b.Publish(Event{Topic: TopicPosition, Position: &p})
}

func (b *Bus) PublishSafety(s models.Safety) {
	b.Publish(Event{Topic: TopicSafety, Safety: &s})
}

func (b *Bus) PublishTargetBasePosition(t models.TargetBasePosition) {
	b.Publish(Event{Topic: TopicTargetBasePosition, TargetBasePosition: &t})
}

func (b *Bus) PublishConnectivity(topic Topic, c models.Connectivity) {
	b.Publish(Event{Topic: topic, Connectivity: c})
}

func (b *Bus) PublishLevels(l models.Levels) {
	b.Publish(Event{Topic: TopicLevels, Levels: &l})
}
