package events

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeengine/src/model"
)

const defaultBuffer = 64

// Bus broadcasts engine events to any number of subscribers. Publishing
// never blocks: a subscriber that cannot keep up loses events instead of
// stalling the engine.
type Bus struct {
	mu   sync.Mutex
	subs map[chan model.EngineEvent]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan model.EngineEvent]struct{})}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe() (<-chan model.EngineEvent, func()) {
	ch := make(chan model.EngineEvent, defaultBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

// Publish delivers the event to every subscriber with room in its buffer.
func (b *Bus) Publish(eventType model.EventType, symbol string, payload interface{}) {
	event := model.EngineEvent{
		Type:      eventType,
		Symbol:    symbol,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			logger.WithFields(map[string]interface{}{
				"type":   eventType,
				"symbol": symbol,
			}).Warn("event subscriber buffer full, dropping event")
		}
	}
}
