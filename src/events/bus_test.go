package events

import (
	"testing"
	"time"

	"tradeengine/src/model"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(model.EventPositionOpened, "BTCUSDT", nil)

	for i, ch := range []<-chan model.EngineEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != model.EventPositionOpened || ev.Symbol != "BTCUSDT" {
				t.Fatalf("subscriber %d got unexpected event: %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive the event", i)
		}
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}

	// publishing after unsubscribe must not panic
	bus.Publish(model.EventPositionClosed, "BTCUSDT", nil)
}

func TestBusDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus()

	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBuffer*2; i++ {
			bus.Publish(model.EventPortfolioUpdated, "", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
}
