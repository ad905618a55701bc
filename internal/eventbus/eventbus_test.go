// ABOUTME: Tests for the typed event bus
// ABOUTME: Covers callback and channel subscribers, drop accounting, and close

package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	t.Parallel()

	bus := New[string]()
	var received string

	bus.Subscribe(func(s string) {
		received = s
	})

	bus.Publish("hello")

	if received != "hello" {
		t.Errorf("received = %q, want %q", received, "hello")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	t.Parallel()

	bus := New[int]()
	var sum int
	var mu sync.Mutex

	for range 3 {
		bus.Subscribe(func(n int) {
			mu.Lock()
			sum += n
			mu.Unlock()
		})
	}

	bus.Publish(10)

	mu.Lock()
	defer mu.Unlock()
	if sum != 30 {
		t.Errorf("sum = %d, want 30", sum)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()

	bus := New[string]()
	called := false

	unsub := bus.Subscribe(func(_ string) {
		called = true
	})

	unsub()
	bus.Publish("test")

	if called {
		t.Error("handler should not be called after unsubscribe")
	}
}

func TestBus_Count(t *testing.T) {
	t.Parallel()

	bus := New[int]()

	unsub1 := bus.Subscribe(func(_ int) {})
	bus.Subscribe(func(_ int) {})

	if bus.Count() != 2 {
		t.Errorf("Count() = %d, want 2", bus.Count())
	}

	unsub1()
	if bus.Count() != 1 {
		t.Errorf("Count() = %d, want 1", bus.Count())
	}
}

func TestBus_SubscribeChanDelivers(t *testing.T) {
	t.Parallel()

	bus := New[string]()
	ch, unsub := bus.SubscribeChan(4)
	defer unsub()

	bus.Publish("a")
	bus.Publish("b")

	for _, want := range []string{"a", "b"} {
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no event %q delivered", want)
		}
	}
}

func TestBus_SubscribeChanDropsWhenFull(t *testing.T) {
	t.Parallel()

	bus := New[int]()
	ch, unsub := bus.SubscribeChan(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		bus.Publish(1)
		bus.Publish(2)
		bus.Publish(3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := bus.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	if got := <-ch; got != 1 {
		t.Errorf("first event = %d, want 1", got)
	}
}

func TestBus_OnDropCalledPerSkippedDelivery(t *testing.T) {
	t.Parallel()

	bus := New[int]()
	var drops int
	bus.OnDrop(func() { drops++ })
	_, unsub := bus.SubscribeChan(1)
	defer unsub()

	for i := range 4 {
		bus.Publish(i)
	}
	if drops != 3 {
		t.Errorf("OnDrop calls = %d, want 3", drops)
	}
	if got := bus.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestBus_UnsubscribeClosesChan(t *testing.T) {
	t.Parallel()

	bus := New[int]()
	ch, unsub := bus.SubscribeChan(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	bus.Publish(1)
	if bus.Count() != 0 {
		t.Errorf("Count() = %d, want 0", bus.Count())
	}
}

func TestBus_Close(t *testing.T) {
	t.Parallel()

	bus := New[string]()
	ch, _ := bus.SubscribeChan(1)
	called := false
	bus.Subscribe(func(string) { called = true })

	bus.Close()
	bus.Close()
	bus.Publish("late")

	if called {
		t.Error("handler called after Close")
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed by Close")
	}

	late, _ := bus.SubscribeChan(1)
	if _, ok := <-late; ok {
		t.Error("subscription after Close should be closed immediately")
	}
	if bus.Count() != 0 {
		t.Errorf("Count() = %d, want 0", bus.Count())
	}
}

func TestBus_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := New[int]()
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				bus.Publish(i)
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				ch, unsub := bus.SubscribeChan(2)
				unsub()
				for range ch {
				}
			}
		}()
	}
	wg.Wait()
}
