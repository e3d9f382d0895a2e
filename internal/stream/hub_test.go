package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/tollgate/pkg/models"
)

func delta(runID, text string) models.StreamEvent {
	return models.NewStreamEvent(runID, models.EventMessageDelta, models.DeltaPayload{Text: text})
}

func TestHub_OrderedDelivery(t *testing.T) {
	hub := NewHub()
	sub1 := hub.Subscribe("run-1")
	sub2 := hub.Subscribe("run-1")
	other := hub.Subscribe("run-2")
	defer other.Close()

	words := []string{"Hel", "lo, ", "wor", "ld"}
	for _, w := range words {
		hub.Publish(delta("run-1", w))
	}
	hub.Publish(models.NewStreamEvent("run-1", models.EventEnd, models.EndPayload{Status: models.RunCompleted}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, sub := range []*Subscription{sub1, sub2} {
		events, err := Drain(ctx, sub)
		if err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		if len(events) != len(words)+1 {
			t.Fatalf("len(events) = %d, want %d", len(events), len(words)+1)
		}
		var text strings.Builder
		for i, ev := range events {
			if ev.Sequence != uint64(i+1) {
				t.Errorf("events[%d].Sequence = %d", i, ev.Sequence)
			}
			if ev.Kind == models.EventMessageDelta {
				var p models.DeltaPayload
				_ = ev.Decode(&p)
				text.WriteString(p.Text)
			}
		}
		if text.String() != "Hello, world" {
			t.Errorf("rebuilt text = %q", text.String())
		}
	}

	if hub.Subscribers("run-1") != 0 {
		t.Errorf("subscribers remain after end")
	}
	if hub.Subscribers("run-2") != 1 {
		t.Errorf("unrelated run lost its subscriber")
	}
}

func TestHub_EndClosesSegment(t *testing.T) {
	hub := NewHub()
	first := hub.Subscribe("run-1")
	hub.Publish(models.NewStreamEvent("run-1", models.EventInterrupt, models.InterruptPayload{}))
	hub.Publish(models.NewStreamEvent("run-1", models.EventEnd, models.EndPayload{Status: models.RunInterrupted}))

	// Events after the end belong to the next segment.
	second := hub.Subscribe("run-1")
	hub.Publish(delta("run-1", "resumed"))
	hub.Publish(models.NewStreamEvent("run-1", models.EventEnd, models.EndPayload{Status: models.RunCompleted}))

	ctx := context.Background()
	firstEvents, _ := Drain(ctx, first)
	secondEvents, _ := Drain(ctx, second)

	if len(firstEvents) != 2 || firstEvents[0].Kind != models.EventInterrupt {
		t.Fatalf("first segment = %+v", firstEvents)
	}
	if len(secondEvents) != 2 || secondEvents[0].Kind != models.EventMessageDelta {
		t.Fatalf("second segment = %+v", secondEvents)
	}
	if secondEvents[0].Sequence != 3 {
		t.Errorf("sequence continues across segments: got %d, want 3", secondEvents[0].Sequence)
	}
	if _, err := first.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after end error = %v, want EOF", err)
	}
}

func TestHub_SlowSubscriberLosesNothing(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("run-1")

	const n = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			hub.Publish(delta("run-1", "x"))
		}
		hub.Publish(models.NewStreamEvent("run-1", models.EventEnd, nil))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := Drain(ctx, sub)
	wg.Wait()
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(events) != n+1 {
		t.Errorf("received %d events, want %d", len(events), n+1)
	}
}

func TestSubscription_NextHonorsContext(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("run-1")
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() error = %v, want deadline exceeded", err)
	}
}

func TestHub_Forget(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("run-1")
	hub.Forget("run-1")
	if _, err := sub.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after Forget error = %v, want EOF", err)
	}
}
