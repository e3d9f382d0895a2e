package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haasonsaas/tollgate/pkg/models"
)

// ContentType is the media type of a frame stream.
const ContentType = "application/x-tollgate-frames"

// WriteHTTP streams sub to w until the end frame, a write failure or ctx
// cancellation. A heartbeat frame goes out whenever the stream has been idle
// for the heartbeat interval so clients can tell a quiet run from a dead
// connection.
func WriteHTTP(ctx context.Context, w http.ResponseWriter, sub *Subscription, heartbeat time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported by response writer")
	}
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return pump(ctx, sub, heartbeat, func(ev models.StreamEvent) error {
		if err := WriteFrame(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

// pump forwards events from sub to emit, interleaving heartbeats while idle.
func pump(ctx context.Context, sub *Subscription, heartbeat time.Duration, emit func(models.StreamEvent) error) error {
	defer sub.Close()

	type result struct {
		ev  models.StreamEvent
		err error
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan result)
	go func() {
		defer close(events)
		for {
			ev, err := sub.Next(ctx)
			select {
			case events <- result{ev, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			hb := models.NewStreamEvent(sub.RunID(), models.EventHeartbeat, nil)
			if err := emit(hb); err != nil {
				return err
			}
		case r, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if errors.Is(r.err, io.EOF) {
				return nil
			}
			if r.err != nil {
				return r.err
			}
			if err := emit(r.ev); err != nil {
				return err
			}
		}
	}
}
