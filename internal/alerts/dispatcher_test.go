package alerts

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

func testAlertsConfig() config.AlertsConfig {
	return config.AlertsConfig{
		SuppressionWindow:     30 * time.Second,
		RollingBufferCapacity: 8,
		PublishRetries:        1,
	}
}

func anomalous(id string, cause string) models.AnomalyEvent {
	return models.AnomalyEvent{
		ID:            id,
		FingerprintID: 1,
		Score:         0.9,
		Severity:      models.SeverityHigh,
		Cause:         cause,
		Anomalous:     true,
		Timestamp:     time.Now(),
	}
}

func TestDispatchPublishesAndSuppresses(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	d := NewDispatcher(nil, st, nil, testAlertsConfig())

	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	if got := d.Dispatch(ctx, anomalous("e1", "error-fraction")); got != OutcomePublished {
		t.Fatalf("first dispatch = %v, want published", got)
	}

	now = now.Add(10 * time.Second)
	if got := d.Dispatch(ctx, anomalous("e2", "error-fraction")); got != OutcomeSuppressed {
		t.Fatalf("dispatch inside window = %v, want suppressed", got)
	}

	now = now.Add(25 * time.Second)
	if got := d.Dispatch(ctx, anomalous("e3", "error-fraction")); got != OutcomePublished {
		t.Fatalf("dispatch after window = %v, want published", got)
	}

	published := st.PublishedAlerts()
	if len(published) != 2 {
		t.Fatalf("published %d alerts, want 2", len(published))
	}
}

func TestDispatchSuppressionIsPerCause(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	d := NewDispatcher(nil, st, nil, testAlertsConfig())

	if got := d.Dispatch(ctx, anomalous("e1", "error-fraction")); got != OutcomePublished {
		t.Fatalf("first cause = %v, want published", got)
	}
	if got := d.Dispatch(ctx, anomalous("e2", "volume-delta")); got != OutcomePublished {
		t.Fatalf("second cause = %v, want published", got)
	}
}

func TestDispatchRecordsNonAnomalous(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	d := NewDispatcher(nil, st, nil, testAlertsConfig())

	event := anomalous("e1", "error-fraction")
	event.Anomalous = false
	event.Score = 0.2
	event.Severity = models.SeverityLow

	if got := d.Dispatch(ctx, event); got != OutcomeRecorded {
		t.Fatalf("dispatch = %v, want recorded", got)
	}
	if len(st.PublishedAlerts()) != 0 {
		t.Error("non-anomalous event published an alert")
	}
	if recent := d.Recent(10, 0); len(recent) != 1 {
		t.Errorf("recent = %d events, want 1", len(recent))
	}
}

func TestDispatchDropsAfterPublishFailures(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	st.PublishFunc = func(models.AlertEvent) error { return errors.New("channel down") }
	d := NewDispatcher(nil, st, nil, testAlertsConfig())

	if got := d.Dispatch(ctx, anomalous("e1", "error-fraction")); got != OutcomeDropped {
		t.Fatalf("dispatch = %v, want dropped", got)
	}

	// A dropped publish must not open the suppression window.
	st.PublishFunc = nil
	if got := d.Dispatch(ctx, anomalous("e2", "error-fraction")); got != OutcomePublished {
		t.Fatalf("dispatch after recovery = %v, want published", got)
	}
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	attempts := 0
	st.PublishFunc = func(models.AlertEvent) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	}
	cfg := testAlertsConfig()
	cfg.PublishRetries = 3
	d := NewDispatcher(nil, st, nil, cfg)

	if got := d.Dispatch(ctx, anomalous("e1", "error-fraction")); got != OutcomePublished {
		t.Fatalf("dispatch = %v, want published after retry", got)
	}
	if attempts != 2 {
		t.Errorf("publish attempts = %d, want 2", attempts)
	}
}

func TestRecentEvictsOldestNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	cfg := testAlertsConfig()
	cfg.RollingBufferCapacity = 3
	d := NewDispatcher(nil, st, nil, cfg)

	for i := 0; i < 5; i++ {
		event := anomalous(fmt.Sprintf("e%d", i), "error-fraction")
		event.Anomalous = false
		event.FingerprintID = uint64(i)
		d.Dispatch(ctx, event)
	}

	recent := d.Recent(10, 0)
	if len(recent) != 3 {
		t.Fatalf("recent = %d events, want 3", len(recent))
	}
	for i, want := range []uint64{4, 3, 2} {
		if recent[i].FingerprintID != want {
			t.Errorf("recent[%d] fingerprint = %d, want %d", i, recent[i].FingerprintID, want)
		}
	}

	page := d.Recent(1, 1)
	if len(page) != 1 || page[0].FingerprintID != 3 {
		t.Errorf("offset page = %+v, want fingerprint 3", page)
	}
}

func TestPublishedEventsCarryFlagAndReachHub(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(store.MemoryConfig{})
	hub := NewHub()
	sub := hub.Subscribe(4)
	defer hub.Unsubscribe(sub)

	d := NewDispatcher(nil, st, hub, testAlertsConfig())
	if got := d.Dispatch(ctx, anomalous("e1", "error-fraction")); got != OutcomePublished {
		t.Fatalf("dispatch = %v, want published", got)
	}

	recent := d.Recent(1, 0)
	if len(recent) != 1 || !recent[0].Published {
		t.Error("published event not flagged in rolling buffer")
	}

	select {
	case alert := <-sub:
		if alert.ID != "e1" {
			t.Errorf("hub alert id = %q, want e1", alert.ID)
		}
	default:
		t.Error("alert did not reach hub subscriber")
	}
}

func TestRunConsumesChannel(t *testing.T) {
	st := store.NewMemoryStore(store.MemoryConfig{})
	d := NewDispatcher(nil, st, nil, testAlertsConfig())

	in := make(chan models.AnomalyEvent, 2)
	in <- anomalous("e1", "error-fraction")
	close(in)

	d.Run(context.Background(), in)

	if len(st.PublishedAlerts()) != 1 {
		t.Errorf("published %d alerts, want 1", len(st.PublishedAlerts()))
	}
}
