package audit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/VERAXIS/Core/kernel/internal/canonical"
)

// StreamerConfig configures the durable store-first streamer.
type StreamerConfig struct {
	// BatchSize is how many events to fetch per poll. Default 10.
	BatchSize int

	// PollInterval when there is no work. Default 3s.
	PollInterval time.Duration

	// MaxConcurrency bounds concurrent produce+archive work per batch.
	// Default 5.
	MaxConcurrency int
}

// Streamer ships committed audit events off-box: it polls the store for
// unstreamed events, produces each canonical envelope to the event bus,
// archives it to WORM storage, and marks the row. The store is the source of
// truth for retries — a failed event is simply picked up by a later poll.
// Streaming never blocks or fails an append.
type Streamer struct {
	store    Store
	producer Producer
	archiver Archiver // may be nil when no archive bucket is configured
	cfg      StreamerConfig

	wg sync.WaitGroup
}

// NewStreamer constructs a streamer. Zero cfg fields get defaults.
func NewStreamer(store Store, producer Producer, archiver Archiver, cfg StreamerConfig) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	return &Streamer{
		store:    store,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
	}
}

// Run polls until ctx is cancelled. Run it in a goroutine for non-blocking
// behavior.
func (s *Streamer) Run(ctx context.Context) error {
	log.Printf("[audit.streamer] starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer log.Printf("[audit.streamer] stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		default:
		}

		events, err := s.store.UnstreamedBatch(ctx, s.cfg.BatchSize)
		if err != nil {
			log.Printf("[audit.streamer] fetch batch: %v", err)
			sleepOrDone(ctx, s.cfg.PollInterval)
			continue
		}
		if len(events) == 0 {
			sleepOrDone(ctx, s.cfg.PollInterval)
			continue
		}

		for _, ev := range events {
			select {
			case <-ctx.Done():
			case sem <- struct{}{}:
				s.wg.Add(1)
				go func(ev Event) {
					defer func() {
						<-sem
						s.wg.Done()
					}()
					if err := s.processEvent(ctx, ev); err != nil {
						log.Printf("[audit.streamer] event seq %d: %v", ev.Seq, err)
					}
				}(ev)
			}
		}
		// Drain the batch before fetching more so UnstreamedBatch does not
		// re-claim in-flight events.
		s.wg.Wait()
	}
}

// processEvent performs produce -> archive -> mark for a single event.
func (s *Streamer) processEvent(parent context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	canonBytes, err := canonical.MarshalCanonical(Envelope(ev))
	if err != nil {
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	key := []byte(fmt.Sprintf("%d", ev.Seq))
	if _, err := s.producer.Produce(ctx, key, canonBytes); err != nil {
		return fmt.Errorf("produce: %w", err)
	}

	var archiveKey string
	if s.archiver != nil {
		archiveKey, err = s.archiver.ArchiveEvent(ctx, ev)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}

	if err := s.store.MarkStreamed(parent, ev.Seq, archiveKey); err != nil {
		return fmt.Errorf("mark streamed: %w", err)
	}
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
