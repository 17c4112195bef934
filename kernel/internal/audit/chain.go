package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/VERAXIS/Core/kernel/internal/canonical"
	"github.com/VERAXIS/Core/kernel/internal/signer"
)

// ChainConfig configures the chain appender.
type ChainConfig struct {
	// QueueDepth bounds in-flight appends; a full queue fails fast with
	// ErrChainBusy. Default 64.
	QueueDepth int

	// CommitTimeout bounds one append's sign+insert, independent of the
	// caller's deadline. Default 10s.
	CommitTimeout time.Duration
}

// Chain is the single logical writer of an audit chain. One goroutine owns the
// tail: it consumes append requests from a bounded queue, computes the next
// link, signs its hash, and commits. Readers go straight to the Store and
// never block the writer.
type Chain struct {
	store    Store
	provider signer.Provider
	cfg      ChainConfig
	metrics  *Metrics

	queue chan appendReq

	mu         sync.Mutex
	halted     *IntegrityError
	startOnce  sync.Once
	stopOnce   sync.Once
	stopCh     chan struct{}
	doneCh     chan struct{}
}

type appendReq struct {
	eventType string
	payload   interface{}
	reply     chan appendResult
}

type appendResult struct {
	ev  Event
	err error
}

// NewChain builds a Chain. Call Start before Append.
func NewChain(store Store, provider signer.Provider, cfg ChainConfig) *Chain {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	return &Chain{
		store:    store,
		provider: provider,
		cfg:      cfg,
		metrics:  NewMetrics(),
		queue:    make(chan appendReq, cfg.QueueDepth),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the writer goroutine. Safe to call once.
func (c *Chain) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Stop drains nothing: queued requests are completed, new ones rejected.
func (c *Chain) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
	})
}

// Metrics returns the chain's counters.
func (c *Chain) Metrics() *Metrics { return c.metrics }

// Append canonicalizes payload, links it to the tail, signs the hash and
// commits. It blocks until the commit finishes or ctx is cancelled — but a
// request that already reached the writer is completed regardless of caller
// cancellation: once a digest has been signed the commit must land.
func (c *Chain) Append(ctx context.Context, eventType string, payload interface{}) (Event, error) {
	if err := c.haltedErr(); err != nil {
		return Event{}, err
	}
	req := appendReq{
		eventType: eventType,
		payload:   payload,
		reply:     make(chan appendResult, 1),
	}
	select {
	case c.queue <- req:
	default:
		c.metrics.busyRejected()
		return Event{}, ErrChainBusy
	}
	select {
	case res := <-req.reply:
		return res.ev, res.err
	case <-ctx.Done():
		// The writer still owns the request and will commit it.
		return Event{}, ctx.Err()
	}
}

func (c *Chain) run() {
	defer close(c.doneCh)
	log.Printf("[audit.chain] writer started (queue=%d)", c.cfg.QueueDepth)
	for {
		select {
		case <-c.stopCh:
			// Complete whatever is already queued, then exit.
			for {
				select {
				case req := <-c.queue:
					c.serve(req)
				default:
					log.Printf("[audit.chain] writer stopped")
					return
				}
			}
		case req := <-c.queue:
			c.serve(req)
		}
	}
}

func (c *Chain) serve(req appendReq) {
	if err := c.haltedErr(); err != nil {
		req.reply <- appendResult{err: err}
		return
	}
	// The writer's deadline is its own: caller cancellation must not abort a
	// commit whose signature already exists.
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommitTimeout)
	ev, err := c.appendOne(ctx, req.eventType, req.payload)
	cancel()
	req.reply <- appendResult{ev: ev, err: err}
}

func (c *Chain) appendOne(ctx context.Context, eventType string, payload interface{}) (Event, error) {
	canon, err := canonical.MarshalCanonical(payload)
	if err != nil {
		return Event{}, fmt.Errorf("canonicalize payload: %w", err)
	}

	headSeq, headHash, err := c.store.Head(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("read chain head: %w", err)
	}

	digest := chainDigest(canon, headHash)

	sig, err := c.provider.SignDigest(ctx, digest, signer.PurposeAudit)
	if err != nil {
		if errors.Is(err, signer.ErrUnavailable) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("sign chain digest: %w", err)
	}

	ev := Event{
		Seq:       headSeq + 1,
		EventType: eventType,
		Payload:   canon,
		PrevHash:  headHash,
		Hash:      digest,
		Signature: sig.Sig,
		SignerKID: sig.KID,
		CreatedAt: time.Now().UTC(),
	}

	if err := c.store.AppendEvent(ctx, ev); err != nil {
		// The single writer read the head itself, so a tail conflict means
		// something else wrote to this chain's table. That is corruption, not
		// contention: halt until an operator has looked.
		ie := &IntegrityError{Seq: ev.Seq, Reason: ReasonPrevLinkBroken, Err: err}
		if !errors.Is(err, ErrConflict) {
			ie.Reason = "store_append_failed"
		}
		c.halt(ie)
		return Event{}, ie
	}

	c.metrics.appended(ev.Seq)
	return ev, nil
}

func (c *Chain) halt(ie *IntegrityError) {
	c.mu.Lock()
	if c.halted == nil {
		c.halted = ie
	}
	c.mu.Unlock()
	c.metrics.setHalted(ie.Error())
	log.Printf("[audit.chain] HALTED: %v", ie)
}

func (c *Chain) haltedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.halted != nil {
		return fmt.Errorf("%w: %v", ErrChainHalted, c.halted)
	}
	return nil
}
