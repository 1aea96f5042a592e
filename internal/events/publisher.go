// Package events hands completed signatures to downstream document
// processing through an in-process publishing channel.
package events

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/signature-relay/backend/internal/buffer"
	"github.com/signature-relay/backend/internal/model"
)

// SignatureCaptured is published once a session reaches COMPLETED. Delivery
// is best-effort and in-process; a subscriber that cannot keep up loses
// events rather than blocking the protocol layer.
type SignatureCaptured struct {
	SessionID         string             `json:"sessionId"`
	CompanyID         string             `json:"companyId"`
	TabletID          string             `json:"tabletId"`
	DocumentType      model.DocumentType `json:"documentType"`
	SignatureImageURL string             `json:"signatureImageUrl"`
	SignedAt          time.Time          `json:"signedAt"`
}

// Subscriber consumes published signature events.
type Subscriber func(event SignatureCaptured)

// Publisher fans completed-signature events out to subscribers from a single
// dispatch goroutine, and retains a bounded ring of recent events for the
// health endpoint.
type Publisher struct {
	queue  chan SignatureCaptured
	recent *buffer.Ring[SignatureCaptured]
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers []Subscriber

	done   chan struct{}
	closed bool
}

// NewPublisher creates a publisher with the given queue depth and recent
// history size.
func NewPublisher(queueSize, historySize int, logger zerolog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &Publisher{
		queue:  make(chan SignatureCaptured, queueSize),
		recent: buffer.NewRing[SignatureCaptured](historySize),
		logger: logger.With().Str("component", "events").Logger(),
		done:   make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Subscribe registers a consumer for future events.
func (p *Publisher) Subscribe(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, s)
}

// Publish enqueues an event. It never blocks: when the queue is full the
// event is dropped and logged. The read lock is held across the send so
// Close cannot close the queue under an in-flight publish.
func (p *Publisher) Publish(event SignatureCaptured) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("publisher is closed")
	}

	select {
	case p.queue <- event:
		return nil
	default:
		p.logger.Warn().Str("session_id", event.SessionID).Msg("event queue full, dropping signature event")
		return errors.New("event queue full")
	}
}

// Recent returns the retained recent events, oldest first.
func (p *Publisher) Recent() []SignatureCaptured {
	return p.recent.Snapshot()
}

// Close stops the dispatch loop after draining queued events.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
}

func (p *Publisher) dispatch() {
	defer close(p.done)
	for event := range p.queue {
		p.recent.Push(event)

		p.mu.RLock()
		subs := make([]Subscriber, len(p.subscribers))
		copy(subs, p.subscribers)
		p.mu.RUnlock()

		for _, s := range subs {
			s(event)
		}
		p.logger.Debug().Str("session_id", event.SessionID).Msg("signature event dispatched")
	}
}
