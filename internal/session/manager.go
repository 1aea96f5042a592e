// Package session manages signature-session lifecycle: creation, dispatch,
// state transitions, and expiry.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signature-relay/backend/internal/events"
	"github.com/signature-relay/backend/internal/model"
	"github.com/signature-relay/backend/internal/repository"
	"github.com/signature-relay/backend/internal/ws"
)

// Notifier is the outbound protocol surface the manager dispatches through.
// Implemented by the ws protocol handler.
type Notifier interface {
	SendSignatureRequest(tabletID string, req *ws.SignatureRequestPayload) bool
	NotifyWorkstation(workstationID, sessionID string, success bool, signedAt time.Time, docType model.DocumentType, imageURL string)
	NotifyWorkstationStatus(workstationID, sessionID, state string)
	IsTabletConnected(deviceID string) bool
}

// Config holds configuration for the session manager.
type Config struct {
	// SessionTTL is how long a session stays acceptable after creation.
	SessionTTL time.Duration
	// SweepInterval is how often expired sessions are retired.
	SweepInterval time.Duration
}

// Manager owns signature sessions. The in-memory map holds active
// (non-terminal) sessions for event correlation; the repository is the
// source of truth. Entries in the map are immutable: status changes replace
// the whole entry under the lock, and Get hands out copies, so readers never
// observe a half-updated record. Session status only ever moves forward
// along the transition graph, and expiry is checked before any completion is
// accepted.
type Manager struct {
	repo      *repository.SignatureRepository
	audit     ws.AuditSink
	notifier  Notifier
	publisher *events.Publisher
	logger    zerolog.Logger

	sessionTTL    time.Duration
	sweepInterval time.Duration

	mu     sync.RWMutex
	active map[string]*model.SignatureSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new session manager.
func NewManager(repo *repository.SignatureRepository, audit ws.AuditSink, notifier Notifier, publisher *events.Publisher, config Config, logger zerolog.Logger) *Manager {
	if config.SessionTTL == 0 {
		config.SessionTTL = 5 * time.Minute
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = 30 * time.Second
	}

	return &Manager{
		repo:          repo,
		audit:         audit,
		notifier:      notifier,
		publisher:     publisher,
		logger:        logger.With().Str("component", "sessions").Logger(),
		sessionTTL:    config.SessionTTL,
		sweepInterval: config.SweepInterval,
		active:        make(map[string]*model.SignatureSession),
	}
}

// Start launches the expiry sweep loop.
func (m *Manager) Start() error {
	if m.ctx != nil {
		return errors.New("session manager is already running")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepExpired(time.Now())
			case <-m.ctx.Done():
				return
			}
		}
	}()

	m.logger.Info().Dur("session_ttl", m.sessionTTL).Msg("session manager started")
	return nil
}

// Stop gracefully stops the expiry sweep.
func (m *Manager) Stop() error {
	if m.ctx == nil {
		return errors.New("session manager is not running")
	}

	m.cancel()
	m.wg.Wait()

	m.ctx = nil
	m.cancel = nil
	return nil
}

// Request creates a signature session and dispatches it to the tablet.
// Requesting a signature on a disconnected tablet yields an immediate
// negative result.
func (m *Manager) Request(ctx context.Context, req *model.CreateSignatureRequest) (*model.SignatureSession, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if !m.notifier.IsTabletConnected(req.TabletID) {
		return nil, model.ErrTabletNotConnected
	}

	now := time.Now()
	sess := &model.SignatureSession{
		ID:            uuid.New().String(),
		WorkstationID: req.WorkstationID,
		TabletID:      req.TabletID,
		CompanyID:     req.CompanyID,
		CustomerName:  req.CustomerName,
		Vehicle:       req.Vehicle,
		DocumentType:  req.DocumentType,
		Status:        model.SessionStatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.sessionTTL),
	}

	if err := m.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	payload := &ws.SignatureRequestPayload{
		SessionID:     sess.ID,
		WorkstationID: sess.WorkstationID,
		TenantID:      sess.CompanyID,
		CustomerName:  sess.CustomerName,
		Vehicle:       sess.Vehicle,
		DocumentType:  sess.DocumentType,
		ExpiresAt:     sess.ExpiresAt,
		Timestamp:     now,
	}

	if !m.notifier.SendSignatureRequest(sess.TabletID, payload) {
		// Tablet dropped between the connectivity check and the send.
		if _, err := m.transition(ctx, sess, model.SessionStatusError, nil, ""); err != nil {
			m.logger.Error().Err(err).Str("session_id", sess.ID).Msg("failed to record dispatch failure")
		}
		return nil, model.ErrTabletNotConnected
	}

	sess, err := m.transition(ctx, sess, model.SessionStatusSentToTablet, nil, "")
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[sess.ID] = sess
	m.mu.Unlock()

	m.logger.Info().
		Str("session_id", sess.ID).
		Str("tablet_id", sess.TabletID).
		Str("workstation_id", sess.WorkstationID).
		Msg("signature session dispatched")
	return sess.Clone(), nil
}

// Get retrieves a session by ID, preferring the active map. The returned
// session is a snapshot; later transitions do not show through it.
func (m *Manager) Get(ctx context.Context, id string) (*model.SignatureSession, error) {
	m.mu.RLock()
	sess, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		return sess.Clone(), nil
	}
	return m.repo.GetByID(ctx, id)
}

// ListByCompany retrieves all sessions for a company.
func (m *Manager) ListByCompany(ctx context.Context, companyID string) ([]*model.SignatureSession, error) {
	return m.repo.ListByCompany(ctx, companyID)
}

// Cancel retires a non-terminal session on explicit operator action. The
// cancellation is advisory: the tablet is not pre-empted, and any late
// submission is rejected at acceptance time.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return model.ErrSessionTerminal
	}

	if _, err := m.transition(ctx, sess, model.SessionStatusCancelled, nil, ""); err != nil {
		return err
	}
	m.retire(sess.ID)

	m.logger.Info().Str("session_id", id).Msg("signature session cancelled")
	return nil
}

// HandleTabletStatus advances a session to IN_PROGRESS when the tablet
// reports the signing UI is displayed, and relays the state to the
// originating workstation.
func (m *Manager) HandleTabletStatus(ctx context.Context, tabletID string, p *ws.TabletStatusPayload) {
	sess, err := m.Get(ctx, p.SessionID)
	if err != nil {
		m.logger.Debug().Str("session_id", p.SessionID).Str("tablet_id", tabletID).Msg("status for unknown session")
		return
	}
	if sess.TabletID != tabletID || sess.Status.Terminal() {
		return
	}

	if sess.Status == model.SessionStatusSentToTablet {
		if _, err := m.transition(ctx, sess, model.SessionStatusInProgress, nil, ""); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to mark session in progress")
			return
		}
	}
	m.notifier.NotifyWorkstationStatus(sess.WorkstationID, sess.ID, p.State)
}

// HandleSignatureCompleted accepts a signature submission from a tablet.
// Expiry is enforced before completion: a late submission is rejected, not
// silently converted.
func (m *Manager) HandleSignatureCompleted(ctx context.Context, tabletID string, p *ws.SignatureCompletedPayload) error {
	sess, err := m.Get(ctx, p.SessionID)
	if err != nil {
		return err
	}
	if sess.TabletID != tabletID {
		return model.ErrSessionTabletMismatch
	}

	return m.complete(ctx, sess, p.Success, p.SignedAt, p.SignatureImageURL)
}

// HandleDocumentSubmission accepts a signed-document submission from a
// tablet and reports the session's document type for acknowledgment.
func (m *Manager) HandleDocumentSubmission(ctx context.Context, tabletID string, p *ws.DocumentSubmissionPayload) (model.DocumentType, error) {
	sess, err := m.Get(ctx, p.SessionID)
	if err != nil {
		return "", err
	}
	if sess.TabletID != tabletID {
		return "", model.ErrSessionTabletMismatch
	}

	if err := m.complete(ctx, sess, true, p.SignedAt, p.SignatureImageURL); err != nil {
		return "", err
	}
	return sess.DocumentType, nil
}

// HandleTabletDisconnect fails every in-flight session on a tablet that
// dropped mid-flow.
func (m *Manager) HandleTabletDisconnect(ctx context.Context, tabletID string) {
	m.mu.RLock()
	var inFlight []*model.SignatureSession
	for _, sess := range m.active {
		if sess.TabletID == tabletID && !sess.Status.Terminal() {
			inFlight = append(inFlight, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range inFlight {
		if _, err := m.transition(ctx, sess, model.SessionStatusError, nil, ""); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to fail session on disconnect")
			continue
		}
		m.retire(sess.ID)
		m.notifier.NotifyWorkstation(sess.WorkstationID, sess.ID, false, time.Time{}, sess.DocumentType, "")
		m.logger.Info().Str("session_id", sess.ID).Str("tablet_id", tabletID).Msg("session failed: tablet disconnected mid-flow")
	}
}

// complete runs the shared acceptance path for signature submissions.
func (m *Manager) complete(ctx context.Context, sess *model.SignatureSession, success bool, signedAt time.Time, imageURL string) error {
	if sess.Status.Terminal() {
		if sess.Status == model.SessionStatusExpired {
			return model.ErrSessionExpired
		}
		return model.ErrSessionTerminal
	}

	now := time.Now()
	if sess.ExpiredAt(now) {
		if _, err := m.transition(ctx, sess, model.SessionStatusExpired, nil, ""); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to expire session")
		}
		m.retire(sess.ID)
		return model.ErrSessionExpired
	}

	if !success {
		if _, err := m.transition(ctx, sess, model.SessionStatusError, nil, ""); err != nil {
			return err
		}
		m.retire(sess.ID)
		m.notifier.NotifyWorkstation(sess.WorkstationID, sess.ID, false, time.Time{}, sess.DocumentType, "")
		return nil
	}

	if signedAt.IsZero() {
		signedAt = now
	}
	if _, err := m.transition(ctx, sess, model.SessionStatusCompleted, &signedAt, imageURL); err != nil {
		// The expiry sweep may have retired the session after this goroutine
		// snapshotted it; report that as a late submission.
		if errors.Is(err, model.ErrInvalidTransition) {
			if cur, gerr := m.Get(ctx, sess.ID); gerr == nil && cur.Status == model.SessionStatusExpired {
				return model.ErrSessionExpired
			}
		}
		return err
	}
	m.retire(sess.ID)

	m.recordAudit(ctx, &model.AuditEntry{
		Action:    model.AuditActionSignatureCompleted,
		DeviceID:  sess.TabletID,
		TenantID:  sess.CompanyID,
		SessionID: sess.ID,
	})

	if m.publisher != nil {
		m.publisher.Publish(events.SignatureCaptured{
			SessionID:         sess.ID,
			CompanyID:         sess.CompanyID,
			TabletID:          sess.TabletID,
			DocumentType:      sess.DocumentType,
			SignatureImageURL: imageURL,
			SignedAt:          signedAt,
		})
	}

	m.notifier.NotifyWorkstation(sess.WorkstationID, sess.ID, true, signedAt, sess.DocumentType, imageURL)

	m.logger.Info().
		Str("session_id", sess.ID).
		Str("tablet_id", sess.TabletID).
		Time("signed_at", signedAt).
		Msg("signature completed")
	return nil
}

// transition moves a session along the status graph and persists the
// change. Off-graph moves are rejected with ErrInvalidTransition. The check
// and the entry replacement happen atomically under the lock, against the
// live map entry rather than the caller's snapshot, so two racing writers
// cannot both pass the graph check. The returned session is the new entry.
func (m *Manager) transition(ctx context.Context, sess *model.SignatureSession, next model.SessionStatus, signedAt *time.Time, imageURL string) (*model.SignatureSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, live := m.active[sess.ID]
	if !live {
		current = sess
	}
	if !current.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, current.Status, next)
	}

	var signed sql.NullTime
	if signedAt != nil {
		signed = sql.NullTime{Time: *signedAt, Valid: true}
	}
	if err := m.repo.UpdateStatus(ctx, current.ID, next, signed, imageURL); err != nil {
		return nil, err
	}

	updated := current.Clone()
	updated.Status = next
	if signedAt != nil {
		t := *signedAt
		updated.SignedAt = &t
	}
	if imageURL != "" {
		updated.SignatureImageURL = imageURL
	}
	if live {
		m.active[updated.ID] = updated
	}
	return updated, nil
}

// sweepExpired retires every active session whose deadline has passed. The
// session deadline is independent of connection liveness.
func (m *Manager) sweepExpired(now time.Time) {
	m.mu.RLock()
	var expired []*model.SignatureSession
	for _, sess := range m.active {
		if !sess.Status.Terminal() && sess.ExpiredAt(now) {
			expired = append(expired, sess)
		}
	}
	m.mu.RUnlock()

	ctx := context.Background()
	for _, sess := range expired {
		if _, err := m.transition(ctx, sess, model.SessionStatusExpired, nil, ""); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to expire session")
			continue
		}
		m.retire(sess.ID)
		m.notifier.NotifyWorkstationStatus(sess.WorkstationID, sess.ID, "expired")
		m.logger.Info().Str("session_id", sess.ID).Msg("signature session expired")
	}
}

// ActiveCount returns the number of in-flight sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) retire(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) recordAudit(ctx context.Context, entry *model.AuditEntry) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(ctx, entry); err != nil {
		m.logger.Warn().Err(err).Str("action", string(entry.Action)).Msg("failed to record audit entry")
	}
}
