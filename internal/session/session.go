// Package session implements the C4 session lifecycle manager: the Account
// state machine (active/degraded/revoked) and its recovery task (spec §4.4).
package session

import (
	"context"
	"sync"
	"time"

	"github.com/sattva2020/tg-video-stream-sub003/internal/coreerr"
	"github.com/sattva2020/tg-video-stream-sub003/internal/domain"
	"github.com/sattva2020/tg-video-stream-sub003/internal/eventhub"
	"github.com/sattva2020/tg-video-stream-sub003/internal/log"
	"github.com/sattva2020/tg-video-stream-sub003/internal/relstore"
)

// CredentialValidator performs the non-interactive "validate credential"
// no-op against the transport; recovery succeeds only on a positive result.
// It MUST NOT attempt interactive re-authentication.
type CredentialValidator interface {
	Validate(ctx context.Context, account domain.Account) error
}

// WorkerStopper transitions every worker bound to an account to stopped,
// within the bounded timeout C8 enforces. Implemented by control.Controller.
type WorkerStopper interface {
	StopAllForAccount(ctx context.Context, accountID string) error
}

// accountDB narrows relstore.DB to the Accounts repo this manager needs.
type accountDB interface {
	Accounts() *relstore.AccountRepo
}

// Manager owns the Account FSM and its recovery tasks. Recovery retries at
// initialBackoff, doubling up to maxBackoff, up to maxAttempts consecutive
// failures before giving up and revoking the account — spec §9 leaves the
// give-up condition to the implementer; see DESIGN.md.
type Manager struct {
	db        accountDB
	validator CredentialValidator
	stopper   WorkerStopper
	hub       *eventhub.Hub

	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxAttempts    int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Manager.
func New(db accountDB, validator CredentialValidator, stopper WorkerStopper, hub *eventhub.Hub, initialBackoff, maxBackoff time.Duration) *Manager {
	return &Manager{
		db:             db,
		validator:      validator,
		stopper:        stopper,
		hub:            hub,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		maxAttempts:    10,
		cancels:        make(map[string]context.CancelFunc),
	}
}

// ReportAuthError is called when a worker's transport layer classifies a
// failure as transport_auth_error. It moves the account to degraded
// (no-op if already degraded/revoked), stops every worker bound to it, and
// starts the recovery task.
func (m *Manager) ReportAuthError(ctx context.Context, accountID string) error {
	ok, err := m.db.Accounts().CompareAndSwapState(ctx, accountID, domain.AccountActive, domain.AccountDegraded)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	m.publishAlert("warning", "session_degraded", accountID)

	if m.stopper != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := m.stopper.StopAllForAccount(stopCtx, accountID); err != nil {
			log.WithComponent("session").Warn().Err(err).Str("account_id", accountID).Msg("failed to stop workers for degraded account")
		}
	}

	m.startRecovery(accountID)
	return nil
}

// Revoke is the operator-initiated terminal transition.
func (m *Manager) Revoke(ctx context.Context, accountID string) error {
	acc, err := m.db.Accounts().Get(ctx, accountID)
	if err != nil {
		return err
	}
	ok, err := m.db.Accounts().CompareAndSwapState(ctx, accountID, acc.State, domain.AccountRevoked)
	if err != nil {
		return err
	}
	if !ok {
		return coreerr.New(coreerr.KindConflict, "concurrent_state_change", "account state changed concurrently")
	}
	m.cancelRecovery(accountID)
	return nil
}

// CheckStartAllowed is C8's atomicity gate (spec §4.4: "any attempt to
// start a worker bound to that account MUST fail with session_unavailable"
// unless the account is active).
func (m *Manager) CheckStartAllowed(ctx context.Context, accountID string) error {
	acc, err := m.db.Accounts().Get(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.State != domain.AccountActive {
		return coreerr.New(coreerr.KindConflict, "session_unavailable", "account is not active")
	}
	return nil
}

// Stop cancels every in-flight recovery task, for clean process shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = make(map[string]context.CancelFunc)
}

func (m *Manager) cancelRecovery(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[accountID]; ok {
		cancel()
		delete(m.cancels, accountID)
	}
}

func (m *Manager) startRecovery(accountID string) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if existing, ok := m.cancels[accountID]; ok {
		existing()
	}
	m.cancels[accountID] = cancel
	m.mu.Unlock()

	go m.runRecovery(ctx, accountID)
}

func (m *Manager) runRecovery(ctx context.Context, accountID string) {
	defer func() {
		m.mu.Lock()
		delete(m.cancels, accountID)
		m.mu.Unlock()
	}()

	backoff := m.initialBackoff
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		acc, err := m.db.Accounts().Get(ctx, accountID)
		if err != nil {
			continue
		}
		if acc.State != domain.AccountDegraded {
			return
		}

		attempts++
		if verr := m.validator.Validate(ctx, acc); verr == nil {
			if ok, err := m.db.Accounts().CompareAndSwapState(ctx, accountID, domain.AccountDegraded, domain.AccountActive); err == nil && ok {
				_ = touchValidated(ctx, m.db, accountID)
				return
			}
			continue
		}

		if attempts >= m.maxAttempts {
			_, _ = m.db.Accounts().CompareAndSwapState(ctx, accountID, domain.AccountDegraded, domain.AccountRevoked)
			m.publishAlert("error", "session_revoked", accountID)
			return
		}

		backoff *= 2
		if backoff > m.maxBackoff {
			backoff = m.maxBackoff
		}
	}
}

func touchValidated(ctx context.Context, db accountDB, accountID string) error {
	return db.Accounts().TouchValidated(ctx, accountID, time.Now())
}

func (m *Manager) publishAlert(level, code, accountID string) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(eventhub.Event{
		Type: eventhub.EventSystemAlert,
		Payload: map[string]any{
			"level":      level,
			"code":       code,
			"account_id": accountID,
		},
	})
}
