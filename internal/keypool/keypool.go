// Package keypool manages the pool of upstream API credentials. It owns
// credential CRUD, the fairness-ordered candidate list used by dispatch,
// automatic demotion of rejected credentials, and usage accounting.
//
// The pool keeps no process-local credential state: every operation goes
// through the store, so any number of concurrent handlers (or processes)
// observe the same pool. Ordering is a best-effort fairness hint under
// concurrent load, not a lock.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/openchat-hq/keyrelay/internal/store"
)

// keyPrefix namespaces credential records within the store.
const keyPrefix = "apikey:"

var (
	// ErrNotFound is returned when an operation references a credential
	// id that does not exist. Remove shares this policy: removing a
	// missing id is an error, consistent with SetActive.
	ErrNotFound = errors.New("credential not found")

	// ErrEmptySecret is returned by Add for an empty secret value.
	ErrEmptySecret = errors.New("credential secret is empty")
)

// Credential is one upstream API key record. Secret is sealed while the
// record sits in the store; Manager methods return the decrypted view.
type Credential struct {
	ID         string     `json:"id"`
	Secret     string     `json:"secret"`
	Active     bool       `json:"active"`
	UsageCount int64      `json:"usage_count"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Candidate is the minimal view handed to the dispatch engine.
type Candidate struct {
	ID     string
	Secret string
}

// Sealer seals and opens credential secrets for storage at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Manager provides credential pool operations over a Store.
// It is safe for concurrent use; the store is the only shared state.
type Manager struct {
	store  store.Store
	sealer Sealer
	logger *slog.Logger
	now    func() time.Time
}

// New creates a pool manager.
func New(s store.Store, sealer Sealer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		sealer: sealer,
		logger: logger.With("component", "keypool"),
		now:    time.Now,
	}
}

// Add validates and persists a new credential. The record starts active
// with zero usage. The returned record carries the plaintext secret.
func (m *Manager) Add(ctx context.Context, secretValue string) (*Credential, error) {
	if secretValue == "" {
		return nil, ErrEmptySecret
	}

	sealed, err := m.sealer.Seal(secretValue)
	if err != nil {
		return nil, fmt.Errorf("seal secret: %w", err)
	}

	cred := &Credential{
		ID:        uuid.New().String(),
		Secret:    sealed,
		Active:    true,
		CreatedAt: m.now().UTC(),
	}
	if err := m.put(ctx, cred); err != nil {
		return nil, err
	}

	m.logger.Info("credential added", "id", cred.ID)

	view := *cred
	view.Secret = secretValue
	return &view, nil
}

// Remove deletes a credential unconditionally. Returns ErrNotFound when
// the id does not exist; a second Remove for the same id therefore
// fails the same way every time.
func (m *Manager) Remove(ctx context.Context, id string) error {
	cred, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, keyPrefix+cred.ID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	m.logger.Info("credential removed", "id", id)
	return nil
}

// SetActive toggles the administrative active flag.
func (m *Manager) SetActive(ctx context.Context, id string, active bool) error {
	cred, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	cred.Active = active
	if err := m.put(ctx, cred); err != nil {
		return err
	}
	m.logger.Info("credential toggled", "id", id, "active", active)
	return nil
}

// MarkFailed demotes a credential after the upstream rejected it as
// invalid. This is the only automatic state transition; transient
// upstream conditions must not reach here. Usage counters are left
// untouched: a rejected key was never used.
func (m *Manager) MarkFailed(ctx context.Context, id string) error {
	cred, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	cred.Active = false
	if err := m.put(ctx, cred); err != nil {
		return err
	}
	m.logger.Warn("credential demoted after upstream rejection", "id", id)
	return nil
}

// RecordUsage bumps the usage counter and last-used timestamp. Callers
// invoke it only after at least one content chunk actually reached the
// requester.
func (m *Manager) RecordUsage(ctx context.Context, id string) error {
	cred, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	cred.UsageCount++
	used := m.now().UTC()
	cred.LastUsedAt = &used
	return m.put(ctx, cred)
}

// ListCandidates returns the decrypted dispatch candidates: every
// active credential, least-used first. Repeated calls with an unchanged
// pool return the same order.
func (m *Manager) ListCandidates(ctx context.Context) ([]Candidate, error) {
	creds, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	active := creds[:0]
	for _, c := range creds {
		if c.Active {
			active = append(active, c)
		}
	}
	sortByFairness(active)

	out := make([]Candidate, 0, len(active))
	for _, c := range active {
		plain, err := m.sealer.Open(c.Secret)
		if err != nil {
			// A record we cannot decrypt is unusable; skip it rather
			// than failing the whole dispatch.
			m.logger.Error("credential unreadable, skipping", "id", c.ID, "error", err)
			continue
		}
		out = append(out, Candidate{ID: c.ID, Secret: plain})
	}
	return out, nil
}

// List returns every credential record, active and inactive, ordered by
// creation time for a stable administrative view. Secrets stay sealed;
// the admin surface redacts them anyway.
func (m *Manager) List(ctx context.Context) ([]*Credential, error) {
	creds, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(creds, func(i, j int) bool {
		if !creds[i].CreatedAt.Equal(creds[j].CreatedAt) {
			return creds[i].CreatedAt.Before(creds[j].CreatedAt)
		}
		return creds[i].ID < creds[j].ID
	})
	return creds, nil
}

// ResetUsage zeroes the usage counters of the whole pool. This is the
// only path by which a usage count ever decreases.
func (m *Manager) ResetUsage(ctx context.Context) error {
	creds, err := m.load(ctx)
	if err != nil {
		return err
	}
	for _, c := range creds {
		c.UsageCount = 0
		c.LastUsedAt = nil
		if err := m.put(ctx, c); err != nil {
			return err
		}
	}
	m.logger.Info("pool usage counters reset", "credentials", len(creds))
	return nil
}

func (m *Manager) get(ctx context.Context, id string) (*Credential, error) {
	raw, err := m.store.Get(ctx, keyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", id, err)
	}
	return &cred, nil
}

func (m *Manager) put(ctx context.Context, cred *Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := m.store.Put(ctx, keyPrefix+cred.ID, raw, 0); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

func (m *Manager) load(ctx context.Context) ([]*Credential, error) {
	keys, err := m.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	creds := make([]*Credential, 0, len(keys))
	for _, key := range keys {
		raw, err := m.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load credential: %w", err)
		}
		if raw == nil {
			// Deleted between list and get; fine under weak consistency.
			continue
		}
		var cred Credential
		if err := json.Unmarshal(raw, &cred); err != nil {
			m.logger.Error("skipping undecodable credential record", "key", key, "error", err)
			continue
		}
		creds = append(creds, &cred)
	}
	return creds, nil
}
