package persistence

import (
	"CollateralVault/internal/core"
	"CollateralVault/internal/custody"
	"CollateralVault/internal/event"
	"CollateralVault/internal/vault"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. One mutex serializes write
// transactions; writes are staged on copies and swapped in on success.
type MemoryStore struct {
	mu       sync.RWMutex
	vaults   map[vault.Address]*vault.CollateralVault
	ledger   *custody.MemoryLedger
	outbox   []outboxEntry
	requests []processedRequest
	claimed  map[string]struct{}
}

type outboxEntry struct {
	env       event.Envelope
	published bool
}

type processedRequest struct {
	id        string
	operation string
	vault     vault.Address
	at        time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults:  make(map[vault.Address]*vault.CollateralVault),
		ledger:  custody.NewMemoryLedger(),
		claimed: make(map[string]struct{}),
	}
}

// FundAccount credits amount to a token account outside any vault
// operation, creating it if needed. Source accounts are funded this way.
func (s *MemoryStore) FundAccount(_ context.Context, addr, mint, authority vault.Address, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.MintTo(addr, mint, authority, amount)
}

// Account reads a committed token account.
func (s *MemoryStore) Account(ctx context.Context, addr vault.Address) (custody.TokenAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Account(ctx, addr)
}

func (s *MemoryStore) Update(ctx context.Context, _ vault.Address, fn func(tx core.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:   s,
		vaults:  make(map[vault.Address]*vault.CollateralVault),
		ledger:  s.ledger.Clone(),
		claimed: make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for addr, v := range tx.vaults {
		s.vaults[addr] = v
	}
	s.ledger = tx.ledger
	for _, env := range tx.events {
		s.outbox = append(s.outbox, outboxEntry{env: env})
	}
	for _, req := range tx.requests {
		s.claimed[req.id] = struct{}{}
		s.requests = append(s.requests, req)
	}
	return nil
}

func (s *MemoryStore) GetVault(_ context.Context, addr vault.Address) (*vault.CollateralVault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.vaults[addr]
	if !ok {
		return nil, vault.Errorf(vault.CodeVaultNotFound, "vault %s", addr)
	}
	return v.Clone(), nil
}

func (s *MemoryStore) ListVaults(_ context.Context, owner vault.Address) ([]*vault.CollateralVault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*vault.CollateralVault
	for _, v := range s.vaults {
		if v.Owner == owner {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VaultIndex < out[j].VaultIndex })
	return out, nil
}

func (s *MemoryStore) RecentRequestIDs(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, limit)
	for i := len(s.requests) - 1; i >= 0 && len(ids) < limit; i-- {
		ids = append(ids, s.requests[i].id)
	}
	return ids, nil
}

// FetchPending returns unpublished envelopes in commit order.
func (s *MemoryStore) FetchPending(_ context.Context, limit int) ([]event.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Envelope
	for _, e := range s.outbox {
		if len(out) >= limit {
			break
		}
		if !e.published {
			out = append(out, e.env)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for i := range s.outbox {
		if _, ok := set[s.outbox[i].env.ID]; ok {
			s.outbox[i].published = true
		}
	}
	return nil
}

// VaultEvents returns every envelope appended for addr, in sequence order.
func (s *MemoryStore) VaultEvents(_ context.Context, addr vault.Address) ([]event.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Envelope
	for _, e := range s.outbox {
		if e.env.Vault == addr {
			out = append(out, e.env)
		}
	}
	return out, nil
}

type memTx struct {
	store    *MemoryStore
	vaults   map[vault.Address]*vault.CollateralVault
	ledger   *custody.MemoryLedger
	events   []event.Envelope
	requests []processedRequest
	claimed  map[string]struct{}
}

func (tx *memTx) LoadVault(_ context.Context, addr vault.Address) (*vault.CollateralVault, error) {
	if v, ok := tx.vaults[addr]; ok {
		return v.Clone(), nil
	}
	if v, ok := tx.store.vaults[addr]; ok {
		return v.Clone(), nil
	}
	return nil, vault.Errorf(vault.CodeVaultNotFound, "vault %s", addr)
}

func (tx *memTx) InsertVault(_ context.Context, v *vault.CollateralVault) error {
	_, staged := tx.vaults[v.Address]
	_, committed := tx.store.vaults[v.Address]
	if staged || committed {
		return vault.Errorf(vault.CodeVaultExists, "vault %s", v.Address)
	}
	for _, existing := range tx.store.vaults {
		if existing.Owner == v.Owner && existing.VaultIndex == v.VaultIndex {
			return vault.Errorf(vault.CodeVaultExists, "owner %s index %d", v.Owner, v.VaultIndex)
		}
	}
	tx.vaults[v.Address] = v.Clone()
	return nil
}

func (tx *memTx) UpdateVault(_ context.Context, v *vault.CollateralVault) error {
	_, staged := tx.vaults[v.Address]
	_, committed := tx.store.vaults[v.Address]
	if !staged && !committed {
		return vault.Errorf(vault.CodeVaultNotFound, "vault %s", v.Address)
	}
	tx.vaults[v.Address] = v.Clone()
	return nil
}

func (tx *memTx) Custody() custody.Ledger {
	return tx.ledger
}

func (tx *memTx) AppendEvent(_ context.Context, env event.Envelope) error {
	tx.events = append(tx.events, env)
	return nil
}

func (tx *memTx) ClaimRequest(_ context.Context, requestID, operation string, vaultAddr vault.Address) (bool, error) {
	if _, ok := tx.store.claimed[requestID]; ok {
		return false, nil
	}
	if _, ok := tx.claimed[requestID]; ok {
		return false, nil
	}
	tx.claimed[requestID] = struct{}{}
	tx.requests = append(tx.requests, processedRequest{
		id:        requestID,
		operation: operation,
		vault:     vaultAddr,
		at:        time.Now(),
	})
	return true, nil
}
