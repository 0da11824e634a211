package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vitwit/aawallet/types"
)

// MemoryStore is a mutex-guarded in-memory Store. Used by tests and as the
// default backend when no database URL is configured.
type MemoryStore struct {
	mu sync.RWMutex

	accounts     map[string]types.Account
	byAddress    map[common.Address]string
	limits       map[string]types.SpendLimits
	defaults     types.SpendLimits
	pending      map[string]types.PendingPayment
	transactions []types.Transaction
	byChainTxID  map[string]struct{}
	events       []types.Event

	cursor    uint64
	cursorSet bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]types.Account),
		byAddress:   make(map[common.Address]string),
		limits:      make(map[string]types.SpendLimits),
		defaults:    types.DefaultSpendLimits(""),
		pending:     make(map[string]types.PendingPayment),
		byChainTxID: make(map[string]struct{}),
	}
}

// SetDefaultLimits replaces the policy applied to accounts without explicit
// limits, typically with the configured defaults at startup.
func (s *MemoryStore) SetDefaultLimits(l types.SpendLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.AccountID = ""
	s.defaults = l
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *types.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = *a
	s.byAddress[a.SmartAccountAddress] = a.ID
	return nil
}

func (s *MemoryStore) Account(_ context.Context, id string) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) AccountByAddress(_ context.Context, addr common.Address) (*types.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAddress[addr]
	if !ok {
		return nil, ErrNotFound
	}
	a := s.accounts[id]
	return &a, nil
}

func (s *MemoryStore) MarkDeployed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.Deployed = true
	s.accounts[id] = a
	return nil
}

func (s *MemoryStore) AccountAddresses(_ context.Context) (map[common.Address]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[common.Address]string, len(s.byAddress))
	for addr, id := range s.byAddress {
		out[addr] = id
	}
	return out, nil
}

func (s *MemoryStore) SpendLimits(_ context.Context, accountID string) (types.SpendLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.limits[accountID]; ok {
		return l, nil
	}
	d := s.defaults
	d.AccountID = accountID
	return d, nil
}

func (s *MemoryStore) PutSpendLimits(_ context.Context, l types.SpendLimits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[l.AccountID] = l
	return nil
}

func (s *MemoryStore) CreatePendingPayment(_ context.Context, p *types.PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[p.ID] = *p
	return nil
}

func (s *MemoryStore) PendingPayment(_ context.Context, id string) (*types.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) TransitionPendingPayment(_ context.Context, id string, from, to types.PendingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return ErrStatusConflict
	}
	p.Status = to
	s.pending[id] = p
	return nil
}

func (s *MemoryStore) ExpirePendingBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.pending {
		if p.Status == types.PendingStatusPending && p.ExpiresAt.Before(cutoff) {
			p.Status = types.PendingStatusExpired
			s.pending[id] = p
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) InsertTransaction(_ context.Context, tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byChainTxID[tx.ChainTxID]; dup {
		return ErrDuplicateTransaction
	}
	s.byChainTxID[tx.ChainTxID] = struct{}{}
	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *MemoryStore) SpentToday(_ context.Context, accountID string, now time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, tx := range s.transactions {
		if tx.AccountID != accountID || !countsAgainstDailyLimit(tx.Type) {
			continue
		}
		if sameUTCDay(tx.CreatedAt, now) {
			total = total.Add(tx.Amount)
		}
	}
	return total, nil
}

func (s *MemoryStore) Transactions(_ context.Context, accountID string, limit int) ([]types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Transaction
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) EventsSince(_ context.Context, accountID string, since time.Time, limit int) ([]types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Event
	for _, e := range s.events {
		if e.AccountID == accountID && e.CreatedAt.After(since) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ScannerCursor(_ context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, s.cursorSet, nil
}

func (s *MemoryStore) SetScannerCursor(_ context.Context, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = block
	s.cursorSet = true
	return nil
}
