package account

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypestock/pkg/app/core/apperr"
	"github.com/uhyunpark/hypestock/pkg/storage"
	"github.com/uhyunpark/hypestock/pkg/util"
)

// Manager owns every account and the treasury. It serves as the ledger, portfolio and
// identity collaborator of the exchange. Reads go through an in-memory cache backed by
// Pebble; writes only land through Commit (or the single-record Deposit/Withdraw).
type Manager struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	treasury Treasury
	store    *storage.Store
	clock    util.Clock
	log      *zap.Logger
}

func NewManager(store *storage.Store, clock util.Clock, log *zap.Logger) *Manager {
	return &Manager{
		accounts: make(map[string]*Account),
		treasury: Treasury{Balance: decimal.Zero, Burned: decimal.Zero},
		store:    store,
		clock:    clock,
		log:      log,
	}
}

// Load warms the cache with every persisted account and the treasury.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.store.Scan(storage.AccountPrefix(), func(_, v []byte) error {
		var acc Account
		if err := storage.Decode(v, &acc); err != nil {
			return fmt.Errorf("decode account: %w", err)
		}
		if acc.Holdings == nil {
			acc.Holdings = make(map[string]*Holding)
		}
		m.accounts[acc.Party] = &acc
		return nil
	})
	if err != nil {
		return apperr.System("load accounts", err)
	}

	if _, err := m.store.Get(storage.TreasuryKey(), &m.treasury); err != nil {
		return apperr.System("load treasury", err)
	}

	m.log.Info("accounts_loaded", zap.Int("count", len(m.accounts)))
	return nil
}

// lookupLocked returns the live account (not a copy). Caller must hold mu.
func (m *Manager) lookupLocked(party string) (*Account, bool) {
	if acc, ok := m.accounts[party]; ok {
		return acc, true
	}

	var acc Account
	found, err := m.store.Get(storage.AccountKey(party), &acc)
	if err != nil {
		m.log.Warn("account_load_failed", zap.String("party", party), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}
	if acc.Holdings == nil {
		acc.Holdings = make(map[string]*Holding)
	}
	m.accounts[party] = &acc
	return &acc, true
}

// snapshot returns a private copy of party's account, or ErrNotFound.
func (m *Manager) snapshot(party string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.lookupLocked(party)
	if !ok {
		return nil, apperr.Errorf(apperr.ErrNotFound, "party %s not found", party)
	}
	return acc.Clone(), nil
}

// Exists reports whether party resolves to an account.
func (m *Manager) Exists(party string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookupLocked(party)
	return ok
}

// Get returns a copy of party's account.
func (m *Manager) Get(party string) (*Account, error) {
	return m.snapshot(party)
}

// Open creates an empty account for party. Opening an existing party is a no-op.
func (m *Manager) Open(party string) error {
	if party == "" {
		return apperr.Errorf(apperr.ErrNotFound, "empty party id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookupLocked(party); ok {
		return nil
	}
	acc := NewAccount(party, m.clock.Now())
	if err := m.store.Put(storage.AccountKey(party), acc); err != nil {
		return apperr.System("open account", err)
	}
	m.accounts[party] = acc
	return nil
}

// Deposit adds funds, creating the account if it doesn't exist
func (m *Manager) Deposit(party string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Errorf(apperr.ErrInvalidQuantity, "deposit amount must be positive: %s", amount)
	}
	if party == "" {
		return apperr.Errorf(apperr.ErrNotFound, "empty party id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.lookupLocked(party)
	if ok {
		acc = acc.Clone()
	} else {
		acc = NewAccount(party, m.clock.Now())
	}
	acc.Balance = acc.Balance.Add(amount)
	acc.UpdatedAt = m.clock.Now()

	if err := m.store.Put(storage.AccountKey(party), acc); err != nil {
		return apperr.System("deposit", err)
	}
	m.accounts[party] = acc
	return nil
}

// Withdraw removes funds. Escrowed funds are already out of the balance, so only free cash can leave.
func (m *Manager) Withdraw(party string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Errorf(apperr.ErrInvalidQuantity, "withdraw amount must be positive: %s", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.lookupLocked(party)
	if !ok {
		return apperr.Errorf(apperr.ErrNotFound, "party %s not found", party)
	}
	if acc.Balance.LessThan(amount) {
		return apperr.Errorf(apperr.ErrInsufficientFunds, "have %s, need %s", acc.Balance, amount)
	}

	acc = acc.Clone()
	acc.Balance = acc.Balance.Sub(amount)
	acc.UpdatedAt = m.clock.Now()
	if err := m.store.Put(storage.AccountKey(party), acc); err != nil {
		return apperr.System("withdraw", err)
	}
	m.accounts[party] = acc
	return nil
}

// Treasury returns the current accumulator.
func (m *Manager) Treasury() Treasury {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.treasury
}

// Commit replays tx onto the latest committed state, validates the result, and writes
// every touched account, the treasury, and whatever extra adds into one Pebble batch.
// The cache is swapped only after the batch commits, so a failure leaves no trace.
//
// A replay failure means another unit of work committed against the same party since
// tx staged its reads; it is reported as ErrConflict and nothing is applied.
func (m *Manager) Commit(tx *Tx, extra func(b *storage.Batch) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	staged := make(map[string]*Account)
	treasury := m.treasury
	treasuryTouched := false

	for _, o := range tx.ops {
		if o.kind == opTreasury || o.kind == opBurn {
			applyTreasury(&treasury, o)
			treasuryTouched = true
			continue
		}

		acc, ok := staged[o.party]
		if !ok {
			base, found := m.lookupLocked(o.party)
			if !found {
				return apperr.Errorf(apperr.ErrConflict, "party %s disappeared", o.party)
			}
			acc = base.Clone()
			staged[o.party] = acc
		}
		if err := applyOp(acc, o); err != nil {
			return fmt.Errorf("%w: %w", apperr.ErrConflict, err)
		}
	}

	batch := m.store.NewBatch()
	defer batch.Close()

	// deterministic write order keeps batches reproducible in tests
	parties := make([]string, 0, len(staged))
	for p := range staged {
		parties = append(parties, p)
	}
	sort.Strings(parties)

	for _, p := range parties {
		acc := staged[p]
		acc.UpdatedAt = now
		if err := acc.Validate(); err != nil {
			return fmt.Errorf("%w: %w", apperr.ErrConflict, err)
		}
		if err := batch.Put(storage.AccountKey(p), acc); err != nil {
			return apperr.System("stage account", err)
		}
	}
	if treasuryTouched {
		if err := batch.Put(storage.TreasuryKey(), treasury); err != nil {
			return apperr.System("stage treasury", err)
		}
	}
	if extra != nil {
		if err := extra(batch); err != nil {
			return apperr.System("stage records", err)
		}
	}
	if err := batch.Commit(); err != nil {
		return apperr.System("commit batch", err)
	}

	for _, p := range parties {
		m.accounts[p] = staged[p]
	}
	m.treasury = treasury
	return nil
}

// Count returns the number of cached accounts.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}
