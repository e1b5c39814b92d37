// Package balance builds the per-cycle holdings snapshot and resolves how
// much cash the broker will let the engine spend.
package balance

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kis-autotrader/pkg/exchanges/kis"
)

// Broker is the subset of the brokerage client the manager needs.
type Broker interface {
	Balance(ctx context.Context, exchange, currency string) ([]kis.Holding, error)
	PresentBalance(ctx context.Context, currency string) (*kis.PresentBalance, error)
	BuyableAmount(ctx context.Context, exchange, symbol string, price decimal.Decimal) (*kis.Buyable, error)
}

// Cash sources, in resolution order.
const (
	CashFromBuyable      = "buyable_amount"
	CashFromWithdrawable = "present_withdrawable"
	CashFromDeposit      = "present_deposit"
	CashNone             = "none"
)

// Snapshot is the account view of one cycle.
type Snapshot struct {
	Holdings []kis.Holding
	TakenAt  time.Time
}

// Find returns the holding for symbol.
func (s *Snapshot) Find(symbol string) (kis.Holding, bool) {
	for _, h := range s.Holdings {
		if h.Symbol == symbol {
			return h, true
		}
	}
	return kis.Holding{}, false
}

// Symbols returns the held symbols.
func (s *Snapshot) Symbols() map[string]bool {
	out := make(map[string]bool, len(s.Holdings))
	for _, h := range s.Holdings {
		out[h.Symbol] = true
	}
	return out
}

// Manager fetches holdings across the configured exchanges.
type Manager struct {
	broker    Broker
	exchanges []string
	currency  string
	now       func() time.Time

	mu   sync.RWMutex
	last *Snapshot
}

// NewManager creates a balance manager. exchanges lists the order-exchange
// codes queried for holdings.
func NewManager(broker Broker, exchanges []string, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if len(exchanges) == 0 {
		exchanges = []string{"NASD"}
	}
	return &Manager{broker: broker, exchanges: exchanges, currency: "USD", now: now}
}

// Sync fetches a fresh snapshot. A symbol reported by several exchange
// queries is kept once. Any failed query fails the snapshot, since a partial
// view would mark real holdings missing.
func (m *Manager) Sync(ctx context.Context) (*Snapshot, error) {
	seen := make(map[string]bool)
	snap := &Snapshot{TakenAt: m.now()}
	for _, ex := range m.exchanges {
		rows, err := m.broker.Balance(ctx, ex, m.currency)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", ex, err)
		}
		for _, h := range rows {
			if h.Qty <= 0 || seen[h.Symbol] {
				continue
			}
			seen[h.Symbol] = true
			if h.Exchange == "" {
				h.Exchange = kis.OrderExchange(ex)
			}
			snap.Holdings = append(snap.Holdings, h)
		}
	}
	sort.Slice(snap.Holdings, func(i, j int) bool { return snap.Holdings[i].Symbol < snap.Holdings[j].Symbol })

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	log.Printf("💰 balance: %d holdings across %v", len(snap.Holdings), m.exchanges)
	return snap, nil
}

// Last returns the most recent snapshot, or nil.
func (m *Manager) Last() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// OrderableCash resolves spendable cash: the buyable-amount inquiry for the
// probe symbol first, then the present-balance withdrawable amount, then the
// present-balance deposit, else zero. It returns the amount and its source.
func (m *Manager) OrderableCash(ctx context.Context, exchange, symbol string, price decimal.Decimal) (decimal.Decimal, string) {
	if symbol != "" && price.IsPositive() {
		b, err := m.broker.BuyableAmount(ctx, exchange, symbol, price)
		switch {
		case err != nil:
			log.Printf("⚠️ balance: buyable amount for %s: %v", symbol, err)
		case b.HasAmount:
			return b.OrderableAmount, CashFromBuyable
		}
	}

	pb, err := m.broker.PresentBalance(ctx, m.currency)
	if err != nil {
		log.Printf("⚠️ balance: present balance: %v", err)
		return decimal.Zero, CashNone
	}
	if pb.HasWithdrawable {
		return pb.Withdrawable, CashFromWithdrawable
	}
	if pb.HasDeposit {
		return pb.Deposit, CashFromDeposit
	}
	return decimal.Zero, CashNone
}
