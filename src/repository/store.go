package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tradeengine/src/ledger"
	"tradeengine/src/model"
)

// Store bundles the repositories behind the ledger's storage contract.
type Store struct {
	positions *PositionRepository
	orders    *OrderRepository
	trades    *TradeHistoryRepository
}

var _ ledger.Storage = (*Store)(nil)

// NewStore creates a store over the main database.
func NewStore() *Store {
	return &Store{
		positions: NewPositionRepository(),
		orders:    NewOrderRepository(),
		trades:    NewTradeHistoryRepository(),
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (s *Store) WithDB(db *gorm.DB) *Store {
	return &Store{
		positions: (&PositionRepository{}).WithDB(db),
		orders:    (&OrderRepository{}).WithDB(db),
		trades:    (&TradeHistoryRepository{}).WithDB(db),
	}
}

func (s *Store) SavePosition(ctx context.Context, position *model.Position) error {
	return s.positions.Create(ctx, position)
}

func (s *Store) UpdatePosition(ctx context.Context, position *model.Position) error {
	return s.positions.Update(ctx, position)
}

func (s *Store) GetOpenPositions(ctx context.Context) ([]model.Position, error) {
	return s.positions.FindActive(ctx)
}

func (s *Store) SaveOrder(ctx context.Context, order *model.Order) error {
	return s.orders.Upsert(ctx, order)
}

// UpdateOrder saves the order row and appends its status to the audit trail.
func (s *Store) UpdateOrder(ctx context.Context, order *model.Order) error {
	if err := s.orders.Upsert(ctx, order); err != nil {
		return err
	}
	return s.orders.AppendLog(ctx, order.ClientOrderID, order.Status, order.RejectReason)
}

func (s *Store) GetPendingOrders(ctx context.Context) ([]model.Order, error) {
	return s.orders.FindPending(ctx)
}

func (s *Store) AppendTradeHistory(ctx context.Context, record *model.TradeRecord) error {
	return s.trades.Append(ctx, record)
}

func (s *Store) RecentTrades(ctx context.Context, limit int) ([]model.TradeRecord, error) {
	return s.trades.FindLatest(ctx, limit)
}

func (s *Store) RealizedPnlSince(ctx context.Context, cutoff time.Time) (decimal.Decimal, error) {
	total, err := s.trades.RealizedPnlSince(ctx, cutoff)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(total)
}
