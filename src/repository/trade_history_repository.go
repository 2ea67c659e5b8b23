package repository

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradeengine/src/database"
	"tradeengine/src/model"
)

// TradeHistoryRepository handles persistence for terminal trade records.
type TradeHistoryRepository struct {
	db *gorm.DB
}

// NewTradeHistoryRepository creates a new repository instance using the main read/write database.
func NewTradeHistoryRepository() *TradeHistoryRepository {
	logger.WithField("component", "TradeHistoryRepository").
		Info("Creating new TradeHistoryRepository with MainDB")

	return &TradeHistoryRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *TradeHistoryRepository) WithDB(db *gorm.DB) *TradeHistoryRepository {
	logger.WithField("component", "TradeHistoryRepository").
		Debug("Creating TradeHistoryRepository with custom DB instance")

	return &TradeHistoryRepository{db: db}
}

// Append inserts a new trade history row.
func (r *TradeHistoryRepository) Append(ctx context.Context, record *model.TradeRecord) error {
	logger.WithFields(map[string]interface{}{
		"repo":         "TradeHistoryRepository",
		"op":           "Append",
		"position_id":  record.PositionID,
		"symbol":       record.Symbol,
		"realized_pnl": record.RealizedPnl.String(),
	}).Debug("Appending trade history record")

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "TradeHistoryRepository",
			"op":          "Append",
			"position_id": record.PositionID,
		}).WithError(err).Error("Failed to append trade history record")
		return err
	}

	return nil
}

// FindLatest returns the latest trade records, newest first.
func (r *TradeHistoryRepository) FindLatest(ctx context.Context, limit int) ([]model.TradeRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	var records []model.TradeRecord
	err := r.db.WithContext(ctx).
		Order("closed_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":  "TradeHistoryRepository",
			"op":    "FindLatest",
			"limit": limit,
		}).WithError(err).Error("Failed to fetch latest trade records")
		return nil, err
	}

	return records, nil
}

// RealizedPnlSince sums realized pnl for trades closed at or after the cutoff.
func (r *TradeHistoryRepository) RealizedPnlSince(ctx context.Context, cutoff time.Time) (string, error) {
	var total *string
	err := r.db.WithContext(ctx).
		Model(&model.TradeRecord{}).
		Select("SUM(realized_pnl)").
		Where("closed_at >= ?", cutoff).
		Take(&total).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "TradeHistoryRepository",
			"op":     "RealizedPnlSince",
			"cutoff": cutoff,
		}).WithError(err).Error("Failed to sum realized pnl")
		return "", err
	}
	if total == nil {
		return "0", nil
	}
	return *total, nil
}
