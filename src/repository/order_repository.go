package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradeengine/src/database"
	"tradeengine/src/model"
)

// OrderRepository handles persistence for Order entities and their audit logs.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new repository instance using the main read/write database.
func NewOrderRepository() *OrderRepository {
	logger.WithField("component", "OrderRepository").
		Info("Creating new OrderRepository with MainDB")

	return &OrderRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *OrderRepository) WithDB(db *gorm.DB) *OrderRepository {
	logger.WithField("component", "OrderRepository").
		Debug("Creating OrderRepository with custom DB instance")

	return &OrderRepository{db: db}
}

// Upsert saves the order row by its client order ID primary key.
func (r *OrderRepository) Upsert(ctx context.Context, order *model.Order) error {
	logger.WithFields(map[string]interface{}{
		"repo":            "OrderRepository",
		"op":              "Upsert",
		"client_order_id": order.ClientOrderID,
		"status":          order.Status,
	}).Debug("Saving order")

	if err := r.db.WithContext(ctx).Save(order).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":            "OrderRepository",
			"op":              "Upsert",
			"client_order_id": order.ClientOrderID,
		}).WithError(err).Error("Failed to save order")
		return err
	}

	return nil
}

// AppendLog records one order status change in the audit trail.
func (r *OrderRepository) AppendLog(ctx context.Context, clientOrderID, status, reason string) error {
	entry := &model.OrderLog{
		ClientOrderID: clientOrderID,
		Status:        status,
		Reason:        reason,
	}

	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":            "OrderRepository",
			"op":              "AppendLog",
			"client_order_id": clientOrderID,
			"status":          status,
		}).WithError(err).Error("Failed to append order log")
		return err
	}

	return nil
}

// FindPending returns every order still awaiting fills, oldest first. Used to
// rebuild the in-memory order registry after a restart.
func (r *OrderRepository) FindPending(ctx context.Context) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{model.OrderStatusPending, model.OrderStatusPartiallyFilled}).
		Order("submitted_at ASC").
		Find(&orders).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "FindPending",
		}).WithError(err).Error("Failed to fetch pending orders")
		return nil, err
	}

	return orders, nil
}
