package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradeengine/src/database"
	"tradeengine/src/model"
)

// PositionRepository handles persistence for Position entities.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new repository instance using the main read/write database.
func NewPositionRepository() *PositionRepository {
	logger.WithField("component", "PositionRepository").
		Info("Creating new PositionRepository with MainDB")

	return &PositionRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	logger.WithField("component", "PositionRepository").
		Debug("Creating PositionRepository with custom DB instance")

	return &PositionRepository{db: db}
}

// Create inserts a new position row.
func (r *PositionRepository) Create(ctx context.Context, position *model.Position) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "Create",
		"position_id": position.ID,
		"symbol":      position.Symbol,
		"side":        position.Side,
	}).Debug("Creating new position")

	if err := r.db.WithContext(ctx).Create(position).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "Create",
			"position_id": position.ID,
		}).WithError(err).Error("Failed to create position")
		return err
	}

	return nil
}

// Update saves the full position row by primary key.
func (r *PositionRepository) Update(ctx context.Context, position *model.Position) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "Update",
		"position_id": position.ID,
		"status":      position.Status,
	}).Debug("Updating position")

	if err := r.db.WithContext(ctx).Save(position).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "Update",
			"position_id": position.ID,
		}).WithError(err).Error("Failed to update position")
		return err
	}

	return nil
}

// FindByID fetches a single position by its ID.
func (r *PositionRepository) FindByID(ctx context.Context, id string) (*model.Position, error) {
	var position model.Position
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.WithFields(map[string]interface{}{
				"repo":        "PositionRepository",
				"op":          "FindByID",
				"position_id": id,
			}).Info("Position not found")
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "FindByID",
			"position_id": id,
		}).WithError(err).Error("Failed to fetch position by ID")
		return nil, err
	}

	return &position, nil
}

// FindActive returns every position that is not in a terminal state, used
// for crash recovery at startup.
func (r *PositionRepository) FindActive(ctx context.Context) ([]model.Position, error) {
	logger.WithFields(map[string]interface{}{
		"repo": "PositionRepository",
		"op":   "FindActive",
	}).Debug("Fetching active positions")

	var positions []model.Position
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []string{
			model.PositionStatusClosed,
			model.PositionStatusCancelled,
			model.PositionStatusRejected,
		}).
		Order("created_at ASC").
		Find(&positions).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "FindActive",
		}).WithError(err).Error("Failed to fetch active positions")
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "FindActive",
		"rows_return": len(positions),
	}).Info("Active positions fetched")

	return positions, nil
}
