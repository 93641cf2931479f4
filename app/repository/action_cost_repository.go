package repository

import (
	"github.com/ManuelReschke/CreditWallet/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// actionCostRepository implements the ActionCostRepository interface
type actionCostRepository struct {
	db *gorm.DB
}

// NewActionCostRepository creates a new action cost repository instance
func NewActionCostRepository(db *gorm.DB) ActionCostRepository {
	return &actionCostRepository{db: db}
}

func (r *actionCostRepository) GetByKey(actionKey string) (*models.ActionCost, error) {
	var cost models.ActionCost
	if err := r.db.Where("action_key = ?", actionKey).First(&cost).Error; err != nil {
		return nil, err
	}
	return &cost, nil
}

func (r *actionCostRepository) List() ([]models.ActionCost, error) {
	var costs []models.ActionCost
	err := r.db.Order("action_key ASC").Find(&costs).Error
	return costs, err
}

func (r *actionCostRepository) CreateIfNotExists(cost *models.ActionCost) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "action_key"}},
		DoNothing: true,
	}).Create(cost)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
