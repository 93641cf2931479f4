package models

import "time"

const (
	CatalogKindPack = "pack"
	CatalogKindPlan = "plan"
)

// CatalogEntry maps a provider SKU to the credits it is worth and its list
// price. Packs carry a one-off CreditAmount, plans a per-period allotment.
type CatalogEntry struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Provider      string    `gorm:"type:varchar(20);not null;index:ux_catalog_entries_provider_sku,unique,priority:1" json:"provider"`
	SKU           string    `gorm:"type:varchar(100);not null;index:ux_catalog_entries_provider_sku,unique,priority:2" json:"sku"`
	Name          string    `gorm:"type:varchar(100);not null;default:''" json:"name"`
	Kind          string    `gorm:"type:varchar(10);not null;default:'pack'" json:"kind"`
	CreditAmount  int64     `gorm:"not null;default:0" json:"credit_amount"`
	PeriodCredits int64     `gorm:"not null;default:0" json:"period_credits"`
	PriceMinor    int64     `gorm:"not null;default:0" json:"price_minor"`
	Currency      string    `gorm:"type:varchar(10);not null;default:'usd'" json:"currency"`
	IsActive      bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CatalogEntry) TableName() string {
	return "catalog_entries"
}
