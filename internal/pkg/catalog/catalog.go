// Package catalog maps provider SKUs and internal action keys to credit amounts.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/CreditWallet/app/models"
	"github.com/ManuelReschke/CreditWallet/app/repository"
)

// ErrSkuNotFound means no active catalog entry matches the provider and SKU.
var ErrSkuNotFound = errors.New("sku not found")

const DefaultActionCost int64 = 1

// Entry is a resolved catalog item.
type Entry struct {
	Provider      string `json:"provider"`
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	CreditAmount  int64  `json:"credit_amount"`
	PeriodCredits int64  `json:"period_credits"`
	PriceMinor    int64  `json:"price_minor"`
	Currency      string `json:"currency"`
}

// IsPlan reports whether the entry is a recurring plan.
func (e Entry) IsPlan() bool {
	return e.Kind == models.CatalogKindPlan
}

// Action is the resolved price of an internal billable action.
type Action struct {
	Key     string `json:"key"`
	Credits int64  `json:"credits"`
	Reason  string `json:"reason"`
}

// Resolver answers price lookups from the catalog tables.
type Resolver struct {
	catalog           repository.CatalogRepository
	actions           repository.ActionCostRepository
	defaultActionCost int64
}

// NewResolver creates a resolver. defaultActionCost applies to unknown action keys.
func NewResolver(catalog repository.CatalogRepository, actions repository.ActionCostRepository, defaultActionCost int64) *Resolver {
	if defaultActionCost <= 0 {
		defaultActionCost = DefaultActionCost
	}
	return &Resolver{catalog: catalog, actions: actions, defaultActionCost: defaultActionCost}
}

// NewResolverFromDB wires a resolver to a GORM handle.
func NewResolverFromDB(db *gorm.DB, defaultActionCost int64) *Resolver {
	repos := repository.NewRepositories(db)
	return NewResolver(repos.Catalog, repos.ActionCost, defaultActionCost)
}

// NormalizeSKU upper-cases and trims a SKU.
func NormalizeSKU(sku string) string {
	return strings.ToUpper(strings.TrimSpace(sku))
}

// Resolve looks up an active entry. SKU matching ignores case.
func (r *Resolver) Resolve(ctx context.Context, provider, sku string) (Entry, error) {
	_ = ctx
	key := NormalizeSKU(sku)
	if key == "" {
		return Entry{}, ErrSkuNotFound
	}
	e, err := r.catalog.FindActive(strings.ToUpper(provider), key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entry{}, ErrSkuNotFound
		}
		return Entry{}, err
	}
	return toEntry(e), nil
}

// Quote resolves a purchasable entry for checkout. Prices always come from
// the catalog.
func (r *Resolver) Quote(ctx context.Context, provider, sku string) (Entry, error) {
	e, err := r.Resolve(ctx, provider, sku)
	if err != nil {
		return Entry{}, err
	}
	if e.PriceMinor <= 0 {
		return Entry{}, fmt.Errorf("%w: %s has no price", ErrSkuNotFound, e.SKU)
	}
	return e, nil
}

// List returns active entries of a provider.
func (r *Resolver) List(ctx context.Context, provider string) ([]Entry, error) {
	_ = ctx
	rows, err := r.catalog.ListActive(strings.ToUpper(provider))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for i := range rows {
		out = append(out, toEntry(&rows[i]))
	}
	return out, nil
}

// PlanAllotment returns the per-period credits of plan (e.g. "PRO" or "PLAN_PRO").
func (r *Resolver) PlanAllotment(ctx context.Context, provider, plan string) (int64, error) {
	e, err := r.Resolve(ctx, provider, PlanSKU(plan))
	if err != nil {
		return 0, err
	}
	if !e.IsPlan() {
		return 0, fmt.Errorf("%w: %s is not a plan", ErrSkuNotFound, e.SKU)
	}
	return e.PeriodCredits, nil
}

// PlanSKU maps a plan name to its catalog SKU.
func PlanSKU(plan string) string {
	p := NormalizeSKU(plan)
	if strings.HasPrefix(p, "PLAN_") {
		return p
	}
	return "PLAN_" + p
}

// ActionCost returns the credit price of actionKey, falling back to the
// configured default for unknown keys.
func (r *Resolver) ActionCost(ctx context.Context, actionKey string) int64 {
	return r.Action(ctx, actionKey).Credits
}

// Action resolves an action key to its price and ledger reason.
func (r *Resolver) Action(ctx context.Context, actionKey string) Action {
	_ = ctx
	key := NormalizeSKU(actionKey)
	a := Action{Key: key, Credits: r.defaultActionCost, Reason: defaultReason(key)}
	cost, err := r.actions.GetByKey(key)
	if err != nil {
		return a
	}
	if cost.Credits > 0 {
		a.Credits = cost.Credits
	}
	if cost.Reason != "" {
		a.Reason = cost.Reason
	}
	return a
}

func defaultReason(key string) string {
	words := strings.FieldsFunc(strings.ToLower(key), func(r rune) bool { return r == '_' })
	if len(words) == 0 {
		return "Billable action"
	}
	words[0] = strings.ToUpper(words[0][:1]) + words[0][1:]
	return strings.Join(words, " ")
}

func toEntry(e *models.CatalogEntry) Entry {
	return Entry{
		Provider:      e.Provider,
		SKU:           e.SKU,
		Name:          e.Name,
		Kind:          e.Kind,
		CreditAmount:  e.CreditAmount,
		PeriodCredits: e.PeriodCredits,
		PriceMinor:    e.PriceMinor,
		Currency:      e.Currency,
	}
}
