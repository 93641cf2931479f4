package catalog

import (
	"context"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditWallet/app/models"
)

type pack struct {
	sku     string
	name    string
	credits int64
	price   int64
}

var defaultPacks = []pack{
	{"CREDITS_200", "200 Credits", 200, 900},
	{"CREDITS_500", "500 Credits", 500, 1900},
	{"CREDITS_1000", "1000 Credits", 1000, 3500},
}

var defaultPlans = []pack{
	{"PLAN_STARTER", "Starter", 300, 1200},
	{"PLAN_PRO", "Pro", 1000, 2900},
	{"PLAN_STUDIO", "Studio", 4000, 7900},
}

var defaultActions = []models.ActionCost{
	{ActionKey: "AI_LOGO_GENERATION", Credits: 5, Reason: "AI logo generation"},
	{ActionKey: "AI_RESTYLE", Credits: 2, Reason: "AI restyle"},
	{ActionKey: "VECTORIZE", Credits: 3, Reason: "Vectorize image"},
	{ActionKey: "MOCKUP_SET", Credits: 1, Reason: "Mockup set"},
	{ActionKey: "BRAND_KIT_PDF", Credits: 5, Reason: "Brand kit PDF"},
	{ActionKey: "ANIMATION_EXPORT", Credits: 5, Reason: "Animation export"},
}

// Seed inserts the default packs, plans and action prices. Existing rows are
// left untouched so operators can re-price without the seed reverting it.
func (r *Resolver) Seed(ctx context.Context) (int, error) {
	_ = ctx
	inserted := 0

	entries := make([]models.CatalogEntry, 0, len(defaultPacks)*2+len(defaultPlans))
	for _, provider := range []string{models.BillingProviderStripe, models.BillingProviderPayPal} {
		for _, p := range defaultPacks {
			entries = append(entries, models.CatalogEntry{
				Provider:     provider,
				SKU:          p.sku,
				Name:         p.name,
				Kind:         models.CatalogKindPack,
				CreditAmount: p.credits,
				PriceMinor:   p.price,
				Currency:     "usd",
				IsActive:     true,
			})
		}
	}
	for _, p := range defaultPlans {
		entries = append(entries, models.CatalogEntry{
			Provider:      models.BillingProviderStripe,
			SKU:           p.sku,
			Name:          p.name,
			Kind:          models.CatalogKindPlan,
			PeriodCredits: p.credits,
			PriceMinor:    p.price,
			Currency:      "usd",
			IsActive:      true,
		})
	}

	for i := range entries {
		created, err := r.catalog.CreateIfNotExists(&entries[i])
		if err != nil {
			return inserted, err
		}
		if created {
			inserted++
		}
	}
	for i := range defaultActions {
		cost := defaultActions[i]
		created, err := r.actions.CreateIfNotExists(&cost)
		if err != nil {
			return inserted, err
		}
		if created {
			inserted++
		}
	}

	if inserted > 0 {
		log.Infof("[Catalog] Seeded %d catalog rows", inserted)
	}
	return inserted, nil
}
