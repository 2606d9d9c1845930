package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reservation-engine/internal/config"
	"reservation-engine/internal/domain"
	ledgermem "reservation-engine/internal/ledger/memory"
)

const seedYAML = `
offers:
  - id: bakery-42
    partner_id: bakery
    points_per_unit: 50
    available: 12
    hold_duration: 20m
    pickup_end: "2025-06-01T19:00:00Z"
  - id: deli-7
    partner_id: deli
    points_per_unit: 30
    status: paused
points:
  - customer_id: cust-1
    balance: 500
`

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSeed(t *testing.T) {
	catalog, inv, pts := ledgermem.NewCatalog(), ledgermem.NewInventory(), ledgermem.NewPoints()
	offers, accounts, err := loadSeed(writeSeed(t, seedYAML), catalog, inv, pts)
	require.NoError(t, err)
	require.Equal(t, 2, offers)
	require.Equal(t, 1, accounts)

	o, err := catalog.GetOffer(context.Background(), "bakery-42")
	require.NoError(t, err)
	require.Equal(t, "bakery", o.PartnerID)
	require.EqualValues(t, 50, o.PointsPerUnit)
	require.Equal(t, domain.OfferOpen, o.Status)
	require.Equal(t, 20*time.Minute, o.HoldDuration)
	require.True(t, o.PickupEnd.Equal(time.Date(2025, 6, 1, 19, 0, 0, 0, time.UTC)))
	require.Equal(t, 12, inv.Available("bakery-42"))

	o, err = catalog.GetOffer(context.Background(), "deli-7")
	require.NoError(t, err)
	require.Equal(t, domain.OfferPaused, o.Status)
	require.Equal(t, 0, inv.Available("deli-7"))

	require.EqualValues(t, 500, pts.Balance("cust-1"))
}

func TestLoadSeedRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"missing id":  "offers:\n  - points_per_unit: 10\n",
		"status":      "offers:\n  - id: o1\n    status: sold\n",
		"negative":    "offers:\n  - id: o1\n    available: -1\n",
		"pickup end":  "offers:\n  - id: o1\n    pickup_end: \"tonight\"\n",
		"no customer": "points:\n  - balance: 10\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			catalog := ledgermem.NewCatalog()
			_, _, err := loadSeed(writeSeed(t, body), catalog, ledgermem.NewInventory(), ledgermem.NewPoints())
			require.Error(t, err)
			_, err = catalog.GetOffer(context.Background(), "o1")
			require.ErrorIs(t, err, domain.ErrOfferNotFound)
		})
	}

	_, _, err := loadSeed(filepath.Join(t.TempDir(), "missing.yaml"), ledgermem.NewCatalog(), ledgermem.NewInventory(), ledgermem.NewPoints())
	require.ErrorContains(t, err, "read seed file")
}

func TestMemoryLedgersServeSeededOffers(t *testing.T) {
	cfg := config.Config{SeedFile: writeSeed(t, seedYAML)}
	lg, closeLedgers, err := openLedgers(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeLedgers()

	o, err := lg.offers.GetOffer(context.Background(), "bakery-42")
	require.NoError(t, err)
	require.Equal(t, "bakery", o.PartnerID)
}
