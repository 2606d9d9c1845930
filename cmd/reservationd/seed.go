package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"reservation-engine/internal/domain"
	ledgermem "reservation-engine/internal/ledger/memory"
)

type seedOffer struct {
	ID            string        `mapstructure:"id"`
	PartnerID     string        `mapstructure:"partner_id"`
	PointsPerUnit int64         `mapstructure:"points_per_unit"`
	Status        string        `mapstructure:"status"`
	Available     int           `mapstructure:"available"`
	HoldDuration  time.Duration `mapstructure:"hold_duration"`
	PickupEnd     string        `mapstructure:"pickup_end"`
}

type seedAccount struct {
	CustomerID string `mapstructure:"customer_id"`
	Balance    int64  `mapstructure:"balance"`
}

type seedData struct {
	Offers []seedOffer   `mapstructure:"offers"`
	Points []seedAccount `mapstructure:"points"`
}

// loadSeed fills the in-memory ledgers from a YAML file of the form
//
//	offers:
//	  - id: bakery-42
//	    partner_id: bakery
//	    points_per_unit: 50
//	    available: 12
//	    hold_duration: 20m
//	    pickup_end: "2025-06-01T19:00:00Z"
//	points:
//	  - customer_id: cust-1
//	    balance: 500
func loadSeed(path string, catalog *ledgermem.Catalog, inv *ledgermem.Inventory, pts *ledgermem.Points) (int, int, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return 0, 0, fmt.Errorf("read seed file %q: %w", path, err)
	}
	var data seedData
	if err := v.Unmarshal(&data); err != nil {
		return 0, 0, fmt.Errorf("decode seed file %q: %w", path, err)
	}

	offers := make([]domain.Offer, 0, len(data.Offers))
	for i, so := range data.Offers {
		o, err := so.offer()
		if err != nil {
			return 0, 0, fmt.Errorf("seed offer %d: %w", i, err)
		}
		offers = append(offers, o)
	}
	for i, acc := range data.Points {
		if strings.TrimSpace(acc.CustomerID) == "" || acc.Balance < 0 {
			return 0, 0, fmt.Errorf("seed points %d: customer_id and a non-negative balance are required", i)
		}
	}

	for i, o := range offers {
		catalog.Put(o)
		inv.Set(o.ID, data.Offers[i].Available)
	}
	for _, acc := range data.Points {
		pts.Set(strings.TrimSpace(acc.CustomerID), acc.Balance)
	}
	return len(offers), len(data.Points), nil
}

func (so seedOffer) offer() (domain.Offer, error) {
	o := domain.Offer{
		ID:            strings.TrimSpace(so.ID),
		PartnerID:     strings.TrimSpace(so.PartnerID),
		PointsPerUnit: so.PointsPerUnit,
		Status:        domain.OfferOpen,
		HoldDuration:  so.HoldDuration,
	}
	if o.ID == "" {
		return o, errors.New("id is required")
	}
	if so.Available < 0 || so.PointsPerUnit < 0 {
		return o, errors.New("available and points_per_unit must not be negative")
	}
	if so.Status != "" {
		o.Status = domain.OfferStatus(strings.ToLower(so.Status))
	}
	switch o.Status {
	case domain.OfferOpen, domain.OfferPaused, domain.OfferClosed:
	default:
		return o, fmt.Errorf("unknown offer status %q", so.Status)
	}
	if so.PickupEnd != "" {
		t, err := time.Parse(time.RFC3339, so.PickupEnd)
		if err != nil {
			return o, fmt.Errorf("parse pickup_end: %w", err)
		}
		o.PickupEnd = t.UTC()
	}
	return o, nil
}
