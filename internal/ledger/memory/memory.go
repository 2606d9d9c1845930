// Package memory provides in-process ledgers for development and tests.
package memory

import (
	"context"
	"sync"

	"reservation-engine/internal/domain"
	"reservation-engine/internal/ledger"
)

var (
	_ ledger.OfferCatalog = (*Catalog)(nil)
	_ ledger.Inventory    = (*Inventory)(nil)
	_ ledger.Points       = (*Points)(nil)
	_ ledger.Penalties    = (*Penalties)(nil)
)

type Catalog struct {
	mu     sync.RWMutex
	offers map[string]domain.Offer
}

func NewCatalog(offers ...domain.Offer) *Catalog {
	c := &Catalog{offers: make(map[string]domain.Offer, len(offers))}
	for _, o := range offers {
		c.offers[o.ID] = o
	}
	return c
}

func (c *Catalog) Put(o domain.Offer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers[o.ID] = o
}

func (c *Catalog) GetOffer(_ context.Context, offerID string) (domain.Offer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.offers[offerID]
	if !ok {
		return domain.Offer{}, domain.ErrOfferNotFound
	}
	return o, nil
}

type Inventory struct {
	mu        sync.Mutex
	available map[string]int
	applied   map[string]struct{}
}

func NewInventory() *Inventory {
	return &Inventory{
		available: make(map[string]int),
		applied:   make(map[string]struct{}),
	}
}

// Set overwrites the available count for an offer.
func (i *Inventory) Set(offerID string, units int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.available[offerID] = units
}

func (i *Inventory) Available(offerID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.available[offerID]
}

func (i *Inventory) Decrement(_ context.Context, offerID string, qty int, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, done := i.applied[key]; done {
		return nil
	}
	if i.available[offerID] < qty {
		return domain.ErrInsufficientInventory
	}
	i.available[offerID] -= qty
	i.applied[key] = struct{}{}
	return nil
}

func (i *Inventory) Release(_ context.Context, offerID string, qty int, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, done := i.applied[key]; done {
		return nil
	}
	i.available[offerID] += qty
	i.applied[key] = struct{}{}
	return nil
}

type Points struct {
	mu       sync.Mutex
	balances map[string]int64
	applied  map[string]struct{}
}

func NewPoints() *Points {
	return &Points{
		balances: make(map[string]int64),
		applied:  make(map[string]struct{}),
	}
}

func (p *Points) Set(customerID string, balance int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[customerID] = balance
}

func (p *Points) Balance(customerID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[customerID]
}

func (p *Points) Debit(_ context.Context, customerID string, amount int64, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.applied[key]; done {
		return nil
	}
	if p.balances[customerID] < amount {
		return domain.ErrInsufficientPoints
	}
	p.balances[customerID] -= amount
	p.applied[key] = struct{}{}
	return nil
}

func (p *Points) Credit(_ context.Context, customerID string, amount int64, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.applied[key]; done {
		return nil
	}
	p.balances[customerID] += amount
	p.applied[key] = struct{}{}
	return nil
}

type Penalties struct {
	mu      sync.Mutex
	strikes map[string]int
	applied map[string]struct{}
}

func NewPenalties() *Penalties {
	return &Penalties{
		strikes: make(map[string]int),
		applied: make(map[string]struct{}),
	}
}

func (p *Penalties) Strikes(customerID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strikes[customerID]
}

func (p *Penalties) RecordNoShow(_ context.Context, customerID, _ string, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.applied[key]; done {
		return nil
	}
	p.strikes[customerID]++
	p.applied[key] = struct{}{}
	return nil
}
