package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	pubnubgo "github.com/pubnub/go/v7"

	"reservation-engine/internal/domain"
)

type PubNubConfig struct {
	PublishKey, SubscribeKey, SecretKey, UserID string
	// GrantTTLMinutes bounds the subscribe tokens handed to customers.
	GrantTTLMinutes int
}

// PubNub pushes notifications to per-customer channels.
type PubNub struct {
	pn       *pubnubgo.PubNub
	grantTTL int
}

func NewPubNub(cfg *PubNubConfig) (*PubNub, error) {
	if cfg == nil {
		return nil, fmt.Errorf("[NewPubNub] cfg: must not be nil")
	}
	if cfg.PublishKey == "" || cfg.SubscribeKey == "" {
		return nil, fmt.Errorf("[NewPubNub] publish and subscribe keys are required")
	}

	pnCfg := pubnubgo.NewConfigWithUserId(pubnubgo.UserId(cfg.UserID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.SecretKey = cfg.SecretKey

	ttl := cfg.GrantTTLMinutes
	if ttl <= 0 {
		ttl = 60
	}
	return &PubNub{pn: pubnubgo.NewPubNub(pnCfg), grantTTL: ttl}, nil
}

// ChannelFor is the channel a customer subscribes to.
func ChannelFor(customerID string) string {
	return fmt.Sprintf("channel-%s", customerID)
}

func (p *PubNub) Notify(ctx context.Context, ev domain.TerminalEvent) error {
	_, err := p.Publish(ctx, ev.CustomerID, MessageFor(ev))
	return err
}

// Publish sends payload to the customer's channel and returns the PubNub
// timetoken.
func (p *PubNub) Publish(ctx context.Context, customerID string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	resp, _, err := p.pn.PublishWithContext(ctx).
		Channel(ChannelFor(customerID)).
		Message(string(body)).
		Execute()
	if err != nil {
		return "", fmt.Errorf("pubnub publish: %w", err)
	}
	return strconv.FormatInt(resp.Timestamp, 10), nil
}

// GrantToken issues a read-only token scoped to one customer's channel.
func (p *PubNub) GrantToken(ctx context.Context, customerID string) (string, error) {
	perms := map[string]pubnubgo.ChannelPermissions{
		ChannelFor(customerID): {Read: true},
	}
	res, _, err := p.pn.GrantTokenWithContext(ctx).
		TTL(p.grantTTL).
		AuthorizedUUID(customerID).
		Channels(perms).
		Execute()
	if err != nil {
		return "", fmt.Errorf("pubnub grant: %w", err)
	}
	return res.Data.Token, nil
}
