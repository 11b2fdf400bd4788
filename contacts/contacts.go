// Package contacts holds per-user contact registration and the whitelist
// gate that authorizes payment destinations.
package contacts

import (
	"context"

	"github.com/paybot/openpay/types"
)

// Store is the contact persistence collaborator. ListContacts ordering must
// be stable across calls so index-based selection stays valid within a
// conversation.
type Store interface {
	ListContacts(ctx context.Context, userID string) ([]types.Contact, error)
	AddContact(ctx context.Context, userID, name string, destination types.AccountIdentifier, note string) (*types.Contact, error)
	RemoveContact(ctx context.Context, userID, contactID string) error
}

// Gate is the whitelist policy boundary: a payment may only run for a
// (user, destination) pair the user has registered as a contact.
type Gate struct {
	store Store
}

func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// IsAllowed reports whether destination is a registered contact of userID.
func (g *Gate) IsAllowed(ctx context.Context, userID string, destination types.AccountIdentifier) (bool, error) {
	list, err := g.store.ListContacts(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, c := range list {
		if c.Destination == destination {
			return true, nil
		}
	}
	return false, nil
}
