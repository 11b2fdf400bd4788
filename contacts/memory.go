package contacts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/paybot/openpay/types"
)

// MemoryStore keeps contacts in process memory, ordered by insertion.
type MemoryStore struct {
	mu       sync.RWMutex
	contacts map[string][]types.Contact
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts: make(map[string][]types.Contact),
	}
}

func (s *MemoryStore) ListContacts(_ context.Context, userID string) ([]types.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.contacts[userID]
	out := make([]types.Contact, len(list))
	copy(out, list)
	return out, nil
}

func (s *MemoryStore) AddContact(_ context.Context, userID, name string, destination types.AccountIdentifier, note string) (*types.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.contacts[userID] {
		if c.Destination == destination {
			return nil, &types.Error{
				Code:    types.ErrDuplicateContact,
				Message: fmt.Sprintf("a contact with destination %s already exists", destination),
			}
		}
	}

	s.seq++
	contact := types.Contact{
		ID:          fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq),
		Name:        name,
		Destination: destination,
		Note:        note,
		CreatedAt:   time.Now(),
	}
	s.contacts[userID] = append(s.contacts[userID], contact)

	return &contact, nil
}

func (s *MemoryStore) RemoveContact(_ context.Context, userID, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.contacts[userID]
	for i, c := range list {
		if c.ID == contactID {
			s.contacts[userID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}

	return &types.Error{
		Code:    types.ErrContactNotFound,
		Message: fmt.Sprintf("no contact with id %s", contactID),
	}
}
