package goAuthenticator

import (
	"context"
	"sync"
)

// Identity is the aggregate root for one account. It owns its mechanisms in insertion order.
// The mechanism slice is only mutated through [MemoryIdentityModel.InsertMechanism].
type Identity struct {
	ref IdentityRef

	mu         sync.Mutex
	mechanisms []*Mechanism
	removed    bool
}

// Ref returns the identity's address.
func (i *Identity) Ref() IdentityRef {
	return i.ref
}

// Mechanisms returns a copy of the mechanism list in insertion order.
func (i *Identity) Mechanisms() []*Mechanism {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*Mechanism, len(i.mechanisms))
	copy(out, i.mechanisms)
	return out
}

// MechanismCount returns the number of associated mechanisms.
func (i *Identity) MechanismCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.mechanisms)
}

// MemoryIdentityModel is the in-process [IdentityModel]. Identity lookups share one RWMutex;
// mechanism insertion is serialized per identity.
type MemoryIdentityModel struct {
	mu         sync.RWMutex
	identities map[IdentityRef]*Identity
	order      []IdentityRef
}

// NewIdentityModel returns an empty model.
func NewIdentityModel() *MemoryIdentityModel {
	return &MemoryIdentityModel{
		identities: make(map[IdentityRef]*Identity),
	}
}

// AddIdentity returns the identity for ref, creating it when absent.
func (m *MemoryIdentityModel) AddIdentity(ref IdentityRef) (*Identity, error) {
	if !ref.Valid() {
		return nil, ErrIdentityNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.identities[ref]; ok {
		return id, nil
	}
	id := &Identity{ref: ref}
	m.identities[ref] = id
	m.order = append(m.order, ref)
	return id, nil
}

// FindIdentity implements [IdentityModel].
func (m *MemoryIdentityModel) FindIdentity(ref IdentityRef) (*Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[ref]
	return id, ok
}

// RemoveIdentity detaches the identity. Later inserts through a stale *Identity fail with
// [ErrIdentityNotFound].
func (m *MemoryIdentityModel) RemoveIdentity(ref IdentityRef) bool {
	m.mu.Lock()
	id, ok := m.identities[ref]
	if ok {
		delete(m.identities, ref)
		for i, r := range m.order {
			if r == ref {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if ok {
		id.mu.Lock()
		id.removed = true
		id.mu.Unlock()
	}
	return ok
}

// Identities returns the identities in the order they were added.
func (m *MemoryIdentityModel) Identities() []*Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Identity, 0, len(m.order))
	for _, ref := range m.order {
		out = append(out, m.identities[ref])
	}
	return out
}

// InsertMechanism implements [IdentityModel].
func (m *MemoryIdentityModel) InsertMechanism(identity *Identity, mech *Mechanism) error {
	if identity == nil {
		return ErrIdentityNotFound
	}
	if mech == nil || mech.Identity != identity.ref {
		return ErrModelAssociationFailed
	}

	identity.mu.Lock()
	defer identity.mu.Unlock()

	if identity.removed {
		return ErrIdentityNotFound
	}
	for _, existing := range identity.mechanisms {
		if existing.ID == mech.ID {
			return ErrDuplicateMechanism
		}
	}
	identity.mechanisms = append(identity.mechanisms, mech)
	return nil
}

// IdentitySource lists persisted identities and their mechanisms.
type IdentitySource interface {
	Identities(ctx context.Context) ([]IdentityRef, error)
	Mechanisms(ctx context.Context, ref IdentityRef) ([]*Mechanism, error)
}

// LoadIdentityModel rebuilds a model from persisted state.
func LoadIdentityModel(ctx context.Context, source IdentitySource) (*MemoryIdentityModel, error) {
	model := NewIdentityModel()
	refs, err := source.Identities(ctx)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		identity, err := model.AddIdentity(ref)
		if err != nil {
			return nil, err
		}
		mechs, err := source.Mechanisms(ctx, ref)
		if err != nil {
			return nil, err
		}
		for _, mech := range mechs {
			if err := model.InsertMechanism(identity, mech); err != nil {
				return nil, err
			}
		}
	}
	return model, nil
}
