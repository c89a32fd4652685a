package goAuthenticator

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestIdentityModelInsertRules(t *testing.T) {
	model := NewIdentityModel()
	alice, err := model.AddIdentity(aliceRef)
	if err != nil {
		t.Fatalf("AddIdentity: %v", err)
	}
	again, _ := model.AddIdentity(aliceRef)
	if again != alice {
		t.Fatal("AddIdentity must return the existing identity")
	}
	if _, err := model.AddIdentity(IdentityRef{AccountName: "no-issuer"}); err == nil {
		t.Fatal("expected error for incomplete ref")
	}

	m := &Mechanism{ID: "m-1", Identity: aliceRef, Kind: KindOTP}
	if err := model.InsertMechanism(alice, m); err != nil {
		t.Fatalf("InsertMechanism: %v", err)
	}
	if err := model.InsertMechanism(alice, m); !errors.Is(err, ErrDuplicateMechanism) {
		t.Fatalf("expected ErrDuplicateMechanism, got %v", err)
	}
	other := &Mechanism{ID: "m-2", Identity: IdentityRef{Issuer: "Example", AccountName: "bob"}}
	if err := model.InsertMechanism(alice, other); !errors.Is(err, ErrModelAssociationFailed) {
		t.Fatalf("expected ErrModelAssociationFailed for foreign mechanism, got %v", err)
	}
	if err := model.InsertMechanism(nil, m); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound for nil identity, got %v", err)
	}

	if !model.RemoveIdentity(aliceRef) || model.RemoveIdentity(aliceRef) {
		t.Fatal("RemoveIdentity must report presence once")
	}
	if err := model.InsertMechanism(alice, &Mechanism{ID: "m-3", Identity: aliceRef}); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound after removal, got %v", err)
	}
	if _, ok := model.FindIdentity(aliceRef); ok {
		t.Fatal("removed identity must not be found")
	}
}

func TestIdentityModelPreservesOrder(t *testing.T) {
	bob := IdentityRef{Issuer: "Example", AccountName: "bob"}
	model := newModelWith(t, bob, aliceRef)

	ids := model.Identities()
	if len(ids) != 2 || ids[0].Ref() != bob || ids[1].Ref() != aliceRef {
		t.Fatalf("unexpected identity order")
	}

	identity, _ := model.FindIdentity(aliceRef)
	for _, id := range []string{"c", "a", "b"} {
		if err := model.InsertMechanism(identity, &Mechanism{ID: id, Identity: aliceRef}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	mechs := identity.Mechanisms()
	if mechs[0].ID != "c" || mechs[1].ID != "a" || mechs[2].ID != "b" {
		t.Fatal("mechanisms must keep insertion order")
	}
	mechs[0] = nil
	if identity.Mechanisms()[0] == nil {
		t.Fatal("Mechanisms must return a copy")
	}
}

func TestIdentityModelConcurrentInsert(t *testing.T) {
	model := newModelWith(t, aliceRef)
	identity, _ := model.FindIdentity(aliceRef)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := &Mechanism{ID: string(rune('A'+i%26)) + string(rune('0'+i/26)), Identity: aliceRef}
			if err := model.InsertMechanism(identity, m); err != nil {
				t.Errorf("insert %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if identity.MechanismCount() != n {
		t.Fatalf("expected %d mechanisms, got %d", n, identity.MechanismCount())
	}
}

type staticSource struct {
	refs  []IdentityRef
	mechs map[IdentityRef][]*Mechanism
	err   error
}

func (s staticSource) Identities(context.Context) ([]IdentityRef, error) {
	return s.refs, s.err
}

func (s staticSource) Mechanisms(_ context.Context, ref IdentityRef) ([]*Mechanism, error) {
	return s.mechs[ref], nil
}

func TestLoadIdentityModel(t *testing.T) {
	source := staticSource{
		refs: []IdentityRef{aliceRef},
		mechs: map[IdentityRef][]*Mechanism{
			aliceRef: {{ID: "m-1", Identity: aliceRef}, {ID: "m-2", Identity: aliceRef}},
		},
	}
	model, err := LoadIdentityModel(context.Background(), source)
	if err != nil {
		t.Fatalf("LoadIdentityModel: %v", err)
	}
	identity, ok := model.FindIdentity(aliceRef)
	if !ok || identity.MechanismCount() != 2 {
		t.Fatal("expected identity with two mechanisms")
	}

	if _, err := LoadIdentityModel(context.Background(), staticSource{err: errStoreOff}); !errors.Is(err, errStoreOff) {
		t.Fatalf("expected source error, got %v", err)
	}
}
