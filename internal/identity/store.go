package identity

import "fmt"

// Store is a case-sensitive, name-keyed collection of IdentityState, keyed
// internally by a precomputed hash so the packet path can look an identity
// up by hash alone (spec §3.3). It is not itself concurrency-safe: callers
// serialize access through the Coordinator's admin lock.
type Store struct {
	byHash map[uint64]*IdentityState
	byName map[string]uint64
}

func NewStore() *Store {
	return &Store{
		byHash: make(map[uint64]*IdentityState),
		byName: make(map[string]uint64),
	}
}

// ErrDuplicateID is returned by Register when id is already present.
var ErrDuplicateID = fmt.Errorf("identity: duplicate id")

// ErrUnknownID is returned by RegisterCheck when no identity with the given
// name exists to reference.
var ErrUnknownID = fmt.Errorf("identity: unknown id")

// Register inserts a new, independently-owned identity for a Monitor or
// Compare rule. A duplicate id is a hard rejection per spec §6.
func (s *Store) Register(st *IdentityState) error {
	if _, ok := s.byName[st.ID]; ok {
		return ErrDuplicateID
	}
	h := HashID(st.ID)
	st.RefCount = 1
	s.byHash[h] = st
	s.byName[st.ID] = h
	return nil
}

// RegisterCheck resolves the identity named id for a Check/CheckSwap rule,
// incrementing its reference count rather than creating a new entry — the
// two rules share one IdentityState.
func (s *Store) RegisterCheck(id string) (*IdentityState, error) {
	st, ok := s.Lookup(id)
	if !ok {
		return nil, ErrUnknownID
	}
	st.RefCount++
	return st, nil
}

// InstallRule is the engine-side half of on_rule_install (spec §6): it
// registers st as a new Monitor/Compare identity and returns the rule
// handle the firewall rule keeps as its back-pointer.
func (s *Store) InstallRule(st *IdentityState) (*Rule, error) {
	if err := s.Register(st); err != nil {
		return nil, err
	}
	return &Rule{CheckKind: st.CheckKind, Target: st}, nil
}

// InstallCheckRule is the engine-side half of on_rule_install for a
// Check/CheckSwap rule: it resolves and ref-counts the identity named id
// and returns a rule handle carrying its own check kind.
func (s *Store) InstallCheckRule(id string, checkKind CheckKind) (*Rule, error) {
	target, err := s.RegisterCheck(id)
	if err != nil {
		return nil, err
	}
	return &Rule{CheckKind: checkKind, Target: target}, nil
}

// Unregister decrements id's reference count, freeing its state once it
// reaches zero. Returns false if id was not found.
func (s *Store) Unregister(id string) bool {
	h, ok := s.byName[id]
	if !ok {
		return false
	}
	st := s.byHash[h]
	st.RefCount--
	if st.RefCount <= 0 {
		delete(s.byHash, h)
		delete(s.byName, id)
	}
	return true
}

// Lookup resolves an identity by name.
func (s *Store) Lookup(id string) (*IdentityState, bool) {
	h, ok := s.byName[id]
	if !ok {
		return nil, false
	}
	st, ok := s.byHash[h]
	return st, ok
}

// LookupHash resolves an identity by precomputed hash (see HashID). The
// packet path does not call it: Check/CheckSwap rules carry their resolved
// Target (see Rule).
func (s *Store) LookupHash(h uint64) (*IdentityState, bool) {
	st, ok := s.byHash[h]
	return st, ok
}

// Len returns the number of distinct identities currently registered.
func (s *Store) Len() int { return len(s.byHash) }

// Names returns every registered identity's name, for diagnostics.
func (s *Store) Names() []string {
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	return out
}
