// Package peerid generates the per-process identifier a peer uses to
// occupy a slot (initiator or receiver) in a rendezvous row.
package peerid

import (
	"sync"

	"github.com/google/uuid"
)

// ID is a random identifier rendered as a UUID string.
type ID string

var (
	once    sync.Once
	current ID
	err     error
)

// New returns the process-lifetime peer identity, generating it on first
// call and returning the same value (or the original error) thereafter.
// A process may only ever hold one active session identity.
func New() (ID, error) {
	once.Do(func() {
		generated, genErr := uuid.NewRandom()
		if genErr != nil {
			err = genErr
			return
		}
		current = ID(generated.String())
	})
	return current, err
}

// Reset clears the process-lifetime identity. It exists for tests that
// need independent identities across subtests; production code should
// never call it, since a real process only ever has one identity.
func Reset() {
	once = sync.Once{}
	current = ""
	err = nil
}

// Fresh generates a brand-new identity bypassing the singleton, for use
// by multiple simulated peers within a single test process.
func Fresh() (ID, error) {
	generated, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return ID(generated.String()), nil
}

func (id ID) String() string { return string(id) }
