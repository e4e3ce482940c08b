package transfer

import (
	"crypto/rand"
	"fmt"
	"sync"
)

// pseudonymLength is the length of generated pseudonyms.
const pseudonymLength = 12

// Unambiguous alphabet: no 0/O, 1/I/l lookalikes, since pseudonyms end up
// transcribed by study staff.
const pseudonymAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// PseudonymRegistry issues pseudonyms that are stable per patient within
// its scope (one registry per job) and unique across all patients the
// process has seen. Safe for concurrent use.
type PseudonymRegistry struct {
	mu        sync.Mutex
	byPatient map[string]string
	issued    map[string]bool
}

// NewPseudonymRegistry creates an empty registry.
func NewPseudonymRegistry() *PseudonymRegistry {
	return &PseudonymRegistry{
		byPatient: make(map[string]string),
		issued:    make(map[string]bool),
	}
}

// Pseudonym returns the pseudonym for the patient, generating one on first
// request. Re-requesting for the same patient returns the issued value.
func (r *PseudonymRegistry) Pseudonym(patientID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pseudonym, ok := r.byPatient[patientID]; ok {
		return pseudonym, nil
	}

	pseudonym, err := r.generate()
	if err != nil {
		return "", err
	}
	r.byPatient[patientID] = pseudonym
	r.issued[pseudonym] = true
	return pseudonym, nil
}

// Reserve records an externally supplied pseudonym (from a batch row) so
// generated ones can never collide with it.
func (r *PseudonymRegistry) Reserve(patientID, pseudonym string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPatient[patientID] = pseudonym
	r.issued[pseudonym] = true
}

// generate draws random pseudonyms until one is unused. Collisions are
// vanishingly rare at this alphabet size but regeneration keeps uniqueness
// unconditional.
func (r *PseudonymRegistry) generate() (string, error) {
	for {
		buf := make([]byte, pseudonymLength)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generating pseudonym: %w", err)
		}
		for i, b := range buf {
			buf[i] = pseudonymAlphabet[int(b)%len(pseudonymAlphabet)]
		}
		pseudonym := string(buf)
		if !r.issued[pseudonym] {
			return pseudonym, nil
		}
	}
}
