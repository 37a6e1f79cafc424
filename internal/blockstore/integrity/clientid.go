package integrity

import "github.com/google/uuid"

// NewClientId generates a fresh, random 32-bit client id, meant to be
// generated once per base directory per mounting client. Derived from a
// UUID the same way the rest of the repo mints random ids (see
// internal/cryconfig), truncated to 32 bits. LoadState
// calls it to mint the id stored in a fresh integrity state; no separate
// myClientId file is written.
func NewClientId() ClientId {
	u := uuid.New()
	return ClientId(u[0])<<24 | ClientId(u[1])<<16 | ClientId(u[2])<<8 | ClientId(u[3])
}
