// Package integrity implements IntegrityBlockStore: a header attaching
// (client-id, version) to every block, backed by a KnownBlockVersions
// sidecar persisted in the local-state directory, detecting rollback,
// replay, forging and deletion.
package integrity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// ClientId identifies one mounting installation of this filesystem.
type ClientId uint32

// Version is a per-(block,client) monotonic write counter.
type Version uint64

// idState is the bookkeeping kept per block id.
type idState struct {
	// Versions maps every client id we have ever seen write this block to
	// the highest version we have seen from it.
	Versions map[ClientId]Version `json:"versions"`
	// LastClient/LastVersion is the most recently recorded (client,
	// version) pair for this id.
	LastClient  ClientId `json:"last_client"`
	LastVersion Version  `json:"last_version"`
	Tombstoned  bool     `json:"tombstoned"`
}

// ViolationKind enumerates the ways IntegrityBlockStore can detect an
// integrity violation.
type ViolationKind int

const (
	ViolationTombstoneReappeared ViolationKind = iota
	ViolationRollbackOwnWrites
	ViolationRollbackOtherClient
	ViolationMissingBlock
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationTombstoneReappeared:
		return "tombstoned block reappeared"
	case ViolationRollbackOwnWrites:
		return "rollback of our own writes detected"
	case ViolationRollbackOtherClient:
		return "rollback to a prior client's older state detected"
	case ViolationMissingBlock:
		return "a known block is missing from the base directory"
	default:
		return "unknown integrity violation"
	}
}

// Violation is returned (wrapped) whenever an integrity check in this
// package fails.
type Violation struct {
	Kind ViolationKind
	Id   blockstore.Id
}

func (v *Violation) Error() string {
	return xerrors.Errorf("integrity violation (%s) for block %s", v.Kind, v.Id).Error()
}

// State is KnownBlockVersions plus the poisoned flag, persisted as JSON
// in the local-state directory. A single mutex guards all mutation, and
// the state file is written atomically (write-to-temp + rename) on
// every update.
type State struct {
	mu       sync.Mutex
	path     string
	MyClient ClientId               `json:"my_client_id"`
	Poisoned bool                   `json:"poisoned"`
	Blocks   map[blockstore.Id]*idState `json:"blocks"`
}

// LoadState reads the integrity state sidecar at path, or returns a fresh
// empty state (with a newly generated MyClient id) if it does not exist
// yet — the first mount of a freshly created filesystem.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{
				path:     path,
				MyClient: NewClientId(),
				Blocks:   make(map[blockstore.Id]*idState),
			}, nil
		}
		return nil, xerrors.Errorf("integrity: read state %s: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, xerrors.Errorf("integrity: corrupt state %s: %w", path, err)
	}
	s.path = path
	if s.Blocks == nil {
		s.Blocks = make(map[blockstore.Id]*idState)
	}
	return &s, nil
}

// Save persists the state atomically (temp file + rename).
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *State) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return xerrors.Errorf("integrity: mkdir for state: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return xerrors.Errorf("integrity: marshal state: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0600); err != nil {
		return xerrors.Errorf("integrity: write state %s: %w", s.path, err)
	}
	return nil
}

// Poison marks the filesystem as having seen an integrity violation;
// subsequent mounts refuse until overridden.
func (s *State) Poison() error {
	s.mu.Lock()
	s.Poisoned = true
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

// IsPoisoned reports the persisted poisoned flag.
func (s *State) IsPoisoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Poisoned
}

// checkAndRecord runs the KnownBlockVersions checks for a block read
// with header (client, version). On success it updates the bookkeeping
// and returns nil.
func (s *State) checkAndRecord(id blockstore.Id, client ClientId, version Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.Blocks[id]
	if !ok {
		st = &idState{Versions: make(map[ClientId]Version)}
		s.Blocks[id] = st
	}
	if st.Tombstoned {
		return &Violation{Kind: ViolationTombstoneReappeared, Id: id}
	}
	if client == st.LastClient {
		if version < st.LastVersion {
			return &Violation{Kind: ViolationRollbackOwnWrites, Id: id}
		}
	} else if prev, seen := st.Versions[client]; seen && version <= prev {
		return &Violation{Kind: ViolationRollbackOtherClient, Id: id}
	}
	if version > st.Versions[client] {
		st.Versions[client] = version
	}
	st.LastClient = client
	st.LastVersion = version
	return s.saveLocked()
}

// recordWrite bumps our own client's version counter for id and records
// the result; called whenever this process writes a block.
func (s *State) recordWrite(id blockstore.Id) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.Blocks[id]
	if !ok {
		st = &idState{Versions: make(map[ClientId]Version)}
		s.Blocks[id] = st
	}
	version := st.Versions[s.MyClient] + 1
	st.Versions[s.MyClient] = version
	st.LastClient = s.MyClient
	st.LastVersion = version
	st.Tombstoned = false
	return version, s.saveLocked()
}

// recordRemove marks id as tombstoned.
func (s *State) recordRemove(id blockstore.Id) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.Blocks[id]
	if !ok {
		st = &idState{Versions: make(map[ClientId]Version)}
		s.Blocks[id] = st
	}
	st.Tombstoned = true
	return s.saveLocked()
}

// CheckNoMissingBlocks implements the exclusive_client_id
// missing-block-is-violation mode: every known, non-tombstoned id must
// still be present in lower.
func (s *State) CheckNoMissingBlocks(exists func(blockstore.Id) (bool, error)) error {
	s.mu.Lock()
	ids := make([]blockstore.Id, 0, len(s.Blocks))
	for id, st := range s.Blocks {
		if !st.Tombstoned {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		present, err := exists(id)
		if err != nil {
			return err
		}
		if !present {
			return &Violation{Kind: ViolationMissingBlock, Id: id}
		}
	}
	return nil
}
