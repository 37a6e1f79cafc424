package fsblobstore

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blobstore"
	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// Store creates, loads and removes filesystem-typed blobs on top of a
// blobstore.BlobStore.
type Store struct {
	blobs *blobstore.BlobStore
}

func New(blobs *blobstore.BlobStore) *Store {
	return &Store{blobs: blobs}
}

func defaultMetadata(mode uint32) Metadata {
	t := timeToTimespec(now())
	return Metadata{Mode: mode, Atime: t, Mtime: t, Ctime: t}
}

// CreateFileBlob creates a new FILE blob with default metadata, parented
// under parentId.
func (s *Store) CreateFileBlob(ctx context.Context, parentId blockstore.Id) (*FileBlob, error) {
	b, err := s.blobs.Create(ctx)
	if err != nil {
		return nil, err
	}
	h := header{blobType: BlobTypeFile, parentId: parentId, meta: defaultMetadata(0o100644)}
	if err := b.Write(ctx, encodeHeader(h), 0); err != nil {
		return nil, err
	}
	return &FileBlob{base: &base{blob: b, h: h}}, nil
}

// CreateDirBlob creates a new DIR blob with an empty DirEntryList, parented
// under parentId. The filesystem root, whose parentId is its own id, is
// created with CreateRootDirBlob instead.
func (s *Store) CreateDirBlob(ctx context.Context, parentId blockstore.Id) (*DirBlob, error) {
	b, err := s.blobs.Create(ctx)
	if err != nil {
		return nil, err
	}
	h := header{blobType: BlobTypeDir, parentId: parentId, meta: defaultMetadata(0o040755)}
	if err := b.Write(ctx, encodeHeader(h), 0); err != nil {
		return nil, err
	}
	return &DirBlob{base: &base{blob: b, h: h}}, nil
}

// CreateRootDirBlob creates the filesystem root: a DIR blob whose own id
// and parentId are both rootId. rootId is the id the caller generated for
// cryfs.config's root blob; the mount code writes cryfs.config only after
// this call.
func (s *Store) CreateRootDirBlob(ctx context.Context, rootId blockstore.Id) (*DirBlob, error) {
	b, err := s.blobs.CreateWithId(ctx, rootId)
	if err != nil {
		return nil, err
	}
	h := header{blobType: BlobTypeDir, parentId: rootId, meta: defaultMetadata(0o040755)}
	if err := b.Write(ctx, encodeHeader(h), 0); err != nil {
		return nil, err
	}
	return &DirBlob{base: &base{blob: b, h: h}}, nil
}

// CreateSymlinkBlob creates a new SYMLINK blob holding target, parented
// under parentId.
func (s *Store) CreateSymlinkBlob(ctx context.Context, target string, parentId blockstore.Id) (*SymlinkBlob, error) {
	b, err := s.blobs.Create(ctx)
	if err != nil {
		return nil, err
	}
	h := header{blobType: BlobTypeSymlink, parentId: parentId, meta: defaultMetadata(0o120777)}
	if err := b.Write(ctx, encodeHeader(h), 0); err != nil {
		return nil, err
	}
	if err := b.Write(ctx, []byte(target), headerSize); err != nil {
		return nil, err
	}
	return &SymlinkBlob{base: &base{blob: b, h: h}}, nil
}

// Load opens the filesystem blob rooted at id, dispatching on its stored
// type. It returns (nil, nil) if no blob exists under id.
func (s *Store) Load(ctx context.Context, id blockstore.Id) (FsBlob, error) {
	b, err := s.blobs.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	hdrBytes := make([]byte, headerSize)
	if _, err := b.Read(ctx, hdrBytes, 0); err != nil {
		return nil, err
	}
	h, err := decodeHeader(hdrBytes)
	if err != nil {
		return nil, err
	}
	bs := &base{blob: b, h: h}
	switch h.blobType {
	case BlobTypeFile:
		return &FileBlob{base: bs}, nil
	case BlobTypeSymlink:
		return &SymlinkBlob{base: bs}, nil
	case BlobTypeDir:
		size, err := b.Size(ctx)
		if err != nil {
			return nil, err
		}
		body := make([]byte, size-headerSize)
		if _, err := b.Read(ctx, body, headerSize); err != nil {
			return nil, err
		}
		entries, err := deserializeDirEntryList(body)
		if err != nil {
			return nil, err
		}
		return &DirBlob{base: bs, entries: entries}, nil
	default:
		return nil, xerrors.Errorf("fsblobstore: blob %s has unknown type %d", id, h.blobType)
	}
}

// Remove deletes the blob rooted at id (and, since blobs own the blocks of
// their own tree, every block belonging to it — but not any children it
// references, which callers must remove separately by walking the
// directory first).
func (s *Store) Remove(ctx context.Context, id blockstore.Id) error {
	return s.blobs.Remove(ctx, id)
}
