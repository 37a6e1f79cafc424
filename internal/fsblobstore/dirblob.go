package fsblobstore

import (
	"context"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// DirBlob is a DIR-typed blob: a DirEntryList body following the header.
type DirBlob struct {
	*base
	entries []DirEntry
}

// Entries returns a copy of the directory's entries.
func (d *DirBlob) Entries() []DirEntry {
	return append([]DirEntry{}, d.entries...)
}

// GetChildByName looks up an entry by name.
func (d *DirBlob) GetChildByName(name string) (DirEntry, bool) {
	for _, e := range d.entries {
		if e.Name == name {
			return e, true
		}
	}
	return DirEntry{}, false
}

// GetChildById looks up an entry by child blob id.
func (d *DirBlob) GetChildById(id blockstore.Id) (DirEntry, bool) {
	for _, e := range d.entries {
		if e.ChildId == id {
			return e, true
		}
	}
	return DirEntry{}, false
}

// typeCompatible reports whether two entries may be swapped for one
// another under AddOrOverwriteChild/RenameChild's type-compatibility
// rule: DIR only overwrites DIR, non-DIR only overwrites non-DIR.
func typeCompatible(a, b BlobType) bool {
	return (a == BlobTypeDir) == (b == BlobTypeDir)
}

// AddOrOverwriteChild inserts (or, if name already exists, replaces) a
// directory entry. If an entry with this name already existed, its old
// child id is passed to onOverwrite (so the caller can schedule deletion
// of the now-orphaned blob subtree) before being replaced.
func (d *DirBlob) AddOrOverwriteChild(
	ctx context.Context,
	name string,
	childId blockstore.Id,
	blobType BlobType,
	mode, uid, gid uint32,
	atime, mtime Timespec,
	onOverwrite func(oldChildId blockstore.Id),
) error {
	ctime := timeToTimespec(now())
	newEntry := DirEntry{
		Type: blobType, Mode: mode, Uid: uid, Gid: gid,
		Atime: atime, Mtime: mtime, Ctime: ctime,
		Name: name, ChildId: childId,
	}
	for i, e := range d.entries {
		if e.Name == name {
			if !typeCompatible(e.Type, blobType) {
				return xerrors.Errorf("fsblobstore: cannot overwrite %s entry %q with a %s entry", e.Type, name, blobType)
			}
			if onOverwrite != nil {
				onOverwrite(e.ChildId)
			}
			d.entries[i] = newEntry
			return d.flushEntries(ctx)
		}
	}
	d.entries = append(d.entries, newEntry)
	return d.flushEntries(ctx)
}

// RenameChild renames the entry for childId to newName. If newName is
// already taken by a different child, the same type-compatibility rule as
// AddOrOverwriteChild applies and the old entry is reported via
// onOverwrite before being replaced.
func (d *DirBlob) RenameChild(
	ctx context.Context,
	childId blockstore.Id,
	newName string,
	onOverwrite func(oldChildId blockstore.Id),
) error {
	srcIdx := -1
	for i, e := range d.entries {
		if e.ChildId == childId {
			srcIdx = i
			break
		}
	}
	if srcIdx < 0 {
		return xerrors.Errorf("fsblobstore: rename: child %s not found", childId)
	}
	for i, e := range d.entries {
		if e.Name == newName && e.ChildId != childId {
			if !typeCompatible(e.Type, d.entries[srcIdx].Type) {
				return xerrors.Errorf("fsblobstore: cannot rename onto %s entry %q with a %s entry", e.Type, newName, d.entries[srcIdx].Type)
			}
			if onOverwrite != nil {
				onOverwrite(e.ChildId)
			}
			d.entries[srcIdx].Name = newName
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return d.flushEntries(ctx)
		}
	}
	d.entries[srcIdx].Name = newName
	return d.flushEntries(ctx)
}

// RemoveChildByName removes the entry with the given name.
func (d *DirBlob) RemoveChildByName(ctx context.Context, name string) error {
	for i, e := range d.entries {
		if e.Name == name {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return d.flushEntries(ctx)
		}
	}
	return xerrors.Errorf("fsblobstore: remove: entry %q not found", name)
}

// RemoveChildById removes the entry with the given child id.
func (d *DirBlob) RemoveChildById(ctx context.Context, id blockstore.Id) error {
	for i, e := range d.entries {
		if e.ChildId == id {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return d.flushEntries(ctx)
		}
	}
	return xerrors.Errorf("fsblobstore: remove: child %s not found", id)
}

// StatChild returns the stat-relevant fields of a child entry by name.
func (d *DirBlob) StatChild(name string) (DirEntry, error) {
	e, ok := d.GetChildByName(name)
	if !ok {
		return DirEntry{}, xerrors.Errorf("fsblobstore: stat: entry %q not found", name)
	}
	return e, nil
}

// ChmodChild updates a child entry's mode bits (the permission bits only;
// the file-type bits are preserved, mirroring base.Chmod).
func (d *DirBlob) ChmodChild(ctx context.Context, childId blockstore.Id, mode uint32) error {
	return d.mutateChild(ctx, childId, func(e *DirEntry) {
		e.Mode = (e.Mode &^ 0o007777) | (mode & 0o007777)
	})
}

// ChownChild updates a child entry's uid/gid.
func (d *DirBlob) ChownChild(ctx context.Context, childId blockstore.Id, uid, gid uint32) error {
	return d.mutateChild(ctx, childId, func(e *DirEntry) {
		e.Uid = uid
		e.Gid = gid
	})
}

// UtimensChild updates a child entry's atime/mtime.
func (d *DirBlob) UtimensChild(ctx context.Context, childId blockstore.Id, atime, mtime Timespec) error {
	return d.mutateChild(ctx, childId, func(e *DirEntry) {
		e.Atime = atime
		e.Mtime = mtime
	})
}

func (d *DirBlob) mutateChild(ctx context.Context, childId blockstore.Id, fn func(e *DirEntry)) error {
	for i := range d.entries {
		if d.entries[i].ChildId == childId {
			fn(&d.entries[i])
			return d.flushEntries(ctx)
		}
	}
	return xerrors.Errorf("fsblobstore: child %s not found", childId)
}

func (d *DirBlob) flushEntries(ctx context.Context) error {
	body := serializeDirEntryList(d.entries)
	if err := d.blob.Resize(ctx, headerSize+uint64(len(body))); err != nil {
		return err
	}
	return d.blob.Write(ctx, body, headerSize)
}
