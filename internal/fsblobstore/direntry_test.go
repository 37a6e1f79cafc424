package fsblobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

func TestDirEntryListSerializationRoundTrip(t *testing.T) {
	entries := []DirEntry{
		{Type: BlobTypeFile, Mode: 0o644, Uid: 1, Gid: 2, Atime: Timespec{Sec: 1, Nsec: 2}, Mtime: Timespec{Sec: 3, Nsec: 4}, Ctime: Timespec{Sec: 5, Nsec: 6}, Name: "a.txt", ChildId: blockstore.NewId()},
		{Type: BlobTypeDir, Mode: 0o755, Uid: 0, Gid: 0, Atime: Timespec{}, Mtime: Timespec{}, Ctime: Timespec{}, Name: "subdir", ChildId: blockstore.NewId()},
		{Type: BlobTypeSymlink, Mode: 0o777, Uid: 9, Gid: 9, Atime: Timespec{Sec: 99}, Mtime: Timespec{Sec: 100}, Ctime: Timespec{Sec: 101}, Name: "link", ChildId: blockstore.NewId()},
	}

	serialized := serializeDirEntryList(entries)
	got, err := deserializeDirEntryList(serialized)
	require.NoError(t, err)
	require.Len(t, got, len(entries))

	byName := func(list []DirEntry, name string) DirEntry {
		for _, e := range list {
			if e.Name == name {
				return e
			}
		}
		t.Fatalf("entry %q not found", name)
		return DirEntry{}
	}
	for _, want := range entries {
		gotEntry := byName(got, want.Name)
		assert.Equal(t, want, gotEntry)
	}
}

func TestDirEntryListIsSortedByChildId(t *testing.T) {
	entries := []DirEntry{
		{Type: BlobTypeFile, Name: "z", ChildId: blockstore.Id{0xFF}},
		{Type: BlobTypeFile, Name: "a", ChildId: blockstore.Id{0x01}},
		{Type: BlobTypeFile, Name: "m", ChildId: blockstore.Id{0x80}},
	}
	serialized := serializeDirEntryList(entries)
	got, err := deserializeDirEntryList(serialized)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "m", got[1].Name)
	assert.Equal(t, "z", got[2].Name)
}

func TestEmptyDirEntryListRoundTrips(t *testing.T) {
	serialized := serializeDirEntryList(nil)
	assert.Empty(t, serialized)
	got, err := deserializeDirEntryList(serialized)
	require.NoError(t, err)
	assert.Empty(t, got)
}
