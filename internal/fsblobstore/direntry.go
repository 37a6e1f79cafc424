package fsblobstore

import (
	"bytes"
	"encoding/binary"
	"sort"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// DirEntry is one entry of a directory blob's DirEntryList.
type DirEntry struct {
	Type    BlobType
	Mode    uint32
	Uid     uint32
	Gid     uint32
	Atime   Timespec
	Mtime   Timespec
	Ctime   Timespec
	Name    string
	ChildId blockstore.Id
}

// entryFixedSize is every DirEntry field except Name (which is a
// nul-terminated string) and ChildId (appended after the name).
const entryFixedSize = 1 + 4 + 4 + 4 + 3*timespecSize

func encodeDirEntry(e DirEntry) []byte {
	buf := make([]byte, entryFixedSize+len(e.Name)+1+blockstore.IdSize)
	pos := 0
	buf[pos] = uint8(e.Type)
	pos++
	binary.LittleEndian.PutUint32(buf[pos:pos+4], e.Mode)
	pos += 4
	binary.LittleEndian.PutUint32(buf[pos:pos+4], e.Uid)
	pos += 4
	binary.LittleEndian.PutUint32(buf[pos:pos+4], e.Gid)
	pos += 4
	encodeTimespec(buf[pos:pos+12], e.Atime)
	pos += 12
	encodeTimespec(buf[pos:pos+12], e.Mtime)
	pos += 12
	encodeTimespec(buf[pos:pos+12], e.Ctime)
	pos += 12
	copy(buf[pos:], e.Name)
	pos += len(e.Name)
	buf[pos] = 0 // nul terminator
	pos++
	copy(buf[pos:pos+blockstore.IdSize], e.ChildId[:])
	return buf
}

// decodeDirEntry parses one entry starting at raw[0] and returns it plus
// the number of bytes consumed.
func decodeDirEntry(raw []byte) (DirEntry, int, error) {
	if len(raw) < entryFixedSize+1+blockstore.IdSize {
		return DirEntry{}, 0, xerrors.New("fsblobstore: truncated dir entry")
	}
	var e DirEntry
	pos := 0
	e.Type = BlobType(raw[pos])
	pos++
	e.Mode = binary.LittleEndian.Uint32(raw[pos : pos+4])
	pos += 4
	e.Uid = binary.LittleEndian.Uint32(raw[pos : pos+4])
	pos += 4
	e.Gid = binary.LittleEndian.Uint32(raw[pos : pos+4])
	pos += 4
	e.Atime = decodeTimespec(raw[pos : pos+12])
	pos += 12
	e.Mtime = decodeTimespec(raw[pos : pos+12])
	pos += 12
	e.Ctime = decodeTimespec(raw[pos : pos+12])
	pos += 12
	nameEnd := bytes.IndexByte(raw[pos:], 0)
	if nameEnd < 0 {
		return DirEntry{}, 0, xerrors.New("fsblobstore: dir entry name missing nul terminator")
	}
	e.Name = string(raw[pos : pos+nameEnd])
	pos += nameEnd + 1
	if pos+blockstore.IdSize > len(raw) {
		return DirEntry{}, 0, xerrors.New("fsblobstore: truncated dir entry child id")
	}
	copy(e.ChildId[:], raw[pos:pos+blockstore.IdSize])
	pos += blockstore.IdSize
	return e, pos, nil
}

// serializeDirEntryList encodes entries (sorted by ChildId ascending,
// enabling a hinted near-O(log) lookup by id) into a DIR blob body.
func serializeDirEntryList(entries []DirEntry) []byte {
	sorted := append([]DirEntry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].ChildId[:], sorted[j].ChildId[:]) < 0
	})
	var buf bytes.Buffer
	for _, e := range sorted {
		buf.Write(encodeDirEntry(e))
	}
	return buf.Bytes()
}

func deserializeDirEntryList(raw []byte) ([]DirEntry, error) {
	var entries []DirEntry
	for len(raw) > 0 {
		e, n, err := decodeDirEntry(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		raw = raw[n:]
	}
	return entries, nil
}
