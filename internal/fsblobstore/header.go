// Package fsblobstore wraps blobstore.Blob with the filesystem-level
// structure CryDevice's node layer actually needs: a typed header (file,
// directory or symlink) plus, for directories, a DirEntryList.
package fsblobstore

import (
	"encoding/binary"
	"time"

	"golang.org/x/xerrors"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

// BlobFormatVersion is the FsBlobView header format version.
const BlobFormatVersion uint16 = 0

// BlobType tags what kind of filesystem object a blob holds.
type BlobType uint8

const (
	BlobTypeFile    BlobType = 1
	BlobTypeDir     BlobType = 2
	BlobTypeSymlink BlobType = 3
)

func (t BlobType) String() string {
	switch t {
	case BlobTypeFile:
		return "file"
	case BlobTypeDir:
		return "dir"
	case BlobTypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// timespecSize is sizeof(int64 seconds) + sizeof(int32 nanoseconds).
const timespecSize = 12

// Timespec is a wire-compatible POSIX time value.
type Timespec struct {
	Sec  int64
	Nsec int32
}

func timeToTimespec(t time.Time) Timespec {
	return Timespec{Sec: t.Unix(), Nsec: int32(t.Nanosecond())}
}

func (ts Timespec) Time() time.Time {
	return time.Unix(ts.Sec, int64(ts.Nsec))
}

func encodeTimespec(buf []byte, ts Timespec) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ts.Sec))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(ts.Nsec))
}

func decodeTimespec(buf []byte) Timespec {
	return Timespec{
		Sec:  int64(binary.LittleEndian.Uint64(buf[0:8])),
		Nsec: int32(binary.LittleEndian.Uint32(buf[8:12])),
	}
}

// Metadata is the (mode, uid, gid, atime, mtime, ctime) tuple carried by
// both the FsBlobView header and every DirEntry.
type Metadata struct {
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Atime Timespec
	Mtime Timespec
	Ctime Timespec
}

// metadataSize is sizeof(mode)+sizeof(uid)+sizeof(gid)+3*timespecSize.
const metadataSize = 4 + 4 + 4 + 3*timespecSize

func encodeMetadata(buf []byte, m Metadata) {
	binary.LittleEndian.PutUint32(buf[0:4], m.Mode)
	binary.LittleEndian.PutUint32(buf[4:8], m.Uid)
	binary.LittleEndian.PutUint32(buf[8:12], m.Gid)
	encodeTimespec(buf[12:24], m.Atime)
	encodeTimespec(buf[24:36], m.Mtime)
	encodeTimespec(buf[36:48], m.Ctime)
}

func decodeMetadata(buf []byte) Metadata {
	return Metadata{
		Mode:  binary.LittleEndian.Uint32(buf[0:4]),
		Uid:   binary.LittleEndian.Uint32(buf[4:8]),
		Gid:   binary.LittleEndian.Uint32(buf[8:12]),
		Atime: decodeTimespec(buf[12:24]),
		Mtime: decodeTimespec(buf[24:36]),
		Ctime: decodeTimespec(buf[36:48]),
	}
}

// headerSize is sizeof(blob_format_version) + sizeof(blob_type) +
// sizeof(parent_blob_id) + sizeof(metadata).
const headerSize = 2 + 1 + blockstore.IdSize + metadataSize

type header struct {
	blobType BlobType
	parentId blockstore.Id
	meta     Metadata
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(buf[0:2], BlobFormatVersion)
	buf[2] = uint8(h.blobType)
	copy(buf[3:3+blockstore.IdSize], h.parentId[:])
	encodeMetadata(buf[3+blockstore.IdSize:], h.meta)
	return buf
}

func decodeHeader(raw []byte) (header, error) {
	if len(raw) < headerSize {
		return header{}, xerrors.New("fsblobstore: blob too short for header")
	}
	version := binary.LittleEndian.Uint16(raw[0:2])
	if version != BlobFormatVersion {
		return header{}, xerrors.Errorf("fsblobstore: unsupported blob format version %d", version)
	}
	var h header
	h.blobType = BlobType(raw[2])
	copy(h.parentId[:], raw[3:3+blockstore.IdSize])
	h.meta = decodeMetadata(raw[3+blockstore.IdSize:])
	return h, nil
}
