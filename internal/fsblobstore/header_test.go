package fsblobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs-go/cryfs/internal/blockstore"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := header{
		blobType: BlobTypeDir,
		parentId: blockstore.NewId(),
		meta: Metadata{
			Mode: 0o755, Uid: 1000, Gid: 1000,
			Atime: Timespec{Sec: 10, Nsec: 20},
			Mtime: Timespec{Sec: 30, Nsec: 40},
			Ctime: Timespec{Sec: 50, Nsec: 60},
		},
	}
	raw := encodeHeader(h)
	assert.Len(t, raw, headerSize)

	got, err := decodeHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeHeaderRejectsBadVersion(t *testing.T) {
	raw := encodeHeader(header{blobType: BlobTypeFile, parentId: blockstore.NewId()})
	raw[0] = 0xFF
	_, err := decodeHeader(raw)
	assert.Error(t, err)
}

func TestDecodeHeaderRejectsTooShort(t *testing.T) {
	_, err := decodeHeader(make([]byte, headerSize-1))
	assert.Error(t, err)
}
