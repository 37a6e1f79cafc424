package fsblobstore

import "context"

// SymlinkBlob is a SYMLINK-typed blob: a UTF-8 target path following the
// header, with no terminator.
type SymlinkBlob struct {
	*base
}

// Target returns the symlink's target path.
func (s *SymlinkBlob) Target(ctx context.Context) (string, error) {
	total, err := s.blob.Size(ctx)
	if err != nil {
		return "", err
	}
	dst := make([]byte, total-headerSize)
	if _, err := s.blob.Read(ctx, dst, headerSize); err != nil {
		return "", err
	}
	return string(dst), nil
}

// SetTarget overwrites the symlink's target path.
func (s *SymlinkBlob) SetTarget(ctx context.Context, target string) error {
	if err := s.blob.Resize(ctx, headerSize+uint64(len(target))); err != nil {
		return err
	}
	return s.blob.Write(ctx, []byte(target), headerSize)
}
