package fsblobstore

import "context"

// FileBlob is a FILE-typed blob: a raw byte payload following the header.
type FileBlob struct {
	*base
}

// Size returns the file's content length, excluding the header.
func (f *FileBlob) Size(ctx context.Context) (uint64, error) {
	total, err := f.blob.Size(ctx)
	if err != nil {
		return 0, err
	}
	return total - headerSize, nil
}

// Read fills dst starting at offset bytes into the file's content.
func (f *FileBlob) Read(ctx context.Context, dst []byte, offset uint64) (int, error) {
	return f.blob.Read(ctx, dst, headerSize+offset)
}

// Write writes src starting at offset bytes into the file's content,
// growing the file as needed.
func (f *FileBlob) Write(ctx context.Context, src []byte, offset uint64) error {
	return f.blob.Write(ctx, src, headerSize+offset)
}

// Resize grows or shrinks the file's content to exactly newSize bytes.
func (f *FileBlob) Resize(ctx context.Context, newSize uint64) error {
	return f.blob.Resize(ctx, headerSize+newSize)
}

// ReadAll returns the file's entire content.
func (f *FileBlob) ReadAll(ctx context.Context) ([]byte, error) {
	size, err := f.Size(ctx)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, size)
	if _, err := f.Read(ctx, dst, 0); err != nil {
		return nil, err
	}
	return dst, nil
}
