package blobstore

import (
	"context"
	"fmt"
)

const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendS3     = "s3"
)

type Options struct {
	Backend string
	Dir     string
	MaxSize int64
	S3      S3Options
}

// Open builds the Store selected by o.Backend.
func Open(ctx context.Context, o Options) (Store, error) {
	switch o.Backend {
	case BackendMemory:
		return NewMemoryStore(o.MaxSize), nil
	case BackendDisk:
		return NewDiskStore(o.Dir, o.MaxSize)
	case BackendS3:
		s3o := o.S3
		if s3o.MaxSize == 0 {
			s3o.MaxSize = o.MaxSize
		}
		return NewS3Store(ctx, s3o)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", o.Backend)
	}
}
