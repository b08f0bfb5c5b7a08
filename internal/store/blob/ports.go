package blob

import (
	"context"
	"io"
)

// Store is the boundary to the blob storage collaborator. The pipeline only
// needs a confirmed stored location back; everything else about the storage
// service is out of scope.
type Store interface {
	Upload(ctx context.Context, path string, content io.Reader) (location string, err error)
	Close() error
}
