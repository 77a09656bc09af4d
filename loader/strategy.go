package loader

import (
	"context"

	"github.com/IvanBrykalov/imgcache/resource"
)

// Fetched is the product of a strategy fetch.
type Fetched struct {
	Payload resource.Payload
	// Encoded is stored in the disk tier when non-empty.
	Encoded []byte
}

// Strategy supplies the source-specific half of a Loader.
type Strategy interface {
	// DiskCacheName is the disk tier namespace; "" disables the disk tier.
	DiskCacheName() string
	// Workers is the concurrency of the pool created when Options.Pool is nil.
	Workers() int
	// FetchAndDecode produces the payload of id sized for w×h. A nil result
	// with a nil error means the source has no usable image.
	FetchAndDecode(ctx context.Context, id string, w, h int) (*Fetched, error)
	// Decode turns disk tier bytes back into a payload.
	Decode(data []byte, w, h int) (resource.Payload, error)
}
