package drivebucket

import (
	"crypto/sha1"
	"encoding/hex"
	"time"

	"github.com/drivebucket/drivebucket/remote"
)

// Object is one entry of the container, as seen by the storage node above
// it. It is always derived from a remote listing entry or a head lookup,
// never persisted on its own.
type Object struct {
	Key          string
	Size         int64
	Updated      time.Time
	ETag         string
	StorageClass string
}

// Listing echoes a list request together with its matches.
type Listing struct {
	Name      string
	Prefix    string
	MaxKeys   int
	Truncated bool
	Objects   []Object
}

func newObject(key string, info remote.Info) Object {
	return Object{
		Key:          key,
		Size:         info.Size,
		Updated:      info.Updated,
		ETag:         etag(info),
		StorageClass: StorageClass,
	}
}

// etag derives a content fingerprint from the listing entry. The remote API
// exposes no native checksum, so the fingerprint changes whenever the entry
// is replaced (new id) or rewritten in place (new modification time).
func etag(info remote.Info) string {
	h := sha1.New()
	h.Write([]byte(info.ID))
	h.Write([]byte{0})
	h.Write([]byte(info.Name))
	h.Write([]byte{0})
	h.Write([]byte(info.Updated.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}
