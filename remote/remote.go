// Package remote defines the narrow contract the container layer consumes
// from an id-addressed remote folder API, together with implementations:
// a live Google Drive client, an in-memory fake, and composable wrappers
// for debug logging, latency stats, and fault injection.
//
// The remote API identifies everything by opaque ids that have no relation
// to logical object names, and a folder must exist before objects can be
// stored in it. Transient-error handling (rate limits, token refresh) lives
// inside the implementations; "not found" classification is surfaced to the
// caller, which owns the recovery policy.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Kind filters directory listings.
type Kind string

const (
	KindAny    = Kind("")
	KindFile   = Kind("file")
	KindFolder = Kind("folder")
)

// Info describes one remote entry (file or folder).
type Info struct {
	ID      string
	Name    string
	Folder  bool
	Size    int64
	Updated time.Time
}

// Client is the operation contract against the remote API.
//
// Implementations must be safe for concurrent use. All calls run to
// completion once issued; callers abandon interest via ctx without
// affecting other callers of the same implementation.
type Client interface {
	// ResolvePath resolves a slash-separated folder path from the remote
	// root. When one or more trailing segments do not exist it fails with a
	// *NotFoundError carrying the deepest existing ancestor and the missing
	// segments, in order.
	ResolvePath(ctx context.Context, path string) (Info, error)

	// Mkdir creates a folder under parentID.
	Mkdir(ctx context.Context, name, parentID string) (Info, error)

	// Listdir lists the direct children of folderID, optionally filtered
	// by kind.
	Listdir(ctx context.Context, folderID string, kind Kind) ([]Info, error)

	// Put stores data under name inside parentID, replacing any existing
	// entry with the same name, and returns the entry's info.
	Put(ctx context.Context, name string, data []byte, parentID string) (Info, error)

	// Get opens the content of the object with the given id.
	Get(ctx context.Context, id string) (io.ReadCloser, error)

	// Stat fetches the info of the entry with the given id.
	Stat(ctx context.Context, id string) (Info, error)

	// Delete removes the entry with the given id; folders are removed
	// recursively.
	Delete(ctx context.Context, id string) error
}

// StatusError is a protocol-level failure from the remote API, carrying an
// HTTP-like status code so callers can classify it.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote %s: %d %s", e.Op, e.Code, e.Message)
}

// NotFoundError reports that path resolution stopped short: ParentID is the
// deepest folder that does exist and Missing holds the remaining path
// segments in creation order.
type NotFoundError struct {
	Path     string
	ParentID string
	Missing  []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("remote path %q: missing %s under folder %s",
		e.Path, strings.Join(e.Missing, "/"), e.ParentID)
}

// IsNotFound reports whether err means the remote resource is missing or
// gone, which is the class of failures the container layer recovers from by
// recreating the folder.
func IsNotFound(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusNotFound || se.Code == http.StatusGone
	}
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// SplitPath splits a slash-separated folder path into its segments,
// ignoring the leading slash and empty segments.
func SplitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
