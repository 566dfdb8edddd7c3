// Package drivebucket adapts a remote, quota-limited, id-addressed folder
// API to a flat object-container interface (create/list/put/get/head/delete)
// suitable as a pluggable backend of a storage node.
//
// The remote API addresses everything by opaque ids unrelated to logical
// object names, requires the container folder to exist before objects can be
// stored, and that folder can disappear or be renamed out-of-band. The
// adapter keeps a durable name-to-id map, single-flights and caches the
// folder listing to bound remote call volume, and transparently recreates
// the folder (with exactly one retry) when the remote reports it missing.
package drivebucket

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/drivebucket/drivebucket/idmap"
	"github.com/drivebucket/drivebucket/remote"
	"github.com/drivebucket/drivebucket/vcache"
)

const (
	// DefaultListTTL bounds how long a folder listing is reused when no
	// mutation invalidates it first.
	DefaultListTTL = 120 * time.Second

	// MaxListKeys is the most objects one listing result returns.
	MaxListKeys = 1000

	// StorageClass is reported for every object; the remote API has no
	// storage tiers.
	StorageClass = "STANDARD"
)

// ErrUnknownObject means the logical name is absent even from a fresh folder
// listing. Check with errors.Is.
var ErrUnknownObject = errors.New("unknown object")

// Config configures a Container.
//
// Exactly one of FolderPath and FolderID must be set. With FolderPath the
// adapter resolves (and creates, and recreates) the folder itself, using
// PersistedID as the last id the path was known to resolve to; with FolderID
// the id is taken as-is and a vanished folder cannot be recreated.
type Config struct {
	// Client performs the remote operations. Required.
	Client remote.Client

	// StatePath is the file backing the durable name-to-id map. Required.
	StatePath string

	// FolderPath is the slash-separated folder path from the remote root.
	FolderPath string

	// FolderID is the remote folder id, when the folder is addressed
	// directly instead of by path.
	FolderID string

	// PersistedID is the folder id FolderPath resolved to last time, if
	// any. Only meaningful with FolderPath.
	PersistedID string

	// OnFolderID, if set, is called with the new id whenever the folder id
	// changes, so the surrounding configuration store can persist it.
	OnFolderID func(id string)

	// ListTTL overrides DefaultListTTL. Zero means the default; a negative
	// value retains listings until a mutation invalidates them.
	ListTTL time.Duration

	// Compress stores object data lz4-compressed. Reads transparently
	// handle both compressed and uncompressed objects either way.
	Compress bool

	// Logger for debug output; nil means slog.Default().
	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Client == nil {
		return errors.New("config: remote client is required")
	}
	if c.StatePath == "" {
		return errors.New("config: state path is required")
	}
	if (c.FolderPath == "") == (c.FolderID == "") {
		return errors.New("config: exactly one of folder path and folder id must be set")
	}
	if c.PersistedID != "" && c.FolderPath == "" {
		return errors.New("config: persisted id is only meaningful with a folder path")
	}
	return nil
}

// New validates cfg, opens the durable name-to-id map, and returns a
// Container. Configuration errors are fatal; no remote call is made until
// the first operation.
func New(cfg Config) (*Container, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ids, err := idmap.Open(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.StatePath, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Container{
		client:     cfg.Client,
		ids:        ids,
		log:        logger,
		folderPath: cfg.FolderPath,
		onFolderID: cfg.OnFolderID,
		compress:   cfg.Compress,
	}
	if cfg.FolderPath != "" {
		c.folderID = cfg.PersistedID
	} else {
		c.folderID = cfg.FolderID
	}

	listTTL := cfg.ListTTL
	if listTTL == 0 {
		listTTL = DefaultListTTL
	}
	c.ready = vcache.New(vcache.Forever, c.bootstrap)
	c.listing = vcache.New(listTTL, c.fetchListing)
	return c, nil
}
