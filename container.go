package drivebucket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/drivebucket/drivebucket/idmap"
	"github.com/drivebucket/drivebucket/objname"
	"github.com/drivebucket/drivebucket/remote"
	"github.com/drivebucket/drivebucket/vcache"
)

// Container exposes one remote folder as a flat object container.
//
// Every public operation first ensures the folder exists (single-flighted
// through the ready cache), then performs the remote work, and on a
// not-found class failure recreates the folder and retries the operation
// exactly once. Mutations invalidate the listing cache only after the remote
// acknowledged them. Safe for concurrent use.
type Container struct {
	client     remote.Client
	ids        *idmap.Map
	log        *slog.Logger
	folderPath string
	onFolderID func(string)
	compress   bool

	ready   *vcache.Cache[string]
	listing *vcache.Cache[[]remote.Info]

	mu       sync.Mutex
	folderID string // last id the folder was known under, "" when unknown
}

// Create ensures the folder exists and its id is known. Idempotent.
func (c *Container) Create(ctx context.Context) error {
	return c.run(ctx, "create", func(ctx context.Context) error {
		_, err := c.ready.Get(ctx)
		return err
	})
}

// Delete removes the folder and everything in it. The name-to-id map is
// reset and the listing cache cleared once the remote acknowledges.
func (c *Container) Delete(ctx context.Context) error {
	return c.run(ctx, "delete", func(ctx context.Context) error {
		id, err := c.ready.Get(ctx)
		if err != nil {
			return err
		}
		if err := c.client.Delete(ctx, id); err != nil {
			return err
		}
		c.listing.Clear()
		c.ready.Clear()
		c.setFolderID("")
		return c.ids.Reset()
	})
}

// ListObjects returns the objects whose logical name starts with prefix,
// from the cached folder listing when one is fresh. Every listing fetched
// from the remote rebuilds the whole name-to-id map as a side effect, so a
// single listing heals all stale mappings at once.
func (c *Container) ListObjects(ctx context.Context, prefix string) (Listing, error) {
	var listing Listing
	err := c.run(ctx, "list_objects", func(ctx context.Context) error {
		infos, err := c.listing.Get(ctx)
		if err != nil {
			return err
		}
		listing = Listing{Name: c.name(), Prefix: prefix, MaxKeys: MaxListKeys}
		for _, info := range infos {
			key := objname.Decode(info.Name)
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if len(listing.Objects) == MaxListKeys {
				listing.Truncated = true
				break
			}
			listing.Objects = append(listing.Objects, newObject(key, info))
		}
		return nil
	})
	if err != nil {
		return Listing{}, err
	}
	return listing, nil
}

// PutObject stores data under the logical name, replacing any existing
// object, and records the remote id it was assigned.
func (c *Container) PutObject(ctx context.Context, name string, data []byte) error {
	return c.run(ctx, "put_object", func(ctx context.Context) error {
		folderID, err := c.ready.Get(ctx)
		if err != nil {
			return err
		}
		body := data
		if c.compress {
			if body, err = compressBody(data); err != nil {
				return err
			}
		}
		info, err := c.client.Put(ctx, objname.Encode(name), body, folderID)
		if err != nil {
			return err
		}
		// The remote acknowledged, so any cached listing is stale now, even
		// if recording the id fails.
		c.listing.Clear()
		return c.ids.Set(name, info.ID)
	})
}

// GetObject reads the object's data.
func (c *Container) GetObject(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := c.run(ctx, "get_object", func(ctx context.Context) error {
		id, err := c.resolve(ctx, name)
		if err != nil {
			return err
		}
		rc, err := c.client.Get(ctx, id)
		if err != nil {
			return c.forget(name, err)
		}
		defer rc.Close()
		raw, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("failed to read object %q: %w", name, err)
		}
		data, err = decompressBody(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// HeadObject fetches the object's metadata without its data.
func (c *Container) HeadObject(ctx context.Context, name string) (Object, error) {
	var obj Object
	err := c.run(ctx, "head_object", func(ctx context.Context) error {
		id, err := c.resolve(ctx, name)
		if err != nil {
			return err
		}
		info, err := c.client.Stat(ctx, id)
		if err != nil {
			return c.forget(name, err)
		}
		obj = newObject(name, info)
		return nil
	})
	if err != nil {
		return Object{}, err
	}
	return obj, nil
}

// DeleteObject removes the object and its name-to-id mapping.
func (c *Container) DeleteObject(ctx context.Context, name string) error {
	return c.run(ctx, "delete_object", func(ctx context.Context) error {
		id, err := c.resolve(ctx, name)
		if err != nil {
			return err
		}
		if err := c.client.Delete(ctx, id); err != nil {
			return c.forget(name, err)
		}
		c.listing.Clear()
		return c.ids.Delete(name)
	})
}

// Close releases the durable name-to-id map.
func (c *Container) Close() error {
	return c.ids.Close()
}

// run wraps one public operation with the recovery policy: if fn fails with
// a not-found class error, invalidate the listing cache, re-run folder
// bootstrap, and retry fn exactly once. A second failure of any class
// propagates; transient-error retry below that is the remote client's
// responsibility.
func (c *Container) run(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || !remote.IsNotFound(err) {
		return err
	}

	c.log.Debug("remote resource missing, recreating folder", "op", op, "error", err)
	c.listing.Clear()
	c.ready.Clear()
	if _, berr := c.ready.Get(ctx); berr != nil {
		return fmt.Errorf("failed to recreate folder: %w", berr)
	}
	return fn(ctx)
}

// resolve maps a logical name to its remote id, consulting the listing
// layer on a local miss. A miss after a listing consult means the object
// does not exist.
func (c *Container) resolve(ctx context.Context, name string) (string, error) {
	id, ok, err := c.ids.Get(name)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	if _, err := c.listing.Get(ctx); err != nil {
		return "", err
	}
	id, ok, err = c.ids.Get(name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownObject, name)
	}
	return id, nil
}

// forget drops the name-to-id entry when the remote reports the id gone, so
// the recovery retry re-derives it from a fresh listing.
func (c *Container) forget(name string, err error) error {
	if remote.IsNotFound(err) {
		if derr := c.ids.Delete(name); derr != nil {
			c.log.Error("failed to drop stale id mapping", "name", name, "error", derr)
		}
	}
	return err
}

// fetchListing is the listing cache's producer: list the folder's files and
// atomically rebuild the whole name-to-id map from what was observed.
func (c *Container) fetchListing(ctx context.Context) ([]remote.Info, error) {
	folderID, err := c.ready.Get(ctx)
	if err != nil {
		return nil, err
	}
	infos, err := c.client.Listdir(ctx, folderID, remote.KindFile)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]string, len(infos))
	for _, info := range infos {
		entries[objname.Decode(info.Name)] = info.ID
	}
	if err := c.ids.Replace(entries); err != nil {
		return nil, err
	}
	return infos, nil
}

// bootstrap is the ready cache's producer: resolve or create the folder and
// return its id. When the path resolves to a different folder than last
// known, or the known folder vanished and had to be recreated, the
// name-to-id map is reset first, since ids stored under the old folder are
// meaningless, and the new id is reported through the OnFolderID callback.
func (c *Container) bootstrap(ctx context.Context) (string, error) {
	if c.folderPath == "" {
		// Addressed by id: nothing to create, just confirm it still exists.
		info, err := c.client.Stat(ctx, c.knownFolderID())
		if err != nil {
			return "", err
		}
		if !info.Folder {
			return "", fmt.Errorf("remote entry %s is not a folder", info.ID)
		}
		return info.ID, nil
	}

	known := c.knownFolderID()
	info, err := c.client.ResolvePath(ctx, c.folderPath)
	if err == nil {
		if known != "" && info.ID != known {
			if rerr := c.ids.Reset(); rerr != nil {
				return "", rerr
			}
			c.log.Debug("folder id drifted", "path", c.folderPath, "old", known, "new", info.ID)
		}
		c.adoptFolderID(info.ID)
		return info.ID, nil
	}
	var nf *remote.NotFoundError
	if !errors.As(err, &nf) {
		return "", err
	}

	if known != "" {
		// The folder we used to know is gone.
		if rerr := c.ids.Reset(); rerr != nil {
			return "", rerr
		}
	}
	parentID := nf.ParentID
	for _, seg := range nf.Missing {
		info, err = c.mkdir(ctx, seg, parentID)
		if err != nil {
			return "", fmt.Errorf("failed to create folder %q: %w", seg, err)
		}
		parentID = info.ID
	}
	info, err = c.client.ResolvePath(ctx, c.folderPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve folder %q after creating it: %w", c.folderPath, err)
	}
	c.adoptFolderID(info.ID)
	return info.ID, nil
}

// mkdir creates one folder segment. The remote rejects duplicate folder
// names with a 400, which here means another writer won the creation race,
// so fall back to looking the segment up among the parent's folders.
func (c *Container) mkdir(ctx context.Context, name, parentID string) (remote.Info, error) {
	info, err := c.client.Mkdir(ctx, name, parentID)
	if err == nil {
		return info, nil
	}
	var se *remote.StatusError
	if errors.As(err, &se) && se.Code == http.StatusBadRequest {
		children, lerr := c.client.Listdir(ctx, parentID, remote.KindFolder)
		if lerr == nil {
			for _, child := range children {
				if child.Name == name {
					return child, nil
				}
			}
		}
	}
	return remote.Info{}, err
}

func (c *Container) knownFolderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.folderID
}

func (c *Container) setFolderID(id string) {
	c.mu.Lock()
	c.folderID = id
	c.mu.Unlock()
}

// adoptFolderID records a freshly resolved folder id and, when it differs
// from the previous one, hands it to the OnFolderID callback exactly once.
func (c *Container) adoptFolderID(id string) {
	c.mu.Lock()
	changed := id != c.folderID
	c.folderID = id
	c.mu.Unlock()
	if changed && c.onFolderID != nil {
		c.onFolderID(id)
	}
}

func (c *Container) name() string {
	if c.folderPath != "" {
		return c.folderPath
	}
	return c.knownFolderID()
}
