package drivebucket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/drivebucket/drivebucket/remote"
	"github.com/drivebucket/drivebucket/vcache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestContainer builds a Container over fake with a fresh state file. The
// listing cache retains forever so that listdir call counts in tests are
// driven by invalidation, never by TTL expiry.
func newTestContainer(t *testing.T, fake *remote.Fake, mutate func(*Config)) *Container {
	t.Helper()
	cfg := Config{
		Client:     fake,
		StatePath:  filepath.Join(t.TempDir(), "idmap.db"),
		FolderPath: "buckets/shares",
		ListTTL:    vcache.Forever,
		Logger:     testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConfigValidation(t *testing.T) {
	fake := remote.NewFake()
	statePath := filepath.Join(t.TempDir(), "idmap.db")

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no client", Config{StatePath: statePath, FolderPath: "shares"}},
		{"no state path", Config{Client: fake, FolderPath: "shares"}},
		{"neither path nor id", Config{Client: fake, StatePath: statePath}},
		{"both path and id", Config{Client: fake, StatePath: statePath, FolderPath: "shares", FolderID: "folder.0001"}},
		{"persisted id without path", Config{Client: fake, StatePath: statePath, FolderID: "folder.0001", PersistedID: "folder.0002"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Errorf("New accepted invalid config")
			}
		})
	}
}

func TestCreateIsIdempotentAndReportsID(t *testing.T) {
	fake := remote.NewFake()
	var ids []string
	c := newTestContainer(t, fake, func(cfg *Config) {
		cfg.OnFolderID = func(id string) { ids = append(ids, id) }
	})

	ctx := context.Background()
	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("expected one folder id callback, got %v", ids)
	}
	if got := fake.CallCount("mkdir"); got != 2 {
		t.Errorf("expected 2 mkdir calls for buckets/shares, got %d", got)
	}

	// A second Create reuses the bootstrapped id and fires no callback.
	if err := c.Create(ctx); err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if len(ids) != 1 {
		t.Errorf("expected no further callbacks, got %v", ids)
	}
}

func TestFolderIDDrift(t *testing.T) {
	fake := remote.NewFake()
	ctx := context.Background()
	buckets, err := fake.Mkdir(ctx, "buckets", fake.RootID())
	if err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	shares, err := fake.Mkdir(ctx, "shares", buckets.ID)
	if err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	// The path resolves fine, but to a different folder than the one whose
	// id was persisted. That must be repaired with exactly one callback.
	var ids []string
	c := newTestContainer(t, fake, func(cfg *Config) {
		cfg.PersistedID = "folder.stale"
		cfg.OnFolderID = func(id string) { ids = append(ids, id) }
	})
	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != shares.ID {
		t.Fatalf("expected exactly one persisted-id update to %q, got %v", shares.ID, ids)
	}
}

func TestSelfHealingListing(t *testing.T) {
	fake := remote.NewFake()
	c := newTestContainer(t, fake, nil)
	ctx := context.Background()

	if err := c.PutObject(ctx, "shares/aa/0", []byte("alpha")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if _, err := c.ListObjects(ctx, ""); err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}

	// The listing repopulated the name-to-id map, so a read resolves
	// directly without another directory listing.
	fake.ResetCalls()
	data, err := c.GetObject(ctx, "shares/aa/0")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if string(data) != "alpha" {
		t.Errorf("expected %q, got %q", "alpha", data)
	}
	if got := fake.CallCount("listdir"); got != 0 {
		t.Errorf("expected no listdir calls, got %d", got)
	}
	if got := fake.CallCount("get"); got != 1 {
		t.Errorf("expected 1 get call, got %d", got)
	}
}

func TestMutationInvalidatesListing(t *testing.T) {
	fake := remote.NewFake()
	c := newTestContainer(t, fake, nil)
	ctx := context.Background()

	if err := c.PutObject(ctx, "one", []byte("1")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if _, err := c.ListObjects(ctx, ""); err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}

	// The cached listing would not show the new object; the put must
	// invalidate it so the next listing fetches fresh.
	if err := c.PutObject(ctx, "two", []byte("2")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	listing, err := c.ListObjects(ctx, "")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(listing.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %+v", listing.Objects)
	}

	// Without a mutation, the next listing is served from cache.
	fake.ResetCalls()
	if _, err := c.ListObjects(ctx, ""); err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if got := fake.CallCount("listdir"); got != 0 {
		t.Errorf("expected cached listing, got %d listdir calls", got)
	}
}

func TestListObjectsPrefixFilter(t *testing.T) {
	fake := remote.NewFake()
	c := newTestContainer(t, fake, nil)
	ctx := context.Background()

	for _, name := range []string{"shares/aa/0", "shares/ab/0", "other/x"} {
		if err := c.PutObject(ctx, name, []byte(name)); err != nil {
			t.Fatalf("PutObject(%q) failed: %v", name, err)
		}
	}

	listing, err := c.ListObjects(ctx, "shares/")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if listing.Prefix != "shares/" || listing.MaxKeys != MaxListKeys || listing.Truncated {
		t.Errorf("unexpected listing echo: %+v", listing)
	}
	if len(listing.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %+v", listing.Objects)
	}
	for _, obj := range listing.Objects {
		if obj.Key != "shares/aa/0" && obj.Key != "shares/ab/0" {
			t.Errorf("unexpected key %q", obj.Key)
		}
		if obj.StorageClass != StorageClass {
			t.Errorf("unexpected storage class %q", obj.StorageClass)
		}
	}
}

func TestRecoveryRecreatesFolderOnce(t *testing.T) {
	fake := remote.NewFake()
	var folderID string
	c := newTestContainer(t, fake, func(cfg *Config) {
		cfg.OnFolderID = func(id string) { folderID = id }
	})
	ctx := context.Background()

	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	oldID := folderID

	// The folder disappears out-of-band; the next write hits the stale id,
	// recreates the folder, and retries once, invisibly to the caller.
	fake.RemoveByID(folderID)
	fake.ResetCalls()
	if err := c.PutObject(ctx, "shares/aa/0", []byte("alpha")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if got := fake.CallCount("mkdir"); got != 1 {
		t.Errorf("expected exactly 1 mkdir, got %d", got)
	}
	if got := fake.CallCount("put"); got != 2 {
		t.Errorf("expected exactly 2 put attempts, got %d", got)
	}
	if folderID == oldID {
		t.Errorf("expected a new folder id after recreation")
	}

	data, err := c.GetObject(ctx, "shares/aa/0")
	if err != nil {
		t.Fatalf("GetObject after recovery failed: %v", err)
	}
	if string(data) != "alpha" {
		t.Errorf("expected %q, got %q", "alpha", data)
	}
}

func TestRecoveryDoesNotMaskOtherErrors(t *testing.T) {
	fake := remote.NewFake()
	c := newTestContainer(t, fake, nil)
	ctx := context.Background()

	if err := c.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	fake.ResetCalls()

	injected := &remote.StatusError{Op: "put", Code: 507, Message: "quota exceeded"}
	fake.FailNext("put", injected)
	err := c.PutObject(ctx, "shares/aa/0", []byte("alpha"))
	var se *remote.StatusError
	if !errors.As(err, &se) || se.Code != 507 {
		t.Fatalf("expected the quota error to propagate, got %v", err)
	}
	if got := fake.CallCount("mkdir"); got != 0 {
		t.Errorf("expected no recovery for a non-not-found error, got %d mkdir calls", got)
	}
	if got := fake.CallCount("put"); got != 1 {
		t.Errorf("expected no retry for a non-not-found error, got %d put calls", got)
	}
}

func TestGetObjectUnknown(t *testing.T) {
	fake := remote.NewFake()
	c := newTestContainer(t, fake, nil)
	ctx := context.Background()

	_, err := c.GetObject(ctx, "no/such/object")
	if !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject, got %v", err)
	}
	// Bootstrap created the folder path once; a missing object must not
	// trigger a second round of folder recreation.
	if got := fake.CallCount("mkdir"); got != 2 {
		t.Errorf("expected only the bootstrap mkdirs, got %d", got)
	}
	if got := fake.CallCount("listdir"); got != 1 {
		t.Errorf("expected a single listing consult, got %d", got)
	}
}

func TestObjectRemovedOutOfBand(t *testing.T) {
	fake := remote.NewFake()
	var folderID string
	c := newTestContainer(t, fake, func(cfg *Config) {
		cfg.OnFolderID = func(id string) { folderID = id }
	})
	ctx := context.Background()

	if err := c.PutObject(ctx, "shares/aa/0", []byte("alpha")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	infos, err := fake.Listdir(ctx, folderID, remote.KindFile)
	if err != nil || len(infos) != 1 {
		t.Fatalf("expected one stored object, got %v (err %v)", infos, err)
	}

	// The object vanishes behind the adapter's back. The stale mapping is
	// dropped and the retry consults a fresh listing, so the caller sees a
	// clean unknown-object failure rather than a raw protocol error.
	fake.RemoveByID(infos[0].ID)
	if _, err := c.GetObject(ctx, "shares/aa/0"); !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject, got %v", err)
	}
}

func TestDeleteResetsState(t *testing.T) {
	fake := remote.NewFake()
	c := newTestContainer(t, fake, nil)
	ctx := context.Background()

	if err := c.PutObject(ctx, "shares/aa/0", []byte("alpha")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if err := c.Delete(ctx); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// The folder is recreated empty on the next operation; the old object
	// and its mapping are gone.
	if _, err := c.GetObject(ctx, "shares/aa/0"); !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject after container delete, got %v", err)
	}
	listing, err := c.ListObjects(ctx, "")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(listing.Objects) != 0 {
		t.Errorf("expected empty container, got %+v", listing.Objects)
	}
}

func TestHeadObject(t *testing.T) {
	fake := remote.NewFake()
	c := newTestContainer(t, fake, nil)
	ctx := context.Background()

	if err := c.PutObject(ctx, "shares/aa/0", []byte("alpha")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	obj, err := c.HeadObject(ctx, "shares/aa/0")
	if err != nil {
		t.Fatalf("HeadObject failed: %v", err)
	}
	if obj.Key != "shares/aa/0" {
		t.Errorf("unexpected key %q", obj.Key)
	}
	if obj.Size != int64(len("alpha")) {
		t.Errorf("unexpected size %d", obj.Size)
	}
	if obj.ETag == "" || obj.Updated.IsZero() || obj.StorageClass != StorageClass {
		t.Errorf("incomplete object record: %+v", obj)
	}

	// Rewriting the object changes its fingerprint.
	time.Sleep(2 * time.Millisecond)
	if err := c.PutObject(ctx, "shares/aa/0", []byte("beta")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	obj2, err := c.HeadObject(ctx, "shares/aa/0")
	if err != nil {
		t.Fatalf("HeadObject failed: %v", err)
	}
	if obj2.ETag == obj.ETag {
		t.Errorf("expected the fingerprint to change on rewrite")
	}
}

func TestDeleteObject(t *testing.T) {
	fake := remote.NewFake()
	c := newTestContainer(t, fake, nil)
	ctx := context.Background()

	if err := c.PutObject(ctx, "shares/aa/0", []byte("alpha")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if err := c.DeleteObject(ctx, "shares/aa/0"); err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}
	if _, err := c.GetObject(ctx, "shares/aa/0"); !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject after delete, got %v", err)
	}
	listing, err := c.ListObjects(ctx, "")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(listing.Objects) != 0 {
		t.Errorf("expected empty listing after delete, got %+v", listing.Objects)
	}
}

func TestCompressedObjectsReadBack(t *testing.T) {
	fake := remote.NewFake()
	dir := t.TempDir()
	compressed := newTestContainer(t, fake, func(cfg *Config) {
		cfg.Compress = true
		cfg.StatePath = filepath.Join(dir, "a.db")
	})
	plain := newTestContainer(t, fake, func(cfg *Config) {
		cfg.StatePath = filepath.Join(dir, "b.db")
	})
	ctx := context.Background()

	body := []byte("stored once, readable with or without compression enabled")
	if err := compressed.PutObject(ctx, "shares/aa/0", body); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	// Reads sniff the frame magic, so a container with compression off
	// still reads what a compressed one wrote, and vice versa.
	for name, c := range map[string]*Container{"compressed": compressed, "plain": plain} {
		data, err := c.GetObject(ctx, "shares/aa/0")
		if err != nil {
			t.Fatalf("%s GetObject failed: %v", name, err)
		}
		if string(data) != string(body) {
			t.Errorf("%s read %q, want %q", name, data, body)
		}
	}
}

func TestFolderRenamedOutOfBand(t *testing.T) {
	fake := remote.NewFake()
	var ids []string
	statePath := filepath.Join(t.TempDir(), "idmap.db")
	c := newTestContainer(t, fake, func(cfg *Config) {
		cfg.StatePath = statePath
		cfg.OnFolderID = func(id string) { ids = append(ids, id) }
	})
	ctx := context.Background()

	if err := c.PutObject(ctx, "shares/aa/0", []byte("alpha")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one folder id callback, got %v", ids)
	}
	oldID := ids[0]

	// The folder is renamed behind the adapter's back. Ids are stable under
	// renames, so writes through the already-known id keep working.
	fake.RenameByID(oldID, "archived")
	fake.ResetCalls()
	if err := c.PutObject(ctx, "shares/aa/1", []byte("beta")); err != nil {
		t.Fatalf("PutObject after rename failed: %v", err)
	}
	if got := fake.CallCount("mkdir"); got != 0 {
		t.Errorf("a rename must not trigger recreation while the id works, got %d mkdir calls", got)
	}
	if len(ids) != 1 {
		t.Errorf("expected no new callbacks while the id works, got %v", ids)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A fresh adapter resolves by path, which the rename broke: the folder
	// is recreated, the persisted id updated once, and the old mappings
	// discarded along with it.
	fake.ResetCalls()
	c2 := newTestContainer(t, fake, func(cfg *Config) {
		cfg.StatePath = statePath
		cfg.PersistedID = oldID
		cfg.OnFolderID = func(id string) { ids = append(ids, id) }
	})
	if err := c2.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if got := fake.CallCount("mkdir"); got != 1 {
		t.Errorf("expected exactly 1 mkdir, got %d", got)
	}
	if len(ids) != 2 || ids[1] == oldID {
		t.Fatalf("expected one persisted-id update to a new id, got %v", ids)
	}
	if _, err := c2.GetObject(ctx, "shares/aa/0"); !errors.Is(err, ErrUnknownObject) {
		t.Errorf("expected the old mappings to be discarded, got %v", err)
	}
}

func TestMutationInvalidatesListingEvenIfMapWriteFails(t *testing.T) {
	fake := remote.NewFake()
	c := newTestContainer(t, fake, nil)
	ctx := context.Background()

	if err := c.PutObject(ctx, "one", []byte("1")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if _, err := c.ListObjects(ctx, ""); err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}

	// Make the id map unwritable. The remote still acknowledges the put, so
	// the cached listing is stale and must not survive, even though the
	// operation reports the map failure.
	puts := fake.CallCount("put")
	if err := c.ids.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.PutObject(ctx, "two", []byte("2")); err == nil {
		t.Fatalf("expected the map write failure to surface")
	}
	if got := fake.CallCount("put"); got != puts+1 {
		t.Fatalf("expected the remote write to have been acknowledged, got %d puts", got)
	}
	if _, err := c.listing.Get(ctx); err == nil {
		t.Errorf("expected the pre-mutation listing snapshot to be invalidated")
	}
}

func TestFolderByIDMode(t *testing.T) {
	fake := remote.NewFake()
	ctx := context.Background()
	folder, err := fake.Mkdir(ctx, "shares", fake.RootID())
	if err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	c := newTestContainer(t, fake, func(cfg *Config) {
		cfg.FolderPath = ""
		cfg.FolderID = folder.ID
	})
	if err := c.PutObject(ctx, "shares/aa/0", []byte("alpha")); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	data, err := c.GetObject(ctx, "shares/aa/0")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if string(data) != "alpha" {
		t.Errorf("expected %q, got %q", "alpha", data)
	}

	// With no path to recreate from, a vanished folder is not recoverable.
	fake.RemoveByID(folder.ID)
	if err := c.PutObject(ctx, "shares/aa/1", []byte("beta")); err == nil {
		t.Fatalf("expected the write to fail once the folder is gone")
	}
}
