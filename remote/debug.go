package remote

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Debug wraps any Client and logs every call with its duration and outcome.
// This keeps the logging concern out of the individual implementations.
type Debug struct {
	client Client
	logger *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing client.
func NewDebug(client Client, logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{client: client, logger: logger}
}

func (d *Debug) ResolvePath(ctx context.Context, path string) (Info, error) {
	start := time.Now()
	info, err := d.client.ResolvePath(ctx, path)
	d.log("resolve_path", start, err, "path", path, "id", info.ID)
	return info, err
}

func (d *Debug) Mkdir(ctx context.Context, name, parentID string) (Info, error) {
	start := time.Now()
	info, err := d.client.Mkdir(ctx, name, parentID)
	d.log("mkdir", start, err, "name", name, "parent", parentID, "id", info.ID)
	return info, err
}

func (d *Debug) Listdir(ctx context.Context, folderID string, kind Kind) ([]Info, error) {
	start := time.Now()
	infos, err := d.client.Listdir(ctx, folderID, kind)
	d.log("listdir", start, err, "folder", folderID, "entries", len(infos))
	return infos, err
}

func (d *Debug) Put(ctx context.Context, name string, data []byte, parentID string) (Info, error) {
	start := time.Now()
	info, err := d.client.Put(ctx, name, data, parentID)
	d.log("put", start, err, "name", name, "size", len(data), "id", info.ID)
	return info, err
}

func (d *Debug) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := d.client.Get(ctx, id)
	d.log("get", start, err, "id", id)
	return rc, err
}

func (d *Debug) Stat(ctx context.Context, id string) (Info, error) {
	start := time.Now()
	info, err := d.client.Stat(ctx, id)
	d.log("stat", start, err, "id", id, "size", info.Size)
	return info, err
}

func (d *Debug) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := d.client.Delete(ctx, id)
	d.log("delete", start, err, "id", id)
	return err
}

func (d *Debug) log(op string, start time.Time, err error, args ...any) {
	args = append(args, "duration", time.Since(start))
	if err != nil {
		args = append(args, "error", err)
		d.logger.Debug("remote "+op+" failed", args...)
		return
	}
	d.logger.Debug("remote "+op, args...)
}
