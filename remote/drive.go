package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	folderMIME = "application/vnd.google-apps.folder"
	fileFields = "id, name, mimeType, size, modifiedTime"
	listFields = "nextPageToken, files(id, name, mimeType, size, modifiedTime)"
)

// Free-tier APIs throttle aggressively; a short bounded backoff rides out
// the usual bursts while anything persistent still surfaces to the caller.
var defaultRetryBackoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

// DriveConfig configures the Google Drive implementation of Client.
type DriveConfig struct {
	// TokenSource supplies OAuth2 tokens. Required. Wrap it with
	// NotifyingTokenSource to persist refreshed tokens.
	TokenSource TokenSource

	// RootID is the folder id paths resolve against. Empty means the
	// drive root.
	RootID string

	// RateInterval and RateBurst bound the request rate towards the API.
	// A zero or negative interval disables the limit.
	RateInterval time.Duration
	RateBurst    int

	// RetryBackoff overrides the delays used after rate-limit responses.
	RetryBackoff []time.Duration

	Logger *slog.Logger
}

// Drive implements Client on top of the Google Drive v3 API.
type Drive struct {
	svc     *drive.Service
	rootID  string
	limiter *rate.Limiter
	backoff []time.Duration
	logger  *slog.Logger
}

// NewDrive creates a Drive client.
func NewDrive(ctx context.Context, cfg DriveConfig) (*Drive, error) {
	if cfg.TokenSource == nil {
		return nil, errors.New("remote: a token source is required")
	}
	svc, err := drive.NewService(ctx, option.WithTokenSource(cfg.TokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	d := &Drive{
		svc:     svc,
		rootID:  cfg.RootID,
		backoff: cfg.RetryBackoff,
		logger:  cfg.Logger,
	}
	if d.rootID == "" {
		d.rootID = "root"
	}
	if d.backoff == nil {
		d.backoff = defaultRetryBackoff
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if cfg.RateInterval > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Every(cfg.RateInterval), burst)
	}
	return d, nil
}

// ResolvePath walks path segment by segment below the configured root.
func (d *Drive) ResolvePath(ctx context.Context, path string) (Info, error) {
	segs := SplitPath(path)
	cur := Info{ID: d.rootID, Folder: true}
	for i, seg := range segs {
		q := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
			escapeQuery(seg), escapeQuery(cur.ID), folderMIME)
		var files []*drive.File
		err := d.do(ctx, "resolve path", func() error {
			r, err := d.svc.Files.List().Q(q).Fields(listFields).PageSize(2).Context(ctx).Do()
			if err != nil {
				return err
			}
			files = r.Files
			return nil
		})
		if err != nil {
			return Info{}, err
		}
		if len(files) == 0 {
			return Info{}, &NotFoundError{Path: path, ParentID: cur.ID, Missing: segs[i:]}
		}
		cur = driveInfo(files[0])
	}
	return cur, nil
}

func (d *Drive) Mkdir(ctx context.Context, name, parentID string) (Info, error) {
	f := &drive.File{Name: name, MimeType: folderMIME, Parents: []string{parentID}}
	var created *drive.File
	err := d.do(ctx, "mkdir", func() error {
		var err error
		created, err = d.svc.Files.Create(f).Fields(fileFields).Context(ctx).Do()
		return err
	})
	if err != nil {
		return Info{}, err
	}
	return driveInfo(created), nil
}

func (d *Drive) Listdir(ctx context.Context, folderID string, kind Kind) ([]Info, error) {
	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))
	switch kind {
	case KindFile:
		q += fmt.Sprintf(" and mimeType != '%s'", folderMIME)
	case KindFolder:
		q += fmt.Sprintf(" and mimeType = '%s'", folderMIME)
	}

	var infos []Info
	pageToken := ""
	for {
		var page *drive.FileList
		err := d.do(ctx, "listdir", func() error {
			var err error
			page, err = d.svc.Files.List().Q(q).Fields(listFields).
				PageSize(1000).PageToken(pageToken).Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, f := range page.Files {
			infos = append(infos, driveInfo(f))
		}
		if page.NextPageToken == "" {
			return infos, nil
		}
		pageToken = page.NextPageToken
	}
}

func (d *Drive) Put(ctx context.Context, name string, data []byte, parentID string) (Info, error) {
	// Drive allows duplicate names within a folder, so replace an existing
	// entry instead of piling up same-name files.
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false",
		escapeQuery(name), escapeQuery(parentID))
	var existing []*drive.File
	err := d.do(ctx, "put lookup", func() error {
		r, err := d.svc.Files.List().Q(q).Fields(listFields).PageSize(2).Context(ctx).Do()
		if err != nil {
			return err
		}
		existing = r.Files
		return nil
	})
	if err != nil {
		return Info{}, err
	}

	var stored *drive.File
	err = d.do(ctx, "put", func() error {
		var err error
		if len(existing) > 0 {
			stored, err = d.svc.Files.Update(existing[0].Id, &drive.File{}).
				Media(bytes.NewReader(data)).Fields(fileFields).Context(ctx).Do()
		} else {
			f := &drive.File{Name: name, Parents: []string{parentID}}
			stored, err = d.svc.Files.Create(f).
				Media(bytes.NewReader(data)).Fields(fileFields).Context(ctx).Do()
		}
		return err
	})
	if err != nil {
		return Info{}, err
	}
	return driveInfo(stored), nil
}

func (d *Drive) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := d.do(ctx, "get", func() error {
		resp, err := d.svc.Files.Get(id).Context(ctx).Download()
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (d *Drive) Stat(ctx context.Context, id string) (Info, error) {
	var f *drive.File
	err := d.do(ctx, "stat", func() error {
		var err error
		f, err = d.svc.Files.Get(id).Fields(fileFields).Context(ctx).Do()
		return err
	})
	if err != nil {
		return Info{}, err
	}
	return driveInfo(f), nil
}

func (d *Drive) Delete(ctx context.Context, id string) error {
	return d.do(ctx, "delete", func() error {
		return d.svc.Files.Delete(id).Context(ctx).Do()
	})
}

// do runs one API call under the rate limiter, retrying rate-limit
// responses with bounded backoff and mapping API failures onto the
// StatusError taxonomy.
func (d *Drive) do(ctx context.Context, op string, fn func() error) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	err := fn()
	if err == nil || !isRateLimited(err) {
		return mapDriveErr(op, err)
	}
	d.logger.Warn("rate limited by remote API, backing off", "op", op, "error", err)
	for _, delay := range d.backoff {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = fn()
		if err == nil || !isRateLimited(err) {
			break
		}
	}
	return mapDriveErr(op, err)
}

func isRateLimited(err error) bool {
	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		return false
	}
	if ge.Code == 429 || ge.Code == 420 {
		return true
	}
	if ge.Code == 403 {
		for _, item := range ge.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return true
			}
		}
	}
	return false
}

func mapDriveErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return &StatusError{Op: op, Code: ge.Code, Message: ge.Message}
	}
	return fmt.Errorf("remote %s: %w", op, err)
}

func driveInfo(f *drive.File) Info {
	updated, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	return Info{
		ID:      f.Id,
		Name:    f.Name,
		Folder:  f.MimeType == folderMIME,
		Size:    f.Size,
		Updated: updated,
	}
}

// escapeQuery escapes a literal for use inside a drive query string.
func escapeQuery(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		if r == '\\' || r == '\'' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
