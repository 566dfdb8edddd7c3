package remote

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Fault wraps any Client and randomly fails operations based on a
// configured percentage. This is useful for exercising the recovery path
// without a flaky network.
type Fault struct {
	client    Client
	errorRate float64 // 0.0 to 1.0

	rng   *rand.Rand
	rngMu sync.Mutex // rand.Rand is not thread-safe

	injected atomic.Int64
}

// NewFault creates a new fault-injecting wrapper around an existing client.
// errorRate is clamped to [0.0, 1.0].
func NewFault(client Client, errorRate float64) *Fault {
	if errorRate < 0.0 {
		errorRate = 0.0
	}
	if errorRate > 1.0 {
		errorRate = 1.0
	}
	return &Fault{
		client:    client,
		errorRate: errorRate,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Injected returns how many failures have been injected so far.
func (f *Fault) Injected() int64 {
	return f.injected.Load()
}

func (f *Fault) fail(op string) error {
	f.rngMu.Lock()
	hit := f.rng.Float64() < f.errorRate
	f.rngMu.Unlock()
	if !hit {
		return nil
	}
	f.injected.Add(1)
	return &StatusError{Op: op, Code: http.StatusInternalServerError, Message: "injected fault"}
}

func (f *Fault) ResolvePath(ctx context.Context, path string) (Info, error) {
	if err := f.fail("resolve_path"); err != nil {
		return Info{}, err
	}
	return f.client.ResolvePath(ctx, path)
}

func (f *Fault) Mkdir(ctx context.Context, name, parentID string) (Info, error) {
	if err := f.fail("mkdir"); err != nil {
		return Info{}, err
	}
	return f.client.Mkdir(ctx, name, parentID)
}

func (f *Fault) Listdir(ctx context.Context, folderID string, kind Kind) ([]Info, error) {
	if err := f.fail("listdir"); err != nil {
		return nil, err
	}
	return f.client.Listdir(ctx, folderID, kind)
}

func (f *Fault) Put(ctx context.Context, name string, data []byte, parentID string) (Info, error) {
	if err := f.fail("put"); err != nil {
		return Info{}, err
	}
	return f.client.Put(ctx, name, data, parentID)
}

func (f *Fault) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := f.fail("get"); err != nil {
		return nil, err
	}
	return f.client.Get(ctx, id)
}

func (f *Fault) Stat(ctx context.Context, id string) (Info, error) {
	if err := f.fail("stat"); err != nil {
		return Info{}, err
	}
	return f.client.Stat(ctx, id)
}

func (f *Fault) Delete(ctx context.Context, id string) error {
	if err := f.fail("delete"); err != nil {
		return err
	}
	return f.client.Delete(ctx, id)
}
