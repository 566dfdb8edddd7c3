package remote

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Stats wraps any Client and records per-operation latency sketches, so a
// long-running node can report what the remote API actually costs it.
type Stats struct {
	client Client

	mu       sync.Mutex
	sketches map[string]*ddsketch.DDSketch
}

// NewStats creates a new latency-recording wrapper around an existing client.
func NewStats(client Client) *Stats {
	return &Stats{
		client:   client,
		sketches: make(map[string]*ddsketch.DDSketch),
	}
}

func (s *Stats) ResolvePath(ctx context.Context, path string) (Info, error) {
	defer s.observe("resolve_path", time.Now())
	return s.client.ResolvePath(ctx, path)
}

func (s *Stats) Mkdir(ctx context.Context, name, parentID string) (Info, error) {
	defer s.observe("mkdir", time.Now())
	return s.client.Mkdir(ctx, name, parentID)
}

func (s *Stats) Listdir(ctx context.Context, folderID string, kind Kind) ([]Info, error) {
	defer s.observe("listdir", time.Now())
	return s.client.Listdir(ctx, folderID, kind)
}

func (s *Stats) Put(ctx context.Context, name string, data []byte, parentID string) (Info, error) {
	defer s.observe("put", time.Now())
	return s.client.Put(ctx, name, data, parentID)
}

func (s *Stats) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	defer s.observe("get", time.Now())
	return s.client.Get(ctx, id)
}

func (s *Stats) Stat(ctx context.Context, id string) (Info, error) {
	defer s.observe("stat", time.Now())
	return s.client.Stat(ctx, id)
}

func (s *Stats) Delete(ctx context.Context, id string) error {
	defer s.observe("delete", time.Now())
	return s.client.Delete(ctx, id)
}

func (s *Stats) observe(op string, start time.Time) {
	ms := float64(time.Since(start).Microseconds()) / 1000.0

	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.sketches[op]
	if !ok {
		var err error
		sk, err = ddsketch.NewDefaultDDSketch(0.01)
		if err != nil {
			return
		}
		s.sketches[op] = sk
	}
	// Add only fails for non-positive values outside the sketch range.
	_ = sk.Add(ms)
}

// Report logs latency quantiles (in milliseconds) for every operation seen
// so far.
func (s *Stats) Report(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for op, sk := range s.sketches {
		qs, err := sk.GetValuesAtQuantiles([]float64{0.5, 0.95, 0.99})
		if err != nil {
			continue
		}
		logger.Info("remote call latency",
			"op", op,
			"count", int64(sk.GetCount()),
			"p50_ms", qs[0],
			"p95_ms", qs[1],
			"p99_ms", qs[2])
	}
}
