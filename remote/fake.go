package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Fake is an in-memory Client. It keeps an id-addressed folder tree just
// like the real API, counts every call per operation, and exposes helpers
// for mutating the tree out-of-band, which is how tests (and the offline
// CLI mode) simulate a folder disappearing or being renamed behind the
// adapter's back.
type Fake struct {
	mu       sync.Mutex
	nextID   int
	nodes    map[string]*fakeNode
	rootID   string
	calls    map[string]int
	failNext map[string]error
}

type fakeNode struct {
	info     Info
	parentID string
	data     []byte
}

// NewFake creates a Fake with an empty root folder.
func NewFake() *Fake {
	f := &Fake{
		nodes:    make(map[string]*fakeNode),
		calls:    make(map[string]int),
		failNext: make(map[string]error),
	}
	f.rootID = f.newID(true)
	f.nodes[f.rootID] = &fakeNode{info: Info{ID: f.rootID, Folder: true}}
	return f
}

// RootID returns the id of the root folder.
func (f *Fake) RootID() string {
	return f.rootID
}

// CallCount returns how many times op ("resolve_path", "mkdir", "listdir",
// "put", "get", "stat", "delete") has been invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ResetCalls zeroes all call counters.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

// FailNext makes the next invocation of op return err instead of running.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

// RemoveByID deletes a node and all its descendants without touching the
// call counters, simulating an out-of-band change.
func (f *Fake) RemoveByID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeTree(id)
}

// RenameByID renames a node without touching the call counters.
func (f *Fake) RenameByID(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[id]; ok {
		n.info.Name = name
	}
}

func (f *Fake) ResolvePath(ctx context.Context, path string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("resolve_path"); err != nil {
		return Info{}, err
	}

	segs := SplitPath(path)
	cur := f.nodes[f.rootID]
	for i, seg := range segs {
		child := f.childByName(cur.info.ID, seg, true)
		if child == nil {
			return Info{}, &NotFoundError{Path: path, ParentID: cur.info.ID, Missing: segs[i:]}
		}
		cur = child
	}
	return cur.info, nil
}

func (f *Fake) Mkdir(ctx context.Context, name, parentID string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("mkdir"); err != nil {
		return Info{}, err
	}

	if err := f.checkFolder("mkdir", parentID); err != nil {
		return Info{}, err
	}
	if f.childByName(parentID, name, true) != nil {
		return Info{}, &StatusError{Op: "mkdir", Code: http.StatusBadRequest, Message: "folder already exists"}
	}
	id := f.newID(true)
	n := &fakeNode{
		info:     Info{ID: id, Name: name, Folder: true, Updated: time.Now().UTC()},
		parentID: parentID,
	}
	f.nodes[id] = n
	return n.info, nil
}

func (f *Fake) Listdir(ctx context.Context, folderID string, kind Kind) ([]Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("listdir"); err != nil {
		return nil, err
	}

	if err := f.checkFolder("listdir", folderID); err != nil {
		return nil, err
	}
	var infos []Info
	for _, n := range f.nodes {
		if n.parentID != folderID {
			continue
		}
		if kind == KindFile && n.info.Folder || kind == KindFolder && !n.info.Folder {
			continue
		}
		infos = append(infos, n.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (f *Fake) Put(ctx context.Context, name string, data []byte, parentID string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("put"); err != nil {
		return Info{}, err
	}

	if err := f.checkFolder("put", parentID); err != nil {
		return Info{}, err
	}
	n := f.childByName(parentID, name, false)
	if n == nil {
		id := f.newID(false)
		n = &fakeNode{info: Info{ID: id, Name: name}, parentID: parentID}
		f.nodes[id] = n
	}
	n.data = bytes.Clone(data)
	n.info.Size = int64(len(data))
	n.info.Updated = time.Now().UTC()
	return n.info, nil
}

func (f *Fake) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("get"); err != nil {
		return nil, err
	}

	n, ok := f.nodes[id]
	if !ok || n.info.Folder {
		return nil, &StatusError{Op: "get", Code: http.StatusNotFound, Message: "no such object"}
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(n.data))), nil
}

func (f *Fake) Stat(ctx context.Context, id string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("stat"); err != nil {
		return Info{}, err
	}

	n, ok := f.nodes[id]
	if !ok {
		return Info{}, &StatusError{Op: "stat", Code: http.StatusNotFound, Message: "no such entry"}
	}
	return n.info, nil
}

func (f *Fake) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("delete"); err != nil {
		return err
	}

	if _, ok := f.nodes[id]; !ok {
		return &StatusError{Op: "delete", Code: http.StatusNotFound, Message: "no such entry"}
	}
	f.removeTree(id)
	return nil
}

// begin counts the call and pops any scripted failure. Caller holds mu.
func (f *Fake) begin(op string) error {
	f.calls[op]++
	if err, ok := f.failNext[op]; ok {
		delete(f.failNext, op)
		return err
	}
	return nil
}

func (f *Fake) checkFolder(op, id string) error {
	n, ok := f.nodes[id]
	if !ok || !n.info.Folder {
		return &StatusError{Op: op, Code: http.StatusNotFound, Message: "no such folder"}
	}
	return nil
}

func (f *Fake) childByName(parentID, name string, folder bool) *fakeNode {
	for _, n := range f.nodes {
		if n.parentID == parentID && n.info.Name == name && n.info.Folder == folder {
			return n
		}
	}
	return nil
}

func (f *Fake) removeTree(id string) {
	for cid, n := range f.nodes {
		if n.parentID == id {
			f.removeTree(cid)
		}
	}
	delete(f.nodes, id)
}

func (f *Fake) newID(folder bool) string {
	f.nextID++
	if folder {
		return fmt.Sprintf("folder.%04d", f.nextID)
	}
	return fmt.Sprintf("file.%04d", f.nextID)
}
