// Package atomic groups page modifications into atomic operations.
//
// An Operation buffers every page it writes. On commit the buffered images
// are logged to the write-ahead log, then applied to the page files; on
// rollback they are discarded and the files never see them. Only one
// operation is active at a time. Readers outside an operation see committed
// pages only and use ReadLock to keep a commit from landing in the middle of
// a multi-page step.
package atomic

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/cellbtree/dbms/pager"
	"github.com/btree-query-bench/cellbtree/dbms/wal"
)

const fileExt = ".cbt"

var (
	// ErrRollback is returned from an Execute body to discard the operation
	// without reporting an error to the caller.
	ErrRollback = errors.New("atomic: rollback requested")

	ErrClosed        = errors.New("atomic: manager closed")
	ErrOperationDone = errors.New("atomic: operation already finished")
	ErrUnknownFile   = errors.New("atomic: unknown file")
	ErrFileExists    = errors.New("atomic: file already exists")
)

type file struct {
	name  string
	pager *pager.Pager
}

// Manager owns the page files and the write-ahead log of one store directory.
type Manager struct {
	dir     string
	opts    Options
	log     *slog.Logger
	wal     *wal.Log
	metrics *metrics

	writer  sync.Mutex   // held for the lifetime of an operation
	applyMu sync.RWMutex // excludes readers while committed pages are applied

	filesMu sync.RWMutex
	files   map[uint32]*file
	names   map[string]uint32

	lastOp          uint64
	sinceCheckpoint int
	closed          bool
}

// Open opens the store in dir, creating it if needed, and replays any
// operations the log holds that were not checkpointed.
func Open(dir string, opts Options) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "atomic: create %s", dir)
	}
	met, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	w, err := wal.Open(filepath.Join(dir, "wal"), opts.Logger)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		dir:     dir,
		opts:    opts,
		log:     opts.Logger.With("component", "atomic"),
		wal:     w,
		metrics: met,
		files:   make(map[uint32]*file),
		names:   make(map[string]uint32),
		lastOp:  w.LastOpID(),
	}

	registered, err := w.Files()
	if err != nil {
		w.Close()
		return nil, err
	}
	for name, id := range registered {
		if err := m.openPager(name, id); err != nil {
			m.closeFiles()
			w.Close()
			return nil, err
		}
	}
	if err := m.recover(); err != nil {
		m.closeFiles()
		w.Close()
		return nil, err
	}
	if err := m.removeOrphans(registered); err != nil {
		m.closeFiles()
		w.Close()
		return nil, err
	}
	return m, nil
}

// Dir returns the store directory.
func (m *Manager) Dir() string { return m.dir }

// Logger returns the manager's logger.
func (m *Manager) Logger() *slog.Logger { return m.opts.Logger }

// FileID returns the id of a file previously added to the store.
func (m *Manager) FileID(name string) (uint32, error) {
	m.filesMu.RLock()
	defer m.filesMu.RUnlock()
	id, ok := m.names[name]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownFile, "atomic: %s", name)
	}
	return id, nil
}

// FileName returns the name of the file with the given id.
func (m *Manager) FileName(id uint32) string {
	m.filesMu.RLock()
	defer m.filesMu.RUnlock()
	if f, ok := m.files[id]; ok {
		return f.name
	}
	return ""
}

// Pager exposes the page file of id for maintenance tasks such as backup.
func (m *Manager) Pager(id uint32) (*pager.Pager, error) {
	return m.pager(id)
}

// LoadForRead returns a private copy of the committed page.
func (m *Manager) LoadForRead(fileID uint32, page uint64) (*pager.Page, error) {
	p, err := m.pager(fileID)
	if err != nil {
		return nil, err
	}
	return p.Read(page)
}

// ReadLock blocks commits from being applied until ReadUnlock.
func (m *Manager) ReadLock()   { m.applyMu.RLock() }
func (m *Manager) ReadUnlock() { m.applyMu.RUnlock() }

// Execute runs body inside an atomic operation.
//
// If op is non-nil body joins it and its error is returned unchanged; the
// outermost Execute decides the fate of the operation. Otherwise a new
// operation is started and committed when body returns nil. Any error, or a
// panic, rolls it back. An error matching ErrRollback is swallowed after
// the rollback.
//
// Execute with a nil op blocks while another operation is active, so it must
// not be called with nil from inside a body.
func (m *Manager) Execute(op *Operation, body func(op *Operation) error) (err error) {
	if op != nil {
		if op.done {
			return ErrOperationDone
		}
		return body(op)
	}

	op, err = m.begin()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			m.rollback(op)
			panic(r)
		}
	}()

	if err := body(op); err != nil {
		m.rollback(op)
		if errors.Is(err, ErrRollback) {
			return nil
		}
		return err
	}
	return m.commit(op)
}

// Checkpoint makes every committed page durable in its file and drops the
// logged operations.
func (m *Manager) Checkpoint() error {
	m.writer.Lock()
	defer m.writer.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.checkpoint()
}

// Close checkpoints and closes every file and the log.
func (m *Manager) Close() error {
	m.writer.Lock()
	defer m.writer.Unlock()
	if m.closed {
		return nil
	}
	err := m.checkpoint()
	m.closed = true
	if cerr := m.closeFiles(); err == nil {
		err = cerr
	}
	if cerr := m.wal.Close(); err == nil {
		err = cerr
	}
	return err
}

// ─── Operation lifecycle ──────────────────────────────────────────────────────

func (m *Manager) begin() (*Operation, error) {
	m.writer.Lock()
	if m.closed {
		m.writer.Unlock()
		return nil, ErrClosed
	}
	m.lastOp++
	return &Operation{
		m:      m,
		id:     m.lastOp,
		dirty:  make(map[pageKey]*pager.Page),
		filled: make(map[uint32]uint64),
	}, nil
}

func (m *Manager) rollback(op *Operation) {
	if op.done {
		return
	}
	op.done = true
	op.dirty = nil
	op.hooks = nil
	op.dropped = nil
	m.metrics.rollbacks.Inc()
	m.writer.Unlock()
}

func (m *Manager) commit(op *Operation) error {
	defer m.writer.Unlock()
	op.done = true

	images, dropped := op.images(), op.droppedNames()
	if len(images) > 0 || len(dropped) > 0 {
		n, err := m.wal.Append(op.id, images, dropped...)
		if err != nil {
			return err
		}
		m.metrics.walBytes.Add(float64(n))
	}
	if err := m.apply(images, op.dropped, op.hooks); err != nil {
		// The log holds the operation; the next Open repairs the files.
		return errors.Wrapf(err, "atomic: apply op %d", op.id)
	}
	m.metrics.commits.Inc()

	m.sinceCheckpoint++
	if m.sinceCheckpoint >= m.opts.CheckpointEvery {
		return m.checkpoint()
	}
	return nil
}

// apply writes the images, drops deleted files and runs the commit hooks
// while readers are excluded, so cached state published by a hook never
// disagrees with pages.
func (m *Manager) apply(images []wal.PageImage, dropped map[uint32]string, hooks []func()) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()
	for _, img := range images {
		p, err := m.pager(img.File)
		if err != nil {
			return err
		}
		if err := p.Write(img.Page, img.Data); err != nil {
			return err
		}
	}
	for id, name := range dropped {
		if err := m.dropFile(id, name); err != nil {
			return err
		}
	}
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (m *Manager) checkpoint() error {
	m.filesMu.RLock()
	for _, f := range m.files {
		if err := f.pager.Sync(); err != nil {
			m.filesMu.RUnlock()
			return err
		}
	}
	m.filesMu.RUnlock()
	if err := m.wal.Truncate(m.lastOp); err != nil {
		return err
	}
	m.sinceCheckpoint = 0
	return nil
}

func (m *Manager) recover() error {
	var pages int
	ops, err := m.wal.Replay(func(opID uint64, img wal.PageImage) error {
		p, err := m.pager(img.File)
		if errors.Is(err, ErrUnknownFile) {
			// The file was dropped by a later operation.
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "atomic: replay op %d", opID)
		}
		pages++
		return p.Write(img.Page, img.Data)
	})
	if err != nil {
		return err
	}
	if ops == 0 {
		return nil
	}
	m.log.Info("replayed write-ahead log", "operations", ops, "pages", pages)
	return m.checkpoint()
}

// ─── Files ────────────────────────────────────────────────────────────────────

func (m *Manager) addFile(name string) (uint32, error) {
	m.filesMu.Lock()
	if id, ok := m.names[name]; ok {
		p := m.files[id].pager
		m.filesMu.Unlock()
		// A file that never received a committed page may be claimed again,
		// which happens when the operation that added it was rolled back.
		if p.PageCount() > 1 {
			return 0, errors.Wrapf(ErrFileExists, "atomic: %s", name)
		}
		return id, nil
	}
	m.filesMu.Unlock()

	id, err := m.wal.RegisterFile(name)
	if err != nil {
		return 0, err
	}
	if err := m.openPager(name, id); err != nil {
		return 0, err
	}
	return id, nil
}

// FilePath returns the path of the page file called name in the store at dir.
func FilePath(dir, name string) string {
	return filepath.Join(dir, name+fileExt)
}

func (m *Manager) openPager(name string, id uint32) error {
	p, err := pager.Open(FilePath(m.dir, name), m.opts.CachePages)
	if err != nil {
		return err
	}
	m.filesMu.Lock()
	m.files[id] = &file{name: name, pager: p}
	m.names[name] = id
	m.filesMu.Unlock()
	return nil
}

// dropFile forgets a file whose registry entry is already gone from the log
// and removes it from disk.
func (m *Manager) dropFile(id uint32, name string) error {
	m.filesMu.Lock()
	f, ok := m.files[id]
	delete(m.files, id)
	delete(m.names, name)
	m.filesMu.Unlock()
	if !ok {
		return nil
	}
	err := f.pager.Close()
	if rerr := os.Remove(f.pager.Path()); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = errors.Wrapf(rerr, "atomic: remove %s", name)
	}
	m.log.Info("dropped file", "file", name, "id", id)
	return err
}

// removeOrphans deletes page files the registry does not list. They are left
// behind when a crash lands between logging a drop and removing the file.
func (m *Manager) removeOrphans(registered map[string]uint32) error {
	paths, err := filepath.Glob(filepath.Join(m.dir, "*"+fileExt))
	if err != nil {
		return errors.Wrap(err, "atomic: list page files")
	}
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), fileExt)
		if _, ok := registered[name]; ok {
			continue
		}
		if err := os.Remove(path); err != nil {
			return errors.Wrapf(err, "atomic: remove orphaned %s", name)
		}
		m.log.Warn("removed orphaned page file", "file", name)
	}
	return nil
}

func (m *Manager) pager(id uint32) (*pager.Pager, error) {
	m.filesMu.RLock()
	defer m.filesMu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFile, "atomic: file id %d", id)
	}
	return f.pager, nil
}

func (m *Manager) closeFiles() error {
	m.filesMu.Lock()
	defer m.filesMu.Unlock()
	var err error
	for _, f := range m.files {
		if cerr := f.pager.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
