// Package lockfolder implements the file-based shared/exclusive advisory
// locks repositories use for cross-process mutual exclusion (spec.md
// §4.9). Locks live as one file per holder in remote/locks/, carrying the
// holder's host, PID, and acquisition time, after the "write a small
// descriptor file" shape of the teacher's directory lock in
// internal/chunk/file/manager.go — generalized here to a folder of many
// lock files instead of one-file-per-manager, since Shared/Exclusive
// coexistence rules require inspecting every holder. No flock is taken:
// the check-then-write is serialized in-process by a mutex, and across
// processes each descriptor is created with O_CREATE|O_EXCL.
package lockfolder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"vaultkeep/internal/vaulterr"
)

// Kind is the lock mode. Exclusive conflicts with any existing lock;
// Shared conflicts only with an existing Exclusive lock.
type Kind int

const (
	Shared Kind = iota
	Exclusive
)

func (k Kind) String() string {
	if k == Exclusive {
		return "exclusive"
	}
	return "shared"
}

// Descriptor is the content of one lock file.
type Descriptor struct {
	Host     string    `yaml:"host"`
	PID      int       `yaml:"pid"`
	Kind     Kind      `yaml:"kind"`
	Acquired time.Time `yaml:"acquired"`
}

// Folder manages the lock files under one remote/locks/ directory.
type Folder struct {
	mu         sync.Mutex
	dir        string
	staleAfter time.Duration
	host       string
}

// New returns a Folder over dir. staleAfter bounds how old an otherwise-
// live-looking lock may be before it is reported as stale.
func New(dir string, staleAfter time.Duration) (*Folder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Folder{dir: dir, staleAfter: staleAfter, host: host}, nil
}

// Handle represents one held lock. Release is idempotent and must be
// called on every exit path — the lock is not released by any finalizer.
type Handle struct {
	folder   *Folder
	path     string
	released bool
}

// Release removes this process's lock file. Safe to call more than once.
func (h *Handle) Release() error {
	h.folder.mu.Lock()
	defer h.folder.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

// Lock acquires a lock of the given kind, failing with a KindLockBusy
// error if an incompatible, non-stale lock already exists. It does not
// clear stale locks itself — see Stale and BreakStale.
func (f *Folder) Lock(kind Kind) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	holders, err := f.readAll()
	if err != nil {
		return nil, err
	}
	for _, d := range holders {
		if conflicts(kind, d.Kind) {
			if f.isStale(d) {
				return nil, vaulterr.WrapDetail(vaulterr.KindLockStale,
					fmt.Sprintf("%s-%d", d.Host, d.PID),
					fmt.Errorf("stale %s lock blocks %s request; call BreakStale to clear it", d.Kind, kind))
			}
			return nil, vaulterr.WrapDetail(vaulterr.KindLockBusy,
				fmt.Sprintf("%s-%d", d.Host, d.PID),
				fmt.Errorf("held since %s", d.Acquired.Format(time.RFC3339)))
		}
	}

	d := Descriptor{Host: f.host, PID: os.Getpid(), Kind: kind, Acquired: time.Now()}
	path := f.path(d)
	if err := writeDescriptor(path, d); err != nil {
		return nil, err
	}
	return &Handle{folder: f, path: path}, nil
}

// Stale returns every currently-present lock descriptor that looks dead:
// a PID on this host that no longer exists, or any lock older than
// staleAfter regardless of host.
func (f *Folder) Stale() ([]Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	holders, err := f.readAll()
	if err != nil {
		return nil, err
	}
	var stale []Descriptor
	for _, d := range holders {
		if f.isStale(d) {
			stale = append(stale, d)
		}
	}
	return stale, nil
}

// BreakStale force-removes a stale lock's file. Callers must confirm with
// an operator before calling this — locks are never broken silently.
func (f *Folder) BreakStale(d Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isStale(d) {
		return fmt.Errorf("lockfolder: refusing to break a lock that is not stale: %s-%d", d.Host, d.PID)
	}
	path := f.path(d)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return nil
}

func (f *Folder) isStale(d Descriptor) bool {
	if time.Since(d.Acquired) > f.staleAfter {
		return true
	}
	if d.Host != f.host {
		return false
	}
	return !processAlive(d.PID)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func conflicts(want, held Kind) bool {
	if want == Exclusive || held == Exclusive {
		return true
	}
	return false
}

func (f *Folder) path(d Descriptor) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s-%d.lock", d.Host, d.PID))
}

func (f *Folder) readAll() ([]Descriptor, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindIO, err)
	}
	var out []Descriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		d, err := readDescriptor(filepath.Join(f.dir, e.Name()))
		if err != nil {
			continue // unreadable/corrupt lock file: ignore rather than block progress
		}
		out = append(out, d)
	}
	return out, nil
}

func writeDescriptor(path string, d Descriptor) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return vaulterr.New(vaulterr.KindLockBusy, "lock file already exists for this host/pid")
		}
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return vaulterr.Wrap(vaulterr.KindIO, err)
	}
	return f.Sync()
}

func readDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
