// Package generation tracks configuration generations: build generations
// recorded locally for every successful build, host generations read from
// a machine's system profile, and their correlation.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"confctl/internal/logging"
	"confctl/internal/swpins"

	"golang.org/x/sys/unix"
)

// NameLayout formats build generation names from their creation time.
const NameLayout = "2006-01-02--15-04-05"

const (
	descriptorFile = "generation.json"
	currentFile    = "current"
	lockFile       = ".lock"
)

// Roots protects build artifacts from the store garbage collector. Owners
// are generation IDs.
type Roots interface {
	RegisterRoots(ctx context.Context, owner string, paths []string) error
	UnregisterRoots(ctx context.Context, owner string) error
}

// Artifacts are the outputs of one build for one host.
type Artifacts struct {
	Toplevel      string
	AutoRollback  string
	KernelVersion string
}

// Pin is one swpin as used by a build.
type Pin struct {
	Path string        `json:"path"`
	Spec swpins.Record `json:"spec"`
}

// BuildGeneration is an immutable record of one successful build.
type BuildGeneration struct {
	Host          string
	Name          string
	Date          time.Time
	Toplevel      string
	AutoRollback  string
	KernelVersion string
	Swpins        map[string]Pin
	Current       bool

	dir string
}

func (g *BuildGeneration) GenerationDate() time.Time { return g.Date }
func (g *BuildGeneration) IsCurrent() bool           { return g.Current }

// ID identifies the generation across hosts.
func (g *BuildGeneration) ID() string { return g.Host + "/" + g.Name }

func (g *BuildGeneration) Dir() string { return g.dir }

// SwpinPaths maps swpin names to their paths.
func (g *BuildGeneration) SwpinPaths() map[string]string {
	out := make(map[string]string, len(g.Swpins))
	for n, p := range g.Swpins {
		out[n] = p.Path
	}
	return out
}

func (g *BuildGeneration) rootPaths() []string {
	paths := []string{g.Toplevel}
	if g.AutoRollback != "" {
		paths = append(paths, g.AutoRollback)
	}
	for _, n := range slices.Sorted(maps.Keys(g.Swpins)) {
		if p := g.Swpins[n].Path; p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

type descriptor struct {
	Date          time.Time      `json:"date"`
	Toplevel      string         `json:"toplevel"`
	AutoRollback  string         `json:"auto_rollback"`
	KernelVersion string         `json:"kernel_version,omitempty"`
	Swpins        map[string]Pin `json:"swpins"`
}

// BuildStore keeps build generations under one directory:
//
//	<dir>/<host>/<name>/generation.json
//	<dir>/<host>/<name>/{toplevel,auto-rollback,swpin.<name>}  (symlinks)
//	<dir>/<host>/current                                       (marker)
type BuildStore struct {
	Dir    string
	Roots  Roots
	Logger *slog.Logger
}

func (s *BuildStore) hostDir(host string) string {
	return filepath.Join(s.Dir, url.PathEscape(host))
}

// Hosts lists hosts with a generation directory.
func (s *BuildStore) Hosts() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list generation hosts: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		host, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		out = append(out, host)
	}
	sort.Strings(out)
	return out, nil
}

// Load reads every build generation of host.
func (s *BuildStore) Load(host string) (*BuildList, error) {
	l := &BuildList{store: s, Host: host}
	dir := s.hostDir(host)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("read generations of %s: %w", host, err)
	}

	current, err := readMarker(filepath.Join(dir, currentFile))
	if err != nil {
		return nil, fmt.Errorf("read current generation of %s: %w", host, err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		g, err := readGeneration(host, filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		g.Current = g.Name == current
		l.gens = append(l.gens, g)
	}
	l.sort()
	return l, nil
}

func readGeneration(host, dir string) (*BuildGeneration, error) {
	path := filepath.Join(dir, descriptorFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DescriptorError{Path: path, Err: err}
	}
	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, &DescriptorError{Path: path, Err: err}
	}
	if d.Toplevel == "" {
		return nil, &DescriptorError{Path: path, Err: errors.New("missing toplevel")}
	}
	return &BuildGeneration{
		Host:          host,
		Name:          filepath.Base(dir),
		Date:          d.Date,
		Toplevel:      d.Toplevel,
		AutoRollback:  d.AutoRollback,
		KernelVersion: d.KernelVersion,
		Swpins:        d.Swpins,
		dir:           dir,
	}, nil
}

func readMarker(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// writeFileAtomic writes data to a temporary file beside path and renames
// it over path, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		cleanup()
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = unix.Fsync(int(d.Fd()))
	return nil
}

// lock takes an exclusive flock on the host directory.
func (s *BuildStore) lock(host string) (func(), error) {
	dir := s.hostDir(host)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation directory of %s: %w", host, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open generation lock of %s: %w", host, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock generations of %s: %w", host, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func (s *BuildStore) logger() *slog.Logger {
	return logging.OrDefault(s.Logger)
}
