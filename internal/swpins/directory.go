package swpins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const TypeDirectory = "directory"

func init() {
	register(TypeDirectory, func(b *base) (Spec, error) {
		path := strings.TrimSpace(stringOpt(b.declared, "path"))
		if path == "" {
			return nil, errors.New("option path is required")
		}
		return &directorySpec{base: b, path: path}, nil
	})
}

// directorySpec pins a local directory. It has no revision history.
type directorySpec struct {
	*base
	path string
}

func (s *directorySpec) Version() string { return s.infoString("path") }
func (s *directorySpec) Path() string    { return s.infoString("path") }
func (s *directorySpec) CanUpdate() bool { return true }

func (s *directorySpec) Prefetch(_ context.Context, env *Env, _ []string) error {
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", s.name, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", s.name, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("prefetch %s: %s is not a directory", s.name, abs)
	}

	s.stamp(env,
		map[string]any{"path": abs},
		map[string]any{"path": abs},
		Fetcher{Type: "directory", Options: map[string]any{"path": abs}},
	)
	return nil
}

func (s *directorySpec) Update(ctx context.Context, env *Env) error {
	return s.Prefetch(ctx, env, nil)
}

// AutoUpdate resolves a directory spec only when it is invalid; a directory
// has nothing newer to move to.
func (s *directorySpec) AutoUpdate(ctx context.Context, env *Env) (bool, error) {
	if s.Valid() {
		return false, nil
	}
	return true, s.Update(ctx, env)
}

func (s *directorySpec) Changelog(context.Context, *Env, string, ChangelogOptions) (string, error) {
	return "", fmt.Errorf("changelog %s: %w", s.name, ErrChangelogUnsupported)
}

func (s *directorySpec) Diff(context.Context, *Env, string, ChangelogOptions) (string, error) {
	return "", fmt.Errorf("diff %s: %w", s.name, ErrChangelogUnsupported)
}

func (s *directorySpec) inherit(channel string) Spec {
	return &directorySpec{base: s.copyFor(channel), path: s.path}
}
