package swpins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"confctl/internal/command"
)

const TypeGit = "git"

func init() {
	register(TypeGit, func(b *base) (Spec, error) {
		opts, err := parseGitOptions(b.declared)
		if err != nil {
			return nil, err
		}
		return &gitSpec{base: b, opts: opts}, nil
	})
}

type gitOptions struct {
	URL             string
	FetchSubmodules bool
	Update          updateOptions
}

func parseGitOptions(m map[string]any) (gitOptions, error) {
	url := strings.TrimSpace(stringOpt(m, "url"))
	if url == "" {
		return gitOptions{}, errors.New("option url is required")
	}
	u, err := parseUpdate(m)
	if err != nil {
		return gitOptions{}, err
	}
	return gitOptions{URL: url, FetchSubmodules: boolOpt(m, "fetchSubmodules"), Update: u}, nil
}

// gitSpec pins a git repository checkout, fetched with nix-prefetch-git.
type gitSpec struct {
	*base
	opts gitOptions
}

// prefetchGitOutput is the JSON printed by nix-prefetch-git.
type prefetchGitOutput struct {
	URL    string `json:"url"`
	Rev    string `json:"rev"`
	Date   string `json:"date"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

func (s *gitSpec) Version() string {
	return shortRev(s.infoString("rev"))
}

func (s *gitSpec) Path() string    { return s.infoString("path") }
func (s *gitSpec) CanUpdate() bool { return s.opts.Update.Ref != "" }

func (s *gitSpec) Prefetch(ctx context.Context, env *Env, args []string) error {
	ref := s.opts.Update.Ref
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		ref = strings.TrimSpace(args[0])
	}
	if ref == "" {
		return fmt.Errorf("prefetch %s: %w", s.name, ErrNoUpdateRef)
	}

	argv := []string{"nix-prefetch-git", "--quiet", "--url", s.opts.URL, "--rev", ref}
	if s.opts.FetchSubmodules {
		argv = append(argv, "--fetch-submodules")
	}
	env.logger().Info("prefetching git swpin", "spec", s.name, "url", s.opts.URL, "ref", ref)

	out, err := env.runner().Run(ctx, command.Spec{Argv: argv})
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", s.name, err)
	}
	if out.ExitStatus != 0 {
		return fmt.Errorf("prefetch %s: nix-prefetch-git exited with %d: %s", s.name, out.ExitStatus, strings.TrimSpace(out.Stderr))
	}

	var res prefetchGitOutput
	if err := json.Unmarshal([]byte(out.Stdout), &res); err != nil {
		return fmt.Errorf("prefetch %s: parse nix-prefetch-git output: %w", s.name, err)
	}
	if res.Rev == "" || res.SHA256 == "" {
		return fmt.Errorf("prefetch %s: nix-prefetch-git returned no revision", s.name)
	}

	s.stamp(env,
		map[string]any{"rev": res.Rev},
		map[string]any{"rev": res.Rev, "sha256": res.SHA256, "path": res.Path, "commit_date": res.Date},
		Fetcher{Type: "nix-prefetch-git", Options: map[string]any{
			"url":             s.opts.URL,
			"rev":             res.Rev,
			"sha256":          res.SHA256,
			"fetchSubmodules": s.opts.FetchSubmodules,
		}},
	)
	return nil
}

func (s *gitSpec) Update(ctx context.Context, env *Env) error {
	if !s.CanUpdate() {
		return fmt.Errorf("update %s: %w", s.name, ErrNoUpdateRef)
	}
	return s.Prefetch(ctx, env, nil)
}

func (s *gitSpec) AutoUpdate(ctx context.Context, env *Env) (bool, error) {
	if !s.dueForAutoUpdate(env, s.opts.Update) {
		return false, nil
	}
	return true, s.Update(ctx, env)
}

func (s *gitSpec) Changelog(ctx context.Context, env *Env, other string, opts ChangelogOptions) (string, error) {
	return revisionLog(ctx, env, s.name, s.opts.URL, s.infoString("rev"), other, opts)
}

func (s *gitSpec) Diff(ctx context.Context, env *Env, other string, opts ChangelogOptions) (string, error) {
	return revisionDiff(ctx, env, s.name, s.opts.URL, s.infoString("rev"), other, opts)
}

func (s *gitSpec) inherit(channel string) Spec {
	return &gitSpec{base: s.copyFor(channel), opts: s.opts}
}
