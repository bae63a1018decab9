package swpins

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"confctl/internal/command"
)

const TypeGitRev = "git-rev"

var (
	fullRevPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)
	githubURL      = regexp.MustCompile(`^(?:https://|git@)github\.com[:/]([^/]+)/([^/]+?)(?:\.git)?/?$`)
)

func init() {
	register(TypeGitRev, func(b *base) (Spec, error) {
		opts, err := parseGitOptions(b.declared)
		if err != nil {
			return nil, err
		}
		archive := strings.TrimSpace(stringOpt(b.declared, "archive"))
		if archive == "" {
			archive = githubArchive(opts.URL)
		}
		if archive == "" {
			return nil, fmt.Errorf("option archive is required for non-GitHub url %q", opts.URL)
		}
		if !strings.Contains(archive, "{rev}") {
			return nil, fmt.Errorf("option archive %q must contain {rev}", archive)
		}
		return &gitRevSpec{base: b, opts: opts, archive: archive}, nil
	})
}

func githubArchive(url string) string {
	m := githubURL.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/%s/archive/{rev}.tar.gz", m[1], m[2])
}

// gitRevSpec pins a single revision fetched as a source archive, which is
// much cheaper than a full checkout.
type gitRevSpec struct {
	*base
	opts    gitOptions
	archive string
}

func (s *gitRevSpec) Version() string { return shortRev(s.infoString("rev")) }
func (s *gitRevSpec) Path() string    { return s.infoString("path") }
func (s *gitRevSpec) CanUpdate() bool { return s.opts.Update.Ref != "" }

func (s *gitRevSpec) Prefetch(ctx context.Context, env *Env, args []string) error {
	ref := s.opts.Update.Ref
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		ref = strings.TrimSpace(args[0])
	}
	if ref == "" {
		return fmt.Errorf("prefetch %s: %w", s.name, ErrNoUpdateRef)
	}

	rev, err := s.lsRemote(ctx, env, ref)
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", s.name, err)
	}

	url := strings.ReplaceAll(s.archive, "{rev}", rev)
	env.logger().Info("prefetching archive swpin", "spec", s.name, "url", url)
	out, err := env.runner().Run(ctx, command.Spec{Argv: []string{"nix-prefetch-url", "--unpack", "--print-path", url}})
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", s.name, err)
	}
	if out.ExitStatus != 0 {
		return fmt.Errorf("prefetch %s: nix-prefetch-url exited with %d: %s", s.name, out.ExitStatus, strings.TrimSpace(out.Stderr))
	}
	lines := strings.Fields(out.Stdout)
	if len(lines) != 2 {
		return fmt.Errorf("prefetch %s: unexpected nix-prefetch-url output %q", s.name, out.Stdout)
	}
	sha256, path := lines[0], lines[1]

	s.stamp(env,
		map[string]any{"rev": rev},
		map[string]any{"rev": rev, "sha256": sha256, "path": path},
		Fetcher{Type: "zip_url", Options: map[string]any{"url": url, "sha256": sha256}},
	)
	return nil
}

// lsRemote resolves ref to a full revision. Full revisions pass through.
func (s *gitRevSpec) lsRemote(ctx context.Context, env *Env, ref string) (string, error) {
	if fullRevPattern.MatchString(ref) {
		return ref, nil
	}
	out, err := git(ctx, env, "", "ls-remote", s.opts.URL, ref)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fullRevPattern.MatchString(fields[0]) {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("ref %q not found in %s", ref, s.opts.URL)
}

func (s *gitRevSpec) Update(ctx context.Context, env *Env) error {
	if !s.CanUpdate() {
		return fmt.Errorf("update %s: %w", s.name, ErrNoUpdateRef)
	}
	return s.Prefetch(ctx, env, nil)
}

func (s *gitRevSpec) AutoUpdate(ctx context.Context, env *Env) (bool, error) {
	if !s.dueForAutoUpdate(env, s.opts.Update) {
		return false, nil
	}
	return true, s.Update(ctx, env)
}

func (s *gitRevSpec) Changelog(ctx context.Context, env *Env, other string, opts ChangelogOptions) (string, error) {
	return revisionLog(ctx, env, s.name, s.opts.URL, s.infoString("rev"), other, opts)
}

func (s *gitRevSpec) Diff(ctx context.Context, env *Env, other string, opts ChangelogOptions) (string, error) {
	return revisionDiff(ctx, env, s.name, s.opts.URL, s.infoString("rev"), other, opts)
}

func (s *gitRevSpec) inherit(channel string) Spec {
	return &gitRevSpec{base: s.copyFor(channel), opts: s.opts, archive: s.archive}
}
