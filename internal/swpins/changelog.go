package swpins

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"confctl/internal/command"

	"github.com/zeebo/blake3"
)

var nonNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// mirrorPath maps a repository URL to its bare mirror directory.
func mirrorPath(root, url string) string {
	sum := blake3.Sum256([]byte(url))
	base := strings.TrimSuffix(filepath.Base(strings.TrimRight(url, "/")), ".git")
	base = nonNameChars.ReplaceAllString(base, "_")
	return filepath.Join(root, base+"-"+hex.EncodeToString(sum[:8])+".git")
}

func runGit(ctx context.Context, env *Env, dir string, args ...string) (command.Output, error) {
	argv := append([]string{"git"}, args...)
	return env.runner().Run(ctx, command.Spec{Argv: argv, Dir: dir})
}

func git(ctx context.Context, env *Env, dir string, args ...string) (string, error) {
	out, err := runGit(ctx, env, dir, args...)
	if err != nil {
		return "", err
	}
	if out.ExitStatus != 0 {
		return "", fmt.Errorf("git %s: exit status %d: %s", strings.Join(args, " "), out.ExitStatus, strings.TrimSpace(out.Stderr))
	}
	return out.Stdout, nil
}

// isAncestor reports whether ancestor is reachable from rev. git exits 1
// when it is not; any other failure, such as an unknown commit, is an
// error.
func isAncestor(ctx context.Context, env *Env, dir, ancestor, rev string) (bool, error) {
	out, err := runGit(ctx, env, dir, "merge-base", "--is-ancestor", ancestor, rev)
	if err != nil {
		return false, err
	}
	switch out.ExitStatus {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("git merge-base --is-ancestor %s %s: exit status %d: %s", ancestor, rev, out.ExitStatus, strings.TrimSpace(out.Stderr))
	}
}

// ensureMirror clones url as a bare mirror, or fetches into an existing one.
func ensureMirror(ctx context.Context, env *Env, url string) (string, error) {
	if env == nil || env.MirrorDir == "" {
		return "", errors.New("git mirror directory is not configured")
	}
	dir := mirrorPath(env.MirrorDir, url)

	_, err := os.Stat(dir)
	switch {
	case err == nil:
		env.logger().Debug("fetching git mirror", "url", url, "dir", dir)
		if _, err := git(ctx, env, dir, "fetch", "--prune", "origin"); err != nil {
			return "", fmt.Errorf("update mirror of %s: %w", url, err)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(env.MirrorDir, 0o755); err != nil {
			return "", fmt.Errorf("create mirror directory: %w", err)
		}
		env.logger().Info("cloning git mirror", "url", url, "dir", dir)
		if _, err := git(ctx, env, env.MirrorDir, "clone", "--mirror", url, dir); err != nil {
			return "", fmt.Errorf("clone mirror of %s: %w", url, err)
		}
	default:
		return "", fmt.Errorf("stat mirror %s: %w", dir, err)
	}
	return dir, nil
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// revisionLog walks the mirror of url between the recorded revision and
// other. Upgrades list commits oldest first; downgrades newest first.
func revisionLog(ctx context.Context, env *Env, name, url, rev, other string, opts ChangelogOptions) (string, error) {
	if rev == "" {
		return "", &NotResolvedError{Spec: name}
	}
	if other == "" || other == rev {
		return NoChanges, nil
	}

	dir, err := ensureMirror(ctx, env, url)
	if err != nil {
		return "", err
	}
	otherRev, err := resolveRev(ctx, env, dir, other)
	if err != nil {
		return "", err
	}
	if otherRev == rev {
		return NoChanges, nil
	}

	downgrade := opts.Downgrade
	if !downgrade {
		downgrade, err = isAncestor(ctx, env, dir, otherRev, rev)
		if err != nil {
			return "", err
		}
	}

	args := []string{"log"}
	if opts.Patch {
		args = append(args, "--patch")
	} else {
		args = append(args, "--oneline")
	}
	verb := "Upgrade"
	if downgrade {
		verb = "Downgrade"
		args = append(args, otherRev+".."+rev)
	} else {
		args = append(args, "--reverse", rev+".."+otherRev)
	}
	if len(opts.Paths) > 0 {
		args = append(args, "--")
		args = append(args, opts.Paths...)
	}

	log, err := git(ctx, env, dir, args...)
	if err != nil {
		return "", err
	}
	log = strings.TrimRight(log, "\n")
	if log == "" {
		return NoChanges, nil
	}
	return fmt.Sprintf("%s %s from %s to %s:\n%s\n", verb, name, shortRev(rev), shortRev(otherRev), log), nil
}

func revisionDiff(ctx context.Context, env *Env, name, url, rev, other string, opts ChangelogOptions) (string, error) {
	if rev == "" {
		return "", &NotResolvedError{Spec: name}
	}
	if other == "" || other == rev {
		return NoChanges, nil
	}

	dir, err := ensureMirror(ctx, env, url)
	if err != nil {
		return "", err
	}
	otherRev, err := resolveRev(ctx, env, dir, other)
	if err != nil {
		return "", err
	}
	if otherRev == rev {
		return NoChanges, nil
	}

	from, to := rev, otherRev
	if opts.Downgrade {
		from, to = to, from
	}
	args := []string{"diff", from, to}
	if len(opts.Paths) > 0 {
		args = append(args, "--")
		args = append(args, opts.Paths...)
	}
	diff, err := git(ctx, env, dir, args...)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(diff) == "" {
		return NoChanges, nil
	}
	return diff, nil
}

func resolveRev(ctx context.Context, env *Env, dir, ref string) (string, error) {
	out, err := git(ctx, env, dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}
