// Package history extracts commit history in one repository pass.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/repograph/repograph/pkg/types"
)

// logFormat is the NUL-separated commit header format. NUL never occurs
// in author names or subjects, so splitting is unambiguous.
const logFormat = "%H%x00%h%x00%an%x00%ae%x00%at%x00%s%x00%P%x00%d"

// Reader produces the oldest-first commit sequence with per-file change
// records using a single git invocation, never one call per commit.
type Reader struct {
	repoDir string
}

// New creates a Reader for the repository at repoDir.
// Returns types.ErrNotRepository if the directory is not a git worktree.
func New(repoDir string) (*Reader, error) {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = repoDir
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w", repoDir, types.ErrNotRepository)
	}
	return &Reader{repoDir: repoDir}, nil
}

// Read returns all commits oldest first. sinceHash, when non-empty,
// limits the range to (sinceHash, HEAD]; since, when non-nil, limits by
// commit time. Both may be combined for incremental runs.
func (r *Reader) Read(ctx context.Context, sinceHash string, since *time.Time) ([]*types.Commit, error) {
	args := []string{
		"log",
		"--reverse",
		"--format=" + logFormat,
		"--name-status",
		"--numstat",
		"--find-renames",
	}
	if since != nil {
		args = append(args, "--since="+since.Format(time.RFC3339))
	}
	if sinceHash != "" {
		args = append(args, sinceHash+"..HEAD")
	} else {
		args = append(args, "HEAD")
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.repoDir

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git log failed: %w", err)
	}

	commits := parseLog(string(output))

	// git --reverse already yields oldest first, but the downstream
	// temporal invariants need strict (time, hash) order, so it is
	// enforced here once for every consumer.
	sort.SliceStable(commits, func(i, j int) bool {
		if !commits[i].Timestamp.Equal(commits[j].Timestamp) {
			return commits[i].Timestamp.Before(commits[j].Timestamp)
		}
		return commits[i].Hash < commits[j].Hash
	})

	return commits, nil
}

// Head returns the current HEAD commit hash.
func (r *Reader) Head() (string, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = r.repoDir

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// parseLog parses combined header/name-status/numstat output into
// commits. Malformed records are skipped with a logged reason.
func parseLog(output string) []*types.Commit {
	var commits []*types.Commit
	var current *types.Commit

	// Per-path change records for the commit being parsed. name-status
	// lines carry the change type, numstat lines carry line deltas;
	// both reference the same path.
	changes := make(map[string]*types.FileChange)
	var order []string

	flush := func() {
		if current == nil {
			return
		}
		for _, path := range order {
			current.Changes = append(current.Changes, *changes[path])
		}
		commits = append(commits, current)
		current = nil
		changes = make(map[string]*types.FileChange)
		order = nil
	}

	record := func(path string) *types.FileChange {
		if fc, ok := changes[path]; ok {
			return fc
		}
		fc := &types.FileChange{Path: path, ChangeType: types.ChangeTypeModified}
		changes[path] = fc
		order = append(order, path)
		return fc
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if strings.Contains(line, "\x00") {
			flush()

			parts := strings.Split(line, "\x00")
			if len(parts) < 6 {
				slog.Warn("skipping malformed commit record", "fields", len(parts))
				continue
			}

			ts, err := strconv.ParseInt(parts[4], 10, 64)
			if err != nil {
				slog.Warn("skipping commit with malformed timestamp", "hash", parts[0], "value", parts[4])
				continue
			}

			current = &types.Commit{
				Hash:        parts[0],
				ShortHash:   parts[1],
				Author:      parts[2],
				AuthorEmail: parts[3],
				Timestamp:   time.Unix(ts, 0).UTC(),
				Message:     parts[5],
			}
			if len(parts) > 6 && strings.Contains(parts[6], " ") {
				current.IsMerge = true
			}
			if len(parts) > 7 {
				parseRefs(current, parts[7])
			}
			continue
		}

		if current == nil {
			slog.Warn("skipping orphan change record", "line", line)
			continue
		}

		cols := strings.Split(line, "\t")
		switch {
		case isStatusLine(cols):
			status := cols[0]
			switch status[0] {
			case 'A':
				record(cols[1]).ChangeType = types.ChangeTypeAdded
			case 'M':
				record(cols[1]).ChangeType = types.ChangeTypeModified
			case 'D':
				record(cols[1]).ChangeType = types.ChangeTypeDeleted
			case 'R':
				if len(cols) < 3 {
					slog.Warn("skipping malformed rename record", "commit", current.ShortHash, "line", line)
					continue
				}
				fc := record(cols[2])
				fc.ChangeType = types.ChangeTypeRenamed
				fc.OldPath = cols[1]
			default:
				// Copies and type changes are treated as modifications.
				record(cols[len(cols)-1]).ChangeType = types.ChangeTypeModified
			}

		case isNumstatLine(cols):
			path := cols[2]
			if resolved, renamed := splitRenamePath(path); renamed {
				path = resolved
			}
			fc := record(path)
			// Binary files report "-" and keep zero deltas.
			fc.Additions, _ = strconv.Atoi(cols[0])
			fc.Deletions, _ = strconv.Atoi(cols[1])

		default:
			slog.Warn("skipping malformed change record", "commit", current.ShortHash, "line", line)
		}
	}
	flush()

	return commits
}

// parseRefs extracts branch and tags from a %d decoration string.
func parseRefs(c *types.Commit, decoration string) {
	refs := strings.Trim(strings.TrimSpace(decoration), "()")
	if refs == "" {
		return
	}
	for _, ref := range strings.Split(refs, ", ") {
		ref = strings.TrimSpace(ref)
		switch {
		case strings.HasPrefix(ref, "tag: "):
			c.Tags = append(c.Tags, strings.TrimPrefix(ref, "tag: "))
		case strings.HasPrefix(ref, "HEAD -> "):
			c.Branch = strings.TrimPrefix(ref, "HEAD -> ")
		}
	}
}

// isStatusLine reports whether columns form a name-status record
// (status letter, then one or two paths).
func isStatusLine(cols []string) bool {
	if len(cols) < 2 || cols[0] == "" {
		return false
	}
	switch cols[0][0] {
	case 'A', 'M', 'D', 'R', 'C', 'T':
		return true
	}
	return false
}

// isNumstatLine reports whether columns form a numstat record
// (additions, deletions, path). Binary files use "-" for both counts.
func isNumstatLine(cols []string) bool {
	if len(cols) < 3 {
		return false
	}
	isCount := func(s string) bool {
		if s == "-" {
			return true
		}
		_, err := strconv.Atoi(s)
		return err == nil
	}
	return isCount(cols[0]) && isCount(cols[1])
}

// splitRenamePath resolves numstat rename notation ("old => new" or
// "dir/{old => new}/rest") to the new path.
func splitRenamePath(path string) (string, bool) {
	if !strings.Contains(path, " => ") {
		return path, false
	}
	if open := strings.Index(path, "{"); open >= 0 {
		end := strings.Index(path, "}")
		if end > open {
			inner := path[open+1 : end]
			halves := strings.SplitN(inner, " => ", 2)
			if len(halves) == 2 {
				resolved := path[:open] + halves[1] + path[end+1:]
				return strings.ReplaceAll(resolved, "//", "/"), true
			}
		}
	}
	halves := strings.SplitN(path, " => ", 2)
	return halves[1], true
}
