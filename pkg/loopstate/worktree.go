package loopstate

import (
	"fmt"
	"os/exec"
	"strings"
)

// BranchPrefix marks loop-owned git branches.
const BranchPrefix = "ralph/"

// Worktree is a git worktree carrying a loop branch.
type Worktree struct {
	Path   string
	Branch string
}

// LoopID derives the loop id from the branch name.
func (w Worktree) LoopID() string {
	return strings.TrimPrefix(w.Branch, BranchPrefix)
}

// ListRalphWorktrees returns the worktrees of the workspace repository
// whose branch lives under the loop branch prefix. A workspace that is not
// a git repository yields an empty list.
func ListRalphWorktrees(workspaceRoot string) ([]Worktree, error) {
	cmd := exec.Command("git", "-C", workspaceRoot, "worktree", "list", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		if _, isExit := err.(*exec.ExitError); isExit {
			return nil, nil
		}
		return nil, fmt.Errorf("failed listing git worktrees: %w", err)
	}
	return parseWorktreePorcelain(string(output)), nil
}

// RemoveWorktree detaches a worktree and drops its branch. Failures on the
// branch deletion are ignored; the branch may already be gone.
func RemoveWorktree(workspaceRoot string, wt Worktree) error {
	remove := exec.Command("git", "-C", workspaceRoot, "worktree", "remove", "--force", wt.Path)
	if output, err := remove.CombinedOutput(); err != nil {
		return fmt.Errorf("failed removing worktree '%s': %v: %s",
			wt.Path, err, strings.TrimSpace(string(output)))
	}
	if wt.Branch != "" {
		branch := strings.TrimPrefix(wt.Branch, "refs/heads/")
		_ = exec.Command("git", "-C", workspaceRoot, "branch", "-D", branch).Run()
	}
	return nil
}

// parseWorktreePorcelain extracts loop worktrees from
// `git worktree list --porcelain` output: records separated by blank
// lines, each with "worktree <path>" and optionally "branch <ref>".
func parseWorktreePorcelain(output string) []Worktree {
	var worktrees []Worktree
	var current Worktree
	flush := func() {
		if current.Path != "" && strings.HasPrefix(current.Branch, BranchPrefix) {
			worktrees = append(worktrees, current)
		}
		current = Worktree{}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	flush()
	return worktrees
}
