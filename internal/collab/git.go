package collab

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nurdamiron/biz360-ai-assistant-sub004/internal/domain"
)

type CommitRequest struct {
	Branch  string
	Message string
	Files   map[string]string
}

// Git commits generated files into one local working tree with the git binary.
type Git struct {
	Binary      string
	RepoPath    string
	AuthorName  string
	AuthorEmail string
}

func NewGit(repoPath string) *Git {
	return &Git{
		Binary:      "git",
		RepoPath:    repoPath,
		AuthorName:  "devflow",
		AuthorEmail: "devflow@localhost",
	}
}

// Commit checks out (or resets) the branch, writes the files, commits them and
// returns the new commit id.
func (g *Git) Commit(ctx context.Context, req CommitRequest) (string, error) {
	repo := g.RepoPath
	if repo == "" {
		return "", fmt.Errorf("repository path is required")
	}
	if err := domain.ValidateBranchName(req.Branch); err != nil {
		return "", err
	}
	if len(req.Files) == 0 {
		return "", fmt.Errorf("nothing to commit")
	}
	message := req.Message
	if message == "" {
		message = "Update " + req.Branch
	}

	if _, err := g.run(ctx, repo, "checkout", "-B", req.Branch); err != nil {
		return "", err
	}

	paths := make([]string, 0, len(req.Files))
	for name := range req.Files {
		paths = append(paths, name)
	}
	sort.Strings(paths)
	for _, name := range paths {
		dst, err := within(repo, name)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", fmt.Errorf("create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(dst, []byte(req.Files[name]), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", name, err)
		}
	}

	if _, err := g.run(ctx, repo, append([]string{"add", "--"}, paths...)...); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, repo, "commit", "--allow-empty", "-m", message); err != nil {
		return "", err
	}
	out, err := g.run(ctx, repo, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+g.AuthorName,
		"GIT_AUTHOR_EMAIL="+g.AuthorEmail,
		"GIT_COMMITTER_NAME="+g.AuthorName,
		"GIT_COMMITTER_EMAIL="+g.AuthorEmail,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %v; out=%s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// within resolves name under root and rejects paths that escape it.
func within(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid file path %q", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file path %q escapes the repository", name)
	}
	if first := strings.SplitN(clean, string(filepath.Separator), 2)[0]; first == ".git" {
		return "", fmt.Errorf("file path %q points into .git", name)
	}
	return filepath.Join(root, clean), nil
}
