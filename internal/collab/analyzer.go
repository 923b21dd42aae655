package collab

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExcludes are skipped by every analysis.
var DefaultExcludes = []string{
	".git/**",
	"**/.git/**",
	"node_modules/**",
	"**/node_modules/**",
	"vendor/**",
	"**/vendor/**",
}

const sampleSize = 25

type ProjectSummary struct {
	Root      string         `json:"root"`
	Files     int            `json:"files"`
	Bytes     int64          `json:"bytes"`
	Languages map[string]int `json:"languages"`
	Sample    []string       `json:"sample,omitempty"`
}

// FSAnalyzer summarizes a project tree on the local filesystem.
type FSAnalyzer struct {
	Excludes []string
}

func NewFSAnalyzer() *FSAnalyzer {
	return &FSAnalyzer{Excludes: DefaultExcludes}
}

// Analyze walks the files under root matching any include pattern
// (default "**/*") and groups them by language.
func (a *FSAnalyzer) Analyze(ctx context.Context, root string, include []string) (ProjectSummary, error) {
	info, err := os.Stat(root)
	if err != nil {
		return ProjectSummary{}, fmt.Errorf("analyze %s: %w", root, err)
	}
	if !info.IsDir() {
		return ProjectSummary{}, fmt.Errorf("analyze %s: not a directory", root)
	}
	if len(include) == 0 {
		include = []string{"**/*"}
	}

	fsys := os.DirFS(root)
	seen := make(map[string]struct{})
	var files []string
	for _, pattern := range include {
		if !doublestar.ValidatePattern(pattern) {
			return ProjectSummary{}, fmt.Errorf("invalid include pattern %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return ProjectSummary{}, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if err := ctx.Err(); err != nil {
				return ProjectSummary{}, err
			}
			if _, dup := seen[m]; dup || a.excluded(m) {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
	}
	sort.Strings(files)

	sum := ProjectSummary{Root: root, Languages: make(map[string]int)}
	for _, name := range files {
		fi, err := fs.Stat(fsys, name)
		if err != nil {
			continue
		}
		sum.Files++
		sum.Bytes += fi.Size()
		sum.Languages[language(name)]++
		if len(sum.Sample) < sampleSize {
			sum.Sample = append(sum.Sample, name)
		}
	}
	return sum, nil
}

func (a *FSAnalyzer) excluded(name string) bool {
	for _, pattern := range a.Excludes {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

var languages = map[string]string{
	".go":   "go",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".py":   "python",
	".java": "java",
	".rb":   "ruby",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cs":   "csharp",
	".php":  "php",
	".sql":  "sql",
	".sh":   "shell",
	".md":   "markdown",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".html": "html",
	".css":  "css",
}

func language(name string) string {
	if lang, ok := languages[strings.ToLower(path.Ext(name))]; ok {
		return lang
	}
	return "other"
}
