package domain

import (
	"fmt"
	"strings"
)

// ValidateBranchName applies git's ref-name rules to a branch name so it can
// be passed to git as an argument.
func ValidateBranchName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("branch is required")
	case name == "@":
		return fmt.Errorf("branch %q is reserved", name)
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("branch %q must not start with '-'", name)
	case strings.HasPrefix(name, "/"), strings.HasSuffix(name, "/"), strings.HasSuffix(name, "."):
		return fmt.Errorf("branch %q has a leading or trailing separator", name)
	case strings.Contains(name, ".."), strings.Contains(name, "//"), strings.Contains(name, "@{"):
		return fmt.Errorf("branch %q contains an invalid sequence", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return fmt.Errorf("branch %q contains invalid character %q", name, r)
		}
	}
	for _, part := range strings.Split(name, "/") {
		if strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".lock") {
			return fmt.Errorf("branch %q has an invalid component %q", name, part)
		}
	}
	return nil
}
