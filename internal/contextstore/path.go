package contextstore

import (
	"encoding/json"
	"strconv"
	"strings"
)

func lookup(doc *Context, path string) any {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	var cur any
	if err := json.Unmarshal(raw, &cur); err != nil {
		return nil
	}
	path = strings.Trim(path, ".")
	if path == "" {
		return cur
	}
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}
