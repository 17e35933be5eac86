package jsonrpc

import "strings"

// GetPath reads a dotted path ("payload.cookies") out of nested maps.
func GetPath(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = node[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes value at a dotted path, creating intermediate maps and
// replacing non-map intermediates.
func SetPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	node := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[part] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
}

// UnsetPath deletes the key at a dotted path if it exists.
func UnsetPath(m map[string]any, path string) {
	parts := strings.Split(path, ".")
	node := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			return
		}
		node = next
	}
	delete(node, parts[len(parts)-1])
}
