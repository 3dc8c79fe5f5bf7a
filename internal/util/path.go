package util

import "strings"

// GetPath resolves a dotted path ("previous_result.data") inside nested maps.
func GetPath(m map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var cur interface{} = m
	for _, key := range strings.Split(path, ".") {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = node[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes v at a dotted path, creating intermediate maps. An
// intermediate non-map value is replaced.
func SetPath(m map[string]interface{}, path string, v interface{}) {
	keys := strings.Split(path, ".")
	node := m
	for _, key := range keys[:len(keys)-1] {
		next, ok := node[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			node[key] = next
		}
		node = next
	}
	node[keys[len(keys)-1]] = v
}
