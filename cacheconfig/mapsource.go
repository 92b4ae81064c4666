package cacheconfig

import "strconv"

// MapSource is a simple in-memory KeySource backed by string values,
// useful for tests and for adapting a parsed config file whose values all
// arrive as strings. Int parses its value with strconv.Atoi.
type MapSource map[string]string

func (m MapSource) String(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m MapSource) Int(key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
