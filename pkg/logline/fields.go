package logline

// Fields is a decoded parameter set with typed accessors. Scribe's various
// consumers (recovery loader, gossip engine) only ever need a handful of
// scalar shapes out of a line, so these wrap the two-value map lookups the
// rest of the codebase would otherwise repeat.
type Fields map[string]any

func (f Fields) String(key string) (string, bool) {
	v, ok := f[key].(string)
	return v, ok
}

func (f Fields) Int64(key string) (int64, bool) {
	switch v := f[key].(type) {
	case int64:
		return v, true
	case string:
		return 0, false
	}
	return 0, false
}

func (f Fields) Tuple(key string) ([]any, bool) {
	v, ok := f[key].([]any)
	return v, ok
}

func (f Fields) Dict(key string) (map[string]any, bool) {
	v, ok := f[key].(map[string]any)
	return v, ok
}
