package monitor

// ringSet is a FIFO-bounded string set. When full, adding a new key evicts
// the oldest one, so keys from long-finished activity can recur without the
// set growing without bound.
type ringSet struct {
	limit int
	keys  map[string]struct{}
	order []string
}

func newRingSet(limit int) *ringSet {
	return &ringSet{
		limit: limit,
		keys:  make(map[string]struct{}, limit),
	}
}

// add inserts key and reports whether it was absent.
func (r *ringSet) add(key string) bool {
	if _, ok := r.keys[key]; ok {
		return false
	}
	if len(r.order) >= r.limit {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.keys, oldest)
	}
	r.keys[key] = struct{}{}
	r.order = append(r.order, key)
	return true
}
