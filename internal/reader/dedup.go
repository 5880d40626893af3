package reader

// minuteDedup partitions the seen-key set into minute buckets so eviction can
// drop whole minutes once they age past the keep window. Memory stays capped
// independent of run length.
type minuteDedup struct {
	keepMinutes int64
	maxMinute   int64
	buckets     map[int64]map[string]struct{}
}

func newMinuteDedup(keepMinutes int64) *minuteDedup {
	return &minuteDedup{
		keepMinutes: keepMinutes,
		buckets:     make(map[int64]map[string]struct{}),
	}
}

// seen marks key within its minute bucket and reports whether it was already
// present in any live bucket.
func (d *minuteDedup) seen(key string, tsMs int64) bool {
	minute := tsMs / 60_000
	if minute > d.maxMinute {
		d.maxMinute = minute
	}
	for _, bucket := range d.buckets {
		if _, ok := bucket[key]; ok {
			return true
		}
	}
	bucket := d.buckets[minute]
	if bucket == nil {
		bucket = make(map[string]struct{})
		d.buckets[minute] = bucket
	}
	bucket[key] = struct{}{}
	return false
}

// evict drops buckets older than the keep window relative to the newest
// minute observed. Called after each file is processed.
func (d *minuteDedup) evict() {
	if d.maxMinute == 0 {
		return
	}
	cutoff := d.maxMinute - d.keepMinutes
	for minute := range d.buckets {
		if minute < cutoff {
			delete(d.buckets, minute)
		}
	}
}

// size reports live key count, for tests.
func (d *minuteDedup) size() int {
	n := 0
	for _, b := range d.buckets {
		n += len(b)
	}
	return n
}
