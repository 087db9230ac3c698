package cache

import "fmt"

// Validate はキャッシュの不変条件を検査し、違反内容を返す.
// 違反が無ければ空のスライスを返す.
func (r *Repository) Validate() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var violations []string
	report := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	if r.totalSize > r.capacity {
		report("current size %d exceeds capacity %d", r.totalSize, r.capacity)
	}
	if r.head != nil && r.head.prev != nil {
		report("head %q has a predecessor", r.head.key)
	}
	if r.tail != nil && r.tail.next != nil {
		report("tail %q has a successor", r.tail.key)
	}
	if (r.head == nil) != (r.tail == nil) {
		report("head and tail disagree on emptiness")
	}

	var (
		sum  int64
		seen int
		last *Entry
	)
	for e := r.head; e != nil; e = e.next {
		seen++
		if seen > r.count+1 {
			report("list is longer than %d entries, possible cycle", r.count)
			break
		}
		sum += e.size

		if e.key == "" || e.header == nil || e.body == nil {
			report("entry %q: important info missing", e.key)
		}
		if e.size > r.entryLimit {
			report("entry %q: size %d exceeds entry limit %d", e.key, e.size, r.entryLimit)
		}
		if int64(len(e.body)) != e.size {
			report("entry %q: size %d does not match body length %d", e.key, e.size, len(e.body))
		}
		if !e.linked || e.owner != r {
			report("entry %q: not owned by this cache", e.key)
		}
		if e.prev != nil && e.prev.next != e {
			report("entry %q: prev.next does not point back", e.key)
		}
		if e.next != nil && e.next.prev != e {
			report("entry %q: next.prev does not point back", e.key)
		}
		if e.next == nil && r.tail != e {
			report("entry %q: last entry is not the tail", e.key)
		}
		last = e
	}

	if last != r.tail && seen <= r.count {
		report("walk ended before reaching the tail")
	}
	if seen != r.count {
		report("entry count %d does not match list length %d", r.count, seen)
	}
	if sum != r.totalSize {
		report("current size %d does not match sum of entries %d", r.totalSize, sum)
	}

	return violations
}
