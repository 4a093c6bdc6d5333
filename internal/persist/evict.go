package persist

import (
	"context"
	"sort"
	"strings"

	"groovecore/pkg/domain"
)

// disposableMarkers identify auxiliary keys that are always safe to delete
// when the store runs out of space.
var disposableMarkers = []string{"backup", "history", "temp", "debug", "cache"}

// saveWithEviction writes the encoded record, running the eviction ladder on
// a quota failure: disposable keys first, then aggressive compression, then
// the single largest non-essential record, then — with consent — everything
// non-essential. The write is retried once after every step.
func (l *Layer) saveWithEviction(ctx context.Context, key string, payload any) error {
	rec, err := l.encode(key, payload, false)
	if err != nil {
		return err
	}
	err = l.medium.Set(ctx, key, rec)
	if err == nil {
		return nil
	}
	if !domain.IsQuotaExceeded(err) {
		return err
	}

	start := l.clock()
	recovered := false
	defer func() {
		l.recorder.Observe(ctx, "eviction", recovered, l.clock().Sub(start))
	}()

	var steps []string
	retry := func() bool {
		if werr := l.medium.Set(ctx, key, rec); werr == nil {
			l.log.Info("write succeeded after eviction", "key", key, "steps", steps)
			recovered = true
			return true
		} else if !domain.IsQuotaExceeded(werr) {
			err = werr
		}
		return false
	}

	// Step 1: drop disposable auxiliary keys, retrying after each deletion.
	keys, kerr := l.medium.Keys(ctx)
	if kerr == nil {
		sort.Strings(keys)
		for _, k := range keys {
			if !isDisposable(k) {
				continue
			}
			if rerr := l.medium.Remove(ctx, k); rerr != nil {
				continue
			}
			steps = append(steps, "evict:"+k)
			if retry() {
				return nil
			}
		}
	}

	// Step 2: compress harder regardless of threshold.
	if forced, eerr := l.encode(key, payload, true); eerr == nil {
		rec = forced
		steps = append(steps, "compress")
		if retry() {
			return nil
		}
	}

	// Step 3: drop the single largest non-essential record.
	if victim := l.largestEvictable(ctx, key); victim != "" {
		if rerr := l.medium.Remove(ctx, victim); rerr == nil {
			steps = append(steps, "evict-largest:"+victim)
			if retry() {
				return nil
			}
		}
	}

	// Step 4: last resort, purge everything outside the essential set.
	if candidates := l.evictableKeys(ctx, key); len(candidates) > 0 && l.purgeConsent != nil && l.purgeConsent(candidates) {
		for _, k := range candidates {
			_ = l.medium.Remove(ctx, k)
		}
		steps = append(steps, "purge")
		if retry() {
			return nil
		}
	}

	if err != nil && !domain.IsQuotaExceeded(err) {
		return err
	}
	return &domain.StorageQuotaError{Key: key, Steps: steps}
}

// isDisposable matches backup/history/temp/debug/cache key families by
// token, so "presets-backup" and "debug:trace" qualify but "presets" never
// does.
func isDisposable(key string) bool {
	tokens := strings.FieldsFunc(strings.ToLower(key), func(r rune) bool {
		return r == '-' || r == ':' || r == '.' || r == '/' || r == '_'
	})
	for _, tok := range tokens {
		for _, marker := range disposableMarkers {
			if tok == marker {
				return true
			}
		}
	}
	return false
}

// evictableKeys lists stored keys outside the essential set, excluding the
// key currently being written.
func (l *Layer) evictableKeys(ctx context.Context, writing string) []string {
	keys, err := l.medium.Keys(ctx)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == writing || domain.EssentialKeys[k] {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// largestEvictable returns the non-essential key holding the most bytes.
func (l *Layer) largestEvictable(ctx context.Context, writing string) string {
	var victim string
	var largest int
	for _, k := range l.evictableKeys(ctx, writing) {
		raw, ok, err := l.medium.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		if len(raw) > largest {
			largest = len(raw)
			victim = k
		}
	}
	return victim
}
