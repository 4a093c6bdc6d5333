// Package persist implements the durable key→record layer: schema-validated
// writes, threshold-triggered compression, a quota eviction ladder, and
// versioned payload migration with corruption self-healing on the read path.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"groovecore/internal/schema"
	"groovecore/pkg/domain"
)

// defaultCompressThreshold is the serialized payload size, in bytes, above
// which records are compressed before writing.
const defaultCompressThreshold = 2048

// Options configures a Layer. Medium is required; everything else defaults.
type Options struct {
	Medium   domain.Medium
	Engine   *schema.Engine
	Logger   *slog.Logger
	Recorder domain.MetricsRecorder

	// CompressThreshold overrides the default when positive.
	CompressThreshold int

	// PurgeConsent gates the last-resort eviction step: purging every
	// non-essential key. Nil means the step is declined.
	PurgeConsent func(candidates []string) bool

	// Clock is injectable for tests.
	Clock func() time.Time
}

// Layer is the persistence layer. All methods are safe for concurrent use,
// though in practice calls arrive serialized through the lock manager.
type Layer struct {
	medium       domain.Medium
	engine       *schema.Engine
	log          *slog.Logger
	recorder     domain.MetricsRecorder
	threshold    int
	purgeConsent func([]string) bool
	clock        func() time.Time

	mu    sync.Mutex
	diags map[string][]domain.FieldError
}

// New constructs a Layer.
func New(opts Options) *Layer {
	if opts.Medium == nil {
		panic("persist: Options.Medium is required")
	}
	engine := opts.Engine
	if engine == nil {
		engine = schema.NewEngine(0)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = domain.NopRecorder{}
	}
	threshold := opts.CompressThreshold
	if threshold <= 0 {
		threshold = defaultCompressThreshold
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Layer{
		medium:       opts.Medium,
		engine:       engine,
		log:          log,
		recorder:     recorder,
		threshold:    threshold,
		purgeConsent: opts.PurgeConsent,
		clock:        clock,
		diags:        make(map[string][]domain.FieldError),
	}
}

// Engine exposes the validation engine for callers registering extra schemas.
func (l *Layer) Engine() *schema.Engine { return l.engine }

// Save validates value against the schema registered under key and writes it
// as one StorageRecord. An invalid value writes nothing and returns false;
// the structured errors are retrievable through Diagnostics. A quota failure
// that survives the whole eviction ladder returns a *StorageQuotaError: the
// save is lost and the caller must surface that.
func (l *Layer) Save(ctx context.Context, key string, value any) (bool, error) {
	payload, err := normalize(value)
	if err != nil {
		return false, fmt.Errorf("serialize %q: %w", key, err)
	}
	if !l.engine.Validate(payload, key) {
		errs := l.engine.Errors(key)
		l.setDiagnostics(key, errs)
		l.log.Warn("save rejected by validation", "key", key, "errors", len(errs))
		return false, nil
	}
	l.setDiagnostics(key, nil)
	if err := l.saveWithEviction(ctx, key, payload); err != nil {
		return false, err
	}
	return true, nil
}

// Load reads, migrates and validates the record under key. A record whose
// bytes fail to parse is deleted and replaced by def; so is one that fails
// validation even after structural repair. Corruption is logged, never
// rethrown.
func (l *Layer) Load(ctx context.Context, key string, def any) (any, error) {
	raw, ok, err := l.medium.Get(ctx, key)
	if err != nil {
		return def, fmt.Errorf("read %q: %w", key, err)
	}
	if !ok {
		return def, nil
	}

	var rec domain.StorageRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		l.healCorruption(ctx, key, err)
		return def, nil
	}

	var payload any
	if rec.Compressed {
		payload, err = decompressPayload(rec.Payload)
	} else {
		err = json.Unmarshal(rec.Payload, &payload)
	}
	if err != nil {
		l.healCorruption(ctx, key, err)
		return def, nil
	}

	if current := CurrentVersion(key); rec.SchemaVersion != current {
		start := l.clock()
		var reached string
		payload, reached = migrate(l.log, key, rec.SchemaVersion, payload)
		l.recorder.Observe(ctx, "migration", reached == current, l.clock().Sub(start))
		if reached != current {
			l.log.Warn("aggregate left partially migrated", "key", key, "version", reached, "current", current)
		}
	}

	if !l.engine.Validate(payload, key) {
		repaired, diffs, ok := l.engine.Repair(payload, key)
		if !ok {
			l.log.Warn("record failed validation after repair, using default", "key", key)
			return def, nil
		}
		l.log.Info("record structurally repaired on load", "key", key, "corrections", len(diffs))
		payload = repaired
	}
	return payload, nil
}

// Diagnostics returns the validation errors that blocked the most recent
// save of key, if any.
func (l *Layer) Diagnostics(key string) []domain.FieldError {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.FieldError(nil), l.diags[key]...)
}

// RecordInfo summarizes one stored record for diagnostics tooling.
type RecordInfo struct {
	Key           string `json:"key"`
	Size          int    `json:"size_bytes"`
	SchemaVersion string `json:"schemaVersion"`
	Compressed    bool   `json:"compressed"`
	Timestamp     int64  `json:"timestamp"`
}

// Inspect enumerates every stored record with its envelope metadata.
func (l *Layer) Inspect(ctx context.Context) ([]RecordInfo, error) {
	keys, err := l.medium.Keys(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]RecordInfo, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := l.medium.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		info := RecordInfo{Key: key, Size: len(raw)}
		var rec domain.StorageRecord
		if err := json.Unmarshal(raw, &rec); err == nil {
			info.SchemaVersion = rec.SchemaVersion
			info.Compressed = rec.Compressed
			info.Timestamp = rec.Timestamp
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Remove deletes the record under key.
func (l *Layer) Remove(ctx context.Context, key string) error {
	return l.medium.Remove(ctx, key)
}

func (l *Layer) setDiagnostics(key string, errs []domain.FieldError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(errs) == 0 {
		delete(l.diags, key)
		return
	}
	l.diags[key] = errs
}

func (l *Layer) healCorruption(ctx context.Context, key string, cause error) {
	cerr := &domain.StorageCorruptionError{Key: key, Cause: cause}
	l.log.Warn("corrupted record deleted, default returned", "key", key, "err", cerr)
	if err := l.medium.Remove(ctx, key); err != nil {
		l.log.Warn("failed to delete corrupted record", "key", key, "err", err)
	}
}

// encode builds the record bytes for a payload, compressing above the
// threshold or when forced.
func (l *Layer) encode(key string, payload any, forceCompress bool) ([]byte, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %q: %w", key, err)
	}
	rec := domain.StorageRecord{
		SchemaVersion: CurrentVersion(key),
		Timestamp:     l.clock().Unix(),
	}
	if forceCompress || len(plain) > l.threshold {
		// compact mutates, so hand it a private clone of the payload
		compressed, err := compressPayload(cloneForCompress(payload))
		if err != nil {
			return nil, err
		}
		rec.Compressed = true
		rec.Payload = compressed
	} else {
		rec.Payload = plain
	}
	return json.Marshal(rec)
}

// normalize converts any Go value to its generic JSON form so validation and
// compression see the same shapes the medium stores.
func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func cloneForCompress(payload any) any {
	norm, err := normalize(payload)
	if err != nil {
		return payload
	}
	return norm
}
