package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/divergen371/cacheproxy/internal/domain"
)

// Default sizes in bytes.
const (
	DefaultCapacity   = 1049000
	DefaultEntryLimit = 102400
)

// ErrEntryLinked は一度挿入したエントリを再挿入しようとした場合のエラー.
var ErrEntryLinked = errors.New("cache entry has already been inserted")

// Repository はサイズ上限付きのLRUキャッシュ.
// head が最近使われたエントリ、tail が次の追い出し候補.
type Repository struct {
	mu         sync.Mutex
	head       *Entry
	tail       *Entry
	count      int
	totalSize  int64
	capacity   int64
	entryLimit int64
	evictions  int64

	// released はピンが外れるたびに close されて作り直される
	released chan struct{}

	onEvict func(*Entry)
	logger  zerolog.Logger
}

// Verify interface implementation
var (
	_ domain.CacheStore     = (*Repository)(nil)
	_ domain.CacheInspector = (*Repository)(nil)
	_ domain.CachedObject   = (*Entry)(nil)
)

// Option は Repository の任意設定.
type Option func(*Repository)

// WithLogger はデバッグ出力用のロガーを設定する.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Repository) {
		r.logger = logger.With().Str("component", "cache").Logger()
	}
}

// WithEvictHook は追い出し時に呼ばれる関数を設定する.
// ロックを保持したまま呼ばれるため、キャッシュを操作してはならない.
func WithEvictHook(fn func(*Entry)) Option {
	return func(r *Repository) {
		r.onEvict = fn
	}
}

// New は新しいRepositoryインスタンスを作成
func New(capacity, entryLimit int64, opts ...Option) (*Repository, error) {
	if capacity <= 0 || entryLimit <= 0 || capacity < entryLimit {
		return nil, fmt.Errorf("%w: capacity=%d entry_limit=%d",
			domain.ErrMisconfigured, capacity, entryLimit)
	}

	r := &Repository{
		capacity:   capacity,
		entryLimit: entryLimit,
		released:   make(chan struct{}),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Lookup は先頭から key に一致する最初のエントリを探し、先頭へ移動してピン留めする.
// 呼び出し側は送信後に Release を呼ぶこと.
func (r *Repository) Lookup(key string) (domain.CachedObject, bool) {
	e := r.lookup(key)
	if e == nil {
		return nil, false
	}
	return e, true
}

func (r *Repository) lookup(key string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.findLocked(key)
	if e == nil {
		return nil
	}
	if e != r.head {
		r.unlinkLocked(e)
		r.pushFrontLocked(e)
	}
	e.pins++
	return e
}

// Contains は key の有無を返す. 並び順は変えない.
func (r *Repository) Contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(key) != nil
}

// Put はヘッダとボディから新しいエントリを作成して挿入する.
// 待たずに空きを作れない場合は挿入せず domain.ErrCacheFull を返す.
func (r *Repository) Put(key string, header, body []byte) error {
	return r.TryInsert(NewEntry(key, header, body))
}

// Insert はエントリを先頭に挿入する.
// 容量が足りなければ末尾から1つずつ追い出す. ピン留めされたエントリは飛ばし、
// ピン留めされていないエントリを全て追い出しても足りない場合は、何も追い出さずにピンが外れるまで待つ.
func (r *Repository) Insert(ctx context.Context, e *Entry) error {
	return r.insert(ctx, e, true)
}

// TryInsert は Insert と同じだが、待つ必要がある場合は何も追い出さずに domain.ErrCacheFull を返す.
func (r *Repository) TryInsert(e *Entry) error {
	return r.insert(context.Background(), e, false)
}

func (r *Repository) insert(ctx context.Context, e *Entry, wait bool) error {
	if e.size > r.entryLimit {
		r.logger.Debug().
			Str("key", e.key).
			Int64("size", e.size).
			Msg("content size exceeds entry limit, discarded")
		err := &domain.CapacityError{Key: e.key, Size: e.size, Limit: r.entryLimit}
		e.drop()
		return err
	}

	r.mu.Lock()
	if e.owner != nil {
		r.mu.Unlock()
		return ErrEntryLinked
	}

	for r.totalSize+e.size > r.capacity {
		if r.totalSize-r.evictableLocked()+e.size <= r.capacity {
			r.evictLocked(r.evictionCandidateLocked())
			continue
		}

		if !wait {
			r.mu.Unlock()
			r.logger.Debug().Str("key", e.key).Int64("size", e.size).Msg("no evictable room, discarded")
			e.drop()
			return domain.ErrCacheFull
		}

		released := r.released
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			e.drop()
			return ctx.Err()
		case <-released:
		}
		r.mu.Lock()
	}

	r.pushFrontLocked(e)
	r.mu.Unlock()

	r.logger.Debug().Str("key", e.key).Int64("size", e.size).Msg("insertion complete")
	return nil
}

// Delete はエントリをキャッシュから外す.
// ピン留め中であればバッファの解放は最後の Release まで遅らせる.
func (r *Repository) Delete(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.owner != r || !e.linked {
		return
	}
	r.removeLocked(e)
}

// Stats はキャッシュの状態を返す.
func (r *Repository) Stats() domain.CacheStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	pinned := 0
	for e := r.head; e != nil; e = e.next {
		if e.pins > 0 {
			pinned++
		}
	}

	return domain.CacheStats{
		Entries:    r.count,
		Size:       r.totalSize,
		Capacity:   r.capacity,
		EntryLimit: r.entryLimit,
		Evictions:  r.evictions,
		Pinned:     pinned,
	}
}

// Keys は先頭 (MRU) から順にキーを返す.
func (r *Repository) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, r.count)
	for e := r.head; e != nil; e = e.next {
		keys = append(keys, e.key)
	}
	return keys
}

func (r *Repository) findLocked(key string) *Entry {
	for e := r.head; e != nil; e = e.next {
		if e.key == key {
			return e
		}
	}
	return nil
}

// evictionCandidateLocked は末尾から見てピン留めされていない最初のエントリを返す.
func (r *Repository) evictionCandidateLocked() *Entry {
	for e := r.tail; e != nil; e = e.prev {
		if e.pins == 0 {
			return e
		}
	}
	return nil
}

// evictableLocked はピン留めされていないエントリの合計サイズを返す.
func (r *Repository) evictableLocked() int64 {
	var size int64
	for e := r.head; e != nil; e = e.next {
		if e.pins == 0 {
			size += e.size
		}
	}
	return size
}

func (r *Repository) evictLocked(e *Entry) {
	r.logger.Debug().Str("key", e.key).Int64("size", e.size).Msg("eviction")
	r.evictions++
	if r.onEvict != nil {
		r.onEvict(e)
	}
	r.removeLocked(e)
}

func (r *Repository) removeLocked(e *Entry) {
	r.unlinkLocked(e)
	r.count--
	r.totalSize -= e.size
	e.linked = false
	if e.pins > 0 {
		e.dead = true
		return
	}
	e.drop()
}

func (r *Repository) pushFrontLocked(e *Entry) {
	if !e.linked {
		e.owner = r
		e.linked = true
		r.count++
		r.totalSize += e.size
	}
	e.prev = nil
	e.next = r.head
	if r.head != nil {
		r.head.prev = e
	}
	r.head = e
	if r.tail == nil {
		r.tail = e
	}
}

// unlinkLocked はリストからエントリを外す. サイズの集計は変えない.
func (r *Repository) unlinkLocked(e *Entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		r.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		r.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (r *Repository) release(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.pins == 0 {
		return
	}
	e.pins--
	if e.pins > 0 {
		return
	}
	if e.dead {
		e.dead = false
		e.drop()
	}
	close(r.released)
	r.released = make(chan struct{})
}
