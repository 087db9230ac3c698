package domain

// CachedObject はキャッシュから取り出したエントリを表す.
// Lookup で得たオブジェクトは送信が終わるまでピン留めされ、
// Release を呼ぶまで追い出されない.
type CachedObject interface {
	Key() string
	Header() []byte
	Body() []byte
	Size() int64
	Release()
}

// CacheStore はリレーエンジンが利用するキャッシュのインターフェース.
type CacheStore interface {
	Lookup(key string) (CachedObject, bool)
	Contains(key string) bool
	// Put は待たずに挿入する. 空きを作れなければ ErrCacheFull を返す.
	Put(key string, header, body []byte) error
}

// CacheStats はキャッシュの状態を表す.
type CacheStats struct {
	Entries    int   `json:"entries"`
	Size       int64 `json:"size"`
	Capacity   int64 `json:"capacity"`
	EntryLimit int64 `json:"entry_limit"`
	Evictions  int64 `json:"evictions"`
	Pinned     int   `json:"pinned"`
}

// CacheInspector はキャッシュの診断用インターフェース.
type CacheInspector interface {
	Stats() CacheStats
	Validate() []string
}
