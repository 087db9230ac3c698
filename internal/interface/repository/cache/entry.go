package cache

// Entry はキャッシュエントリを表す.
// prev と next はキャッシュ内の並び順のリンクで、所有関係ではない.
type Entry struct {
	key    string
	header []byte
	body   []byte
	size   int64

	prev *Entry
	next *Entry

	owner  *Repository
	linked bool
	pins   int
	dead   bool
}

// NewEntry は新しいEntryインスタンスを作成
func NewEntry(key string, header, body []byte) *Entry {
	return &Entry{
		key:    key,
		header: header,
		body:   body,
		size:   int64(len(body)),
	}
}

// Key はエントリのキー (リクエストURI) を返す.
func (e *Entry) Key() string { return e.key }

// Header はレスポンスヘッダブロックを返す.
func (e *Entry) Header() []byte { return e.header }

// Body はレスポンスボディを返す.
func (e *Entry) Body() []byte { return e.body }

// Size はボディのバイト数を返す.
func (e *Entry) Size() int64 { return e.size }

// Release は Lookup によるピン留めを解除する.
func (e *Entry) Release() {
	if e.owner != nil {
		e.owner.release(e)
	}
}

// drop はバッファを解放する.
func (e *Entry) drop() {
	e.header = nil
	e.body = nil
	e.prev = nil
	e.next = nil
}
