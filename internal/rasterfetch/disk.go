package rasterfetch

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// diskRecord is the persisted form of a TextureCacheItem. The decoded image
// is never stored; it is rebuilt from Data on load.
type diskRecord struct {
	TilesetID  string
	Z, X, Y    int
	ETag       string
	Data       []byte
	Expiration int64 // unix nanoseconds, 0 when unknown
	Digest     string
}

type diskMeta struct {
	Size       int64
	LastAccess int64
	Fixed      bool
}

type diskOpKind int

const (
	opPut diskOpKind = iota
	opRefresh
	opTouch
	opFix
	opDelete
	opSync
)

type diskOp struct {
	kind diskOpKind
	key  string
	rec  *diskRecord
	done chan struct{}

	// pin marks a put from the override source: it may replace a fixed
	// entry and leaves it fixed.
	pin bool
}

// diskCache is the persistent tier: one leveldb database holding "e:" entry
// records and "m:" metadata, with an in-memory index of the metadata. All
// writes go through a single writer goroutine.
type diskCache struct {
	maxBytes int64

	db    *leveldb.DB
	codec *recordCodec
	warn  *rateLimitedLogger

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	sendMu sync.RWMutex
	closed bool
	ops    chan diskOp
	done   chan struct{}
}

// newDiskCache opens the database at path, or an in-memory database when
// path is empty.
func newDiskCache(path string, maxBytes int64, compression string, warn *rateLimitedLogger) (*diskCache, error) {
	codec, err := newRecordCodec(compression)
	if err != nil {
		return nil, err
	}

	var db *leveldb.DB
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		codec.close()
		return nil, fmt.Errorf("open disk cache: %w", err)
	}

	d := &diskCache{
		maxBytes: maxBytes,
		db:       db,
		codec:    codec,
		warn:     warn,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		codec.close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskCache) close() {
	d.sendMu.Lock()
	if d.closed {
		d.sendMu.Unlock()
		return
	}
	d.closed = true
	close(d.ops)
	d.sendMu.Unlock()

	<-d.done
	_ = d.db.Close()
	d.codec.close()
}

func (d *diskCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load disk index: %w", err)
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *diskCache) HasKey(key string) bool {
	d.mu.Lock()
	_, ok := d.index[key]
	d.mu.Unlock()
	return ok
}

func (d *diskCache) IsFixed(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.index[key].Fixed
}

// Peek reads a record without touching its access time. Corrupt records
// and digest mismatches read as misses and are scheduled for deletion.
func (d *diskCache) Peek(key string) (*diskRecord, bool) {
	rec, err := d.peek(key)
	if err != nil {
		if err != leveldb.ErrNotFound {
			d.warn.Warn("dropping unreadable disk record", zap.String("key", key), zap.Error(err))
			d.Delete(key)
		}
		return nil, false
	}
	return rec, true
}

func (d *diskCache) peek(key string) (*diskRecord, error) {
	b, err := d.db.Get([]byte("e:"+key), nil)
	if err != nil {
		return nil, err
	}
	rec, err := d.codec.decode(b)
	if err != nil {
		return nil, err
	}
	if rec.Digest != "" {
		if err := verifyDigest(rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (d *diskCache) Get(key string) (*diskRecord, bool) {
	rec, ok := d.Peek(key)
	if !ok {
		return nil, false
	}
	d.mu.Lock()
	meta, exists := d.index[key]
	if exists {
		meta.LastAccess = time.Now().UnixNano()
		d.index[key] = meta
	}
	d.mu.Unlock()
	if exists {
		d.send(diskOp{kind: opTouch, key: key})
	}
	return rec, true
}

// PutAsync stores rec unless key is fixed and pin is unset. A pinned put
// marks the entry fixed.
func (d *diskCache) PutAsync(key string, rec diskRecord, pin bool) {
	d.send(diskOp{kind: opPut, key: key, rec: &rec, pin: pin})
}

// RefreshAsync updates validators of an existing record, keeping its bytes.
func (d *diskCache) RefreshAsync(key, etag string, expiration int64) {
	d.send(diskOp{kind: opRefresh, key: key, rec: &diskRecord{ETag: etag, Expiration: expiration}})
}

func (d *diskCache) FixAsync(key string) {
	d.send(diskOp{kind: opFix, key: key})
}

func (d *diskCache) Delete(key string) {
	d.send(diskOp{kind: opDelete, key: key})
}

// flush blocks until every previously queued op has been applied.
func (d *diskCache) flush() {
	done := make(chan struct{})
	if d.send(diskOp{kind: opSync, done: done}) {
		<-done
	}
}

// send queues op for the writer. Ops sent after close are dropped.
func (d *diskCache) send(op diskOp) bool {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	if d.closed {
		return false
	}
	d.ops <- op
	return true
}

func (d *diskCache) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		switch op.kind {
		case opPut:
			d.applyPut(op.key, op.rec, op.pin)
		case opRefresh:
			d.applyRefresh(op.key, op.rec)
		case opTouch:
			d.applyMeta(op.key, func(m *diskMeta) { m.LastAccess = time.Now().UnixNano() })
		case opFix:
			d.applyMeta(op.key, func(m *diskMeta) { m.Fixed = true })
		case opDelete:
			d.applyDelete(op.key)
		case opSync:
			close(op.done)
		}
	}
}

func (d *diskCache) applyPut(key string, rec *diskRecord, pin bool) {
	if !pin && d.IsFixed(key) {
		return
	}
	b, err := d.codec.encode(rec)
	if err != nil {
		d.warn.Warn("encode disk record", zap.String("key", key), zap.Error(err))
		return
	}
	size := int64(len(b))

	d.mu.Lock()
	old := d.index[key]
	d.totalSize -= old.Size
	meta := diskMeta{Size: size, LastAccess: time.Now().UnixNano(), Fixed: old.Fixed || pin}
	d.index[key] = meta
	d.totalSize += size
	total := d.totalSize
	d.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Put([]byte("e:"+key), b)
	mb, _ := encodeGob(meta)
	batch.Put([]byte("m:"+key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		d.warn.Warn("disk cache write failed", zap.String("key", key), zap.Error(err))
		return
	}

	if d.maxBytes > 0 && total > d.maxBytes {
		d.evictSome()
	}
}

func (d *diskCache) applyRefresh(key string, upd *diskRecord) {
	cur, err := d.peek(key)
	if err != nil {
		if err != leveldb.ErrNotFound {
			d.applyDelete(key)
		}
		return
	}
	if upd.ETag != "" {
		cur.ETag = upd.ETag
	}
	if upd.Expiration != 0 {
		cur.Expiration = upd.Expiration
	}
	d.applyPut(key, cur, d.IsFixed(key))
}

func (d *diskCache) applyMeta(key string, mutate func(*diskMeta)) {
	d.mu.Lock()
	meta, ok := d.index[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	mutate(&meta)
	d.index[key] = meta
	d.mu.Unlock()

	mb, _ := encodeGob(meta)
	_ = d.db.Put([]byte("m:"+key), mb, nil)
}

func (d *diskCache) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + key))
	batch.Delete([]byte("m:" + key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

// evictSome drops the least recently used tenth of the unfixed entries.
func (d *diskCache) evictSome() {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		if m.Fixed {
			continue
		}
		items = append(items, item{k, m})
	}
	d.mu.Unlock()

	if len(items) == 0 {
		d.warn.Warn("disk cache over budget with only fixed entries")
		return
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		d.applyDelete(items[i].key)
	}
}

func verifyDigest(rec *diskRecord) error {
	want, err := digest.Parse(rec.Digest)
	if err != nil {
		return err
	}
	if got := want.Algorithm().FromBytes(rec.Data); got != want {
		return fmt.Errorf("%w: have %s, want %s", errDigestMismatch, got, want)
	}
	return nil
}

// ---- record codec ----

const (
	codecRaw  byte = 0
	codecZstd byte = 1
)

// recordCodec gob-encodes records behind a one byte header naming the
// compression used, so databases written with either setting stay readable.
type recordCodec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

func newRecordCodec(compression string) (*recordCodec, error) {
	c := &recordCodec{}
	switch compression {
	case "", "none":
	case "zstd":
		c.compress = true
	default:
		return nil, fmt.Errorf("unknown compression %q (supported: none, zstd)", compression)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	c.enc, c.dec = enc, dec
	return c, nil
}

func (c *recordCodec) encode(rec *diskRecord) ([]byte, error) {
	b, err := encodeGob(rec)
	if err != nil {
		return nil, err
	}
	if !c.compress {
		return append([]byte{codecRaw}, b...), nil
	}
	return c.enc.EncodeAll(b, []byte{codecZstd}), nil
}

func (c *recordCodec) decode(b []byte) (*diskRecord, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty record")
	}
	body := b[1:]
	switch b[0] {
	case codecRaw:
	case codecZstd:
		raw, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, err
		}
		body = raw
	default:
		return nil, fmt.Errorf("unknown record codec %d", b[0])
	}
	var rec diskRecord
	if err := decodeGob(body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *recordCodec) close() {
	if c.enc != nil {
		_ = c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
