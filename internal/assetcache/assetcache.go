// Package assetcache keeps complete upstream responses for multi-mode assets
// on disk. Entries never expire, they only leave through size-bounded
// eviction, so callers store only immutable (content-addressed) references.
package assetcache

import (
	"bytes"
	"encoding/gob"
	"log"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	entryPrefix = "e:"
	metaPrefix  = "m:"
)

// Entry is one stored response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

type meta struct {
	Size       int64
	LastAccess uint64 // access sequence, survives restarts
}

type op struct {
	putKey string
	putEnt *Entry
	delKey string
	flush  chan struct{}
}

// Store is a leveldb-backed, byte-bounded response cache. Reads go straight
// to leveldb; every write goes through a single writer goroutine.
type Store struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]meta
	totalSize int64
	seq       uint64

	life   sync.RWMutex
	closed bool
	ops    chan op
	done   chan struct{}
}

// Open opens or creates the store at path and rebuilds the size index from it.
func Open(path string, maxBytes int64) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]meta{},
		ops:      make(chan op, 1024),
		done:     make(chan struct{}),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

func (s *Store) Close() error {
	s.life.Lock()
	if s.closed {
		s.life.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.life.Unlock()
	<-s.done
	return s.db.Close()
}

func (s *Store) send(o op) bool {
	s.life.RLock()
	defer s.life.RUnlock()
	if s.closed {
		return false
	}
	s.ops <- o
	return true
}

func (s *Store) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var total int64
	var seq uint64
	idx := map[string]meta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		var m meta
		if err := decodeGob(it.Value(), &m); err != nil {
			continue
		}
		idx[key] = m
		total += m.Size
		seq = max(seq, m.LastAccess)
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.seq = seq
	s.mu.Unlock()
	return nil
}

func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *Store) Has(key string) bool {
	s.mu.Lock()
	_, ok := s.index[key]
	s.mu.Unlock()
	return ok
}

// Get returns the entry for key and records the access for eviction.
func (s *Store) Get(key string) (Entry, bool) {
	b, err := s.db.Get([]byte(entryPrefix+key), nil)
	if err != nil {
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false
	}
	s.mu.Lock()
	m, exists := s.index[key]
	if exists {
		s.seq++
		m.LastAccess = s.seq
		s.index[key] = m
	}
	s.mu.Unlock()
	if exists {
		s.send(op{putKey: key})
	}
	return ent, true
}

// PutAsync queues ent for storage. The header map is copied.
func (s *Store) PutAsync(key string, ent Entry) {
	clone := ent
	clone.Header = ent.Header.Clone()
	if clone.StoredAt == 0 {
		clone.StoredAt = time.Now().Unix()
	}
	s.send(op{putKey: key, putEnt: &clone})
}

func (s *Store) Delete(key string) {
	s.send(op{delKey: key})
}

// Flush waits until every previously queued write has been applied.
func (s *Store) Flush() {
	ch := make(chan struct{})
	if s.send(op{flush: ch}) {
		<-ch
	}
}

func (s *Store) writerLoop() {
	defer close(s.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for o := range s.ops {
		switch {
		case o.flush != nil:
			close(o.flush)
		case o.delKey != "":
			s.applyDelete(o.delKey)
		case o.putKey != "":
			s.applyPutOrTouch(o.putKey, o.putEnt)
		}
	}
}

func (s *Store) applyPutOrTouch(key string, ent *Entry) {
	batch := new(leveldb.Batch)

	if ent != nil {
		b, err := encodeGob(*ent)
		if err != nil {
			log.Printf("assetcache: encode %s: %v", key, err)
			return
		}
		size := int64(len(b))

		s.mu.Lock()
		old := s.index[key]
		s.totalSize -= old.Size
		s.seq++
		m := meta{Size: size, LastAccess: s.seq}
		s.index[key] = m
		s.totalSize += size
		total := s.totalSize
		s.mu.Unlock()

		batch.Put([]byte(entryPrefix+key), b)
		mb, _ := encodeGob(m)
		batch.Put([]byte(metaPrefix+key), mb)
		if err := s.db.Write(batch, nil); err != nil {
			log.Printf("assetcache: write %s: %v", key, err)
		}

		if total > s.maxBytes {
			s.evict()
		}
		return
	}

	// touch only
	s.mu.Lock()
	m, ok := s.index[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	mb, _ := encodeGob(m)
	batch.Put([]byte(metaPrefix+key), mb)
	_ = s.db.Write(batch, nil)
}

func (s *Store) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(entryPrefix + key))
	batch.Delete([]byte(metaPrefix + key))
	_ = s.db.Write(batch, nil)

	s.mu.Lock()
	if m, ok := s.index[key]; ok {
		s.totalSize -= m.Size
		delete(s.index, key)
	}
	s.mu.Unlock()
}

// evict drops the least recently used tenth of the entries, at least one,
// until the store is back under its byte limit.
func (s *Store) evict() {
	for s.TotalSize() > s.maxBytes {
		type item struct {
			key string
			m   meta
		}
		s.mu.Lock()
		items := make([]item, 0, len(s.index))
		for k, m := range s.index {
			items = append(items, item{k, m})
		}
		s.mu.Unlock()
		if len(items) == 0 {
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
			s.applyDelete(items[i].key)
		}
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
