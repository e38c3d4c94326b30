package manager

import (
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/arzzra/callstate/pkg/call"
)

// ShardCount количество шардов, степень 2
const ShardCount = 32

type callShard struct {
	calls map[call.CallID]*entry
	mutex sync.RWMutex
}

// shardedCallMap thread-safe карта звонков с шардированием.
// Звонки независимы, поэтому операции над разными шардами не конкурируют.
type shardedCallMap struct {
	shards [ShardCount]*callShard
}

func newShardedCallMap() *shardedCallMap {
	m := &shardedCallMap{}
	for i := range m.shards {
		m.shards[i] = &callShard{
			calls: make(map[call.CallID]*entry),
		}
	}
	return m
}

// shardIndex FNV хэш идентификатора
func shardIndex(id call.CallID) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))

	hasher := fnv.New32a()
	hasher.Write(buf[:])
	return hasher.Sum32() & (ShardCount - 1)
}

func (m *shardedCallMap) getShard(id call.CallID) *callShard {
	return m.shards[shardIndex(id)]
}

// SetIfAbsent добавляет запись, если идентификатор свободен
func (m *shardedCallMap) SetIfAbsent(id call.CallID, e *entry) bool {
	shard := m.getShard(id)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	if _, exists := shard.calls[id]; exists {
		return false
	}
	shard.calls[id] = e
	return true
}

// Get получает запись по идентификатору
func (m *shardedCallMap) Get(id call.CallID) (*entry, bool) {
	shard := m.getShard(id)
	shard.mutex.RLock()
	defer shard.mutex.RUnlock()

	e, exists := shard.calls[id]
	return e, exists
}

// DeleteIf удаляет запись, если pred разрешает. pred вызывается под блокировкой шарда.
func (m *shardedCallMap) DeleteIf(id call.CallID, pred func(*entry) error) error {
	shard := m.getShard(id)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	e, exists := shard.calls[id]
	if !exists {
		return call.ErrUnknownCall
	}
	if pred != nil {
		if err := pred(e); err != nil {
			return err
		}
	}
	delete(shard.calls, id)
	return nil
}

// Count возвращает общее количество записей
func (m *shardedCallMap) Count() int {
	count := 0
	for i := range m.shards {
		m.shards[i].mutex.RLock()
		count += len(m.shards[i].calls)
		m.shards[i].mutex.RUnlock()
	}
	return count
}

// ForEach вызывает fn для каждой записи вне блокировок шардов
func (m *shardedCallMap) ForEach(fn func(call.CallID, *entry)) {
	all := make(map[call.CallID]*entry)
	for i := range m.shards {
		m.shards[i].mutex.RLock()
		for id, e := range m.shards[i].calls {
			all[id] = e
		}
		m.shards[i].mutex.RUnlock()
	}

	for id, e := range all {
		fn(id, e)
	}
}

// ShardStats распределение записей по шардам
func (m *shardedCallMap) ShardStats() map[int]int {
	stats := make(map[int]int, ShardCount)
	for i := range m.shards {
		m.shards[i].mutex.RLock()
		stats[i] = len(m.shards[i].calls)
		m.shards[i].mutex.RUnlock()
	}
	return stats
}
