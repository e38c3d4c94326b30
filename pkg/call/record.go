package call

import (
	"fmt"
	"sync"
	"time"
)

// maxHistory ограничение истории переходов одной записи
const maxHistory = 20

// HistoryEntry один принятый переход
type HistoryEntry struct {
	From  State
	To    State
	Event Event
	At    time.Time
}

// Record авторитетная запись (CallID, Direction, State) одного звонка.
//
// Запись не разделяется между звонками. Читать можно из любой горутины,
// менять только через Machine.Apply.
type Record struct {
	mu sync.RWMutex

	id        CallID
	direction Direction
	state     State

	everConnected        bool
	duplicateDisconnects int

	createdAt time.Time
	history   []HistoryEntry
}

// NewRecord создает запись в состоянии Idle
func NewRecord(id CallID, direction Direction) *Record {
	return &Record{
		id:        id,
		direction: direction,
		state:     Idle{},
		createdAt: time.Now(),
		history:   make([]HistoryEntry, 0, 8),
	}
}

// ID возвращает идентификатор звонка
func (r *Record) ID() CallID {
	return r.id
}

// Direction возвращает направление звонка
func (r *Record) Direction() Direction {
	return r.direction
}

// State возвращает текущее состояние (thread-safe)
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// CreatedAt время создания записи
func (r *Record) CreatedAt() time.Time {
	return r.createdAt
}

// IsTerminated проверяет, находится ли звонок в Terminating
func (r *Record) IsTerminated() bool {
	return IsTerminal(r.State())
}

// Snapshot возвращает согласованный снимок записи
func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// History возвращает копию истории переходов
func (r *Record) History() []HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	history := make([]HistoryEntry, len(r.history))
	copy(history, r.history)
	return history
}

// String возвращает строковое представление записи
func (r *Record) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Call{id: %s, direction: %s, state: %s, transitions: %d}",
		r.id, r.direction, r.state, len(r.history))
}

func (r *Record) snapshotLocked() Snapshot {
	return Snapshot{
		ID:                   r.id,
		Direction:            r.direction,
		State:                r.state,
		EverConnected:        r.everConnected,
		DuplicateDisconnects: r.duplicateDisconnects,
	}
}

// commitLocked записывает результат перехода. Вызывается под r.mu.
func (r *Record) commitLocked(out Outcome) {
	r.state = out.Next.State
	r.everConnected = out.Next.EverConnected
	r.duplicateDisconnects = out.Next.DuplicateDisconnects

	if !out.Changed {
		return
	}

	r.history = append(r.history, HistoryEntry{
		From:  out.From,
		To:    out.Next.State,
		Event: out.Event,
		At:    time.Now(),
	})
	if len(r.history) > maxHistory {
		r.history = r.history[len(r.history)-maxHistory:]
	}
}
