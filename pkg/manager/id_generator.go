package manager

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/arzzra/callstate/pkg/call"
)

// NewCallID генерирует идентификатор звонка из случайного UUID v4.
// Ноль зарезервирован и не выдается.
func NewCallID() call.CallID {
	for {
		u := uuid.New()
		if id := binary.BigEndian.Uint64(u[:8]) ^ binary.BigEndian.Uint64(u[8:]); id != 0 {
			return call.CallID(id)
		}
	}
}
