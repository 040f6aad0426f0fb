package ledger

import (
	"crypto/sha256"
	"encoding/binary"
)

const digestSeed = "PositionLedger:digest:v1"

// Digest hashes the latest snapshot. It never takes the writer lock.
func (l *Ledger) Digest() [32]byte {
	return l.Snapshot().Digest()
}

// Digest is a SHA-256 over the canonical bytes of the open set (id order)
// followed by every terminal record (id order). Two ledgers that absorbed
// the same events in any order produce the same digest.
func (s *Snapshot) Digest() [32]byte {
	hasher := sha256.New()
	hasher.Write([]byte(digestSeed))

	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(s.open.Len()))
	hasher.Write(countBuf[:])

	s.open.Ascend(func(p *Position) bool {
		hasher.Write(p.CanonicalBytes())
		return true
	})

	binary.LittleEndian.PutUint64(countBuf[:], uint64(s.terminal.Len()))
	hasher.Write(countBuf[:])

	buf := make([]byte, 0, 24)
	s.terminal.Ascend(func(rec terminalRecord) bool {
		buf = buf[:0]
		buf = binary.LittleEndian.AppendUint64(buf, rec.ID)
		buf = append(buf, byte(rec.Kind))
		if rec.Opened {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		hasher.Write(buf)
		return true
	})

	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}
