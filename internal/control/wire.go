// Package control implements the synchronous control channel used by the
// trusted agent: a typed service over the engine plus the unix-socket
// request/response protocol that carries it.
package control

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"time"

	"github.com/netguard/netguardd/internal/domain"
)

// Request opcodes. One byte on the wire, followed by a fixed-size payload.
const (
	OpEnable     byte = 0x01
	OpDisable    byte = 0x02
	OpGetPending byte = 0x03
	OpRespond    byte = 0x04
	OpAddRule    byte = 0x05
	OpStats      byte = 0x06
)

// Response status codes.
const (
	StatusOK        byte = 0x00
	StatusNotFound  byte = 0x01
	StatusFull      byte = 0x02
	StatusMalformed byte = 0x03
)

// MaxPathBytes is the fixed width of an executable path on the wire.
// Longer paths are rejected, shorter ones are null-padded.
const MaxPathBytes = 512

// Fixed payload sizes per opcode. Values are little-endian.
const (
	getPendingPayloadSize = 4                // max output bytes u32
	respondPayloadSize    = 8 + 1 + 1        // id u64, allowed u8, remember u8
	addRulePayloadSize    = MaxPathBytes + 1 // path, verdict u8
	statsReplySize        = 1 + 8 + 8 + 8 + 4
)

// PendingRecordSize is the wire size of one PendingConnection record:
// id u64, pid u32, path, remote IPv4, remote port u16, unix-nano
// timestamp i64, resolved u8, allowed u8. Field order and widths are the
// contract; records are packed contiguously.
const PendingRecordSize = 8 + 4 + MaxPathBytes + 4 + 2 + 8 + 1 + 1

var (
	// ErrMalformedRequest is returned for input rejected at the channel
	// boundary before any state is touched.
	ErrMalformedRequest = errors.New("malformed control request")

	// ErrNotFound is returned when a connection id is unknown,
	// already resolved, or already removed.
	ErrNotFound = errors.New("pending connection not found")
)

func verdictToByte(v domain.Verdict) byte {
	if v == domain.VerdictBlock {
		return 1
	}
	return 0
}

func verdictFromByte(b byte) domain.Verdict {
	if b != 0 {
		return domain.VerdictBlock
	}
	return domain.VerdictPermit
}

func encodePath(dst []byte, path string) error {
	b := []byte(path)
	if len(b) >= MaxPathBytes {
		return ErrMalformedRequest
	}
	copy(dst, b)
	for i := len(b); i < MaxPathBytes; i++ {
		dst[i] = 0
	}
	return nil
}

func decodePath(src []byte) string {
	end := len(src)
	for i, c := range src {
		if c == 0 {
			end = i
			break
		}
	}
	return string(src[:end])
}

func encodeAddr(dst []byte, addr netip.Addr) {
	if addr.Is4() {
		a4 := addr.As4()
		copy(dst, a4[:])
		return
	}
	for i := 0; i < 4; i++ {
		dst[i] = 0
	}
}

// AppendPendingRecord appends the fixed-size wire form of pc to dst.
func AppendPendingRecord(dst []byte, pc domain.PendingConnection) []byte {
	var rec [PendingRecordSize]byte

	binary.LittleEndian.PutUint64(rec[0:8], pc.ID)
	binary.LittleEndian.PutUint32(rec[8:12], pc.ProcessID)
	// Oversized paths cannot occur here: every path in the queue entered
	// through a fixed-width buffer on the hook or control side.
	_ = encodePath(rec[12:12+MaxPathBytes], pc.ExecutablePath)
	off := 12 + MaxPathBytes
	encodeAddr(rec[off:off+4], pc.RemoteAddr)
	binary.LittleEndian.PutUint16(rec[off+4:off+6], pc.RemotePort)
	binary.LittleEndian.PutUint64(rec[off+6:off+14], uint64(pc.CreatedAt.UnixNano()))
	if pc.Resolved {
		rec[off+14] = 1
	}
	if pc.Allowed {
		rec[off+15] = 1
	}

	return append(dst, rec[:]...)
}

// DecodePendingRecords parses a contiguous packing of whole records.
// Clients must treat the Allowed field of unresolved entries as undefined.
func DecodePendingRecords(data []byte) ([]domain.PendingConnection, error) {
	if len(data)%PendingRecordSize != 0 {
		return nil, ErrMalformedRequest
	}

	out := make([]domain.PendingConnection, 0, len(data)/PendingRecordSize)
	for len(data) > 0 {
		rec := data[:PendingRecordSize]
		data = data[PendingRecordSize:]

		off := 12 + MaxPathBytes
		var a4 [4]byte
		copy(a4[:], rec[off:off+4])

		out = append(out, domain.PendingConnection{
			ID:             binary.LittleEndian.Uint64(rec[0:8]),
			ProcessID:      binary.LittleEndian.Uint32(rec[8:12]),
			ExecutablePath: decodePath(rec[12 : 12+MaxPathBytes]),
			RemoteAddr:     netip.AddrFrom4(a4),
			RemotePort:     binary.LittleEndian.Uint16(rec[off+4 : off+6]),
			CreatedAt:      time.Unix(0, int64(binary.LittleEndian.Uint64(rec[off+6:off+14]))),
			Resolved:       rec[off+14] != 0,
			Allowed:        rec[off+15] != 0,
		})
	}
	return out, nil
}

func encodeStats(stats domain.EngineStats) []byte {
	out := make([]byte, statsReplySize)
	if stats.Enabled {
		out[0] = 1
	}
	binary.LittleEndian.PutUint64(out[1:9], stats.TotalConnections)
	binary.LittleEndian.PutUint64(out[9:17], stats.BlockedConnections)
	binary.LittleEndian.PutUint64(out[17:25], stats.AllowedConnections)
	binary.LittleEndian.PutUint32(out[25:29], uint32(stats.PendingCount))
	return out
}

func decodeStats(data []byte) (domain.EngineStats, error) {
	if len(data) != statsReplySize {
		return domain.EngineStats{}, ErrMalformedRequest
	}
	return domain.EngineStats{
		Enabled:            data[0] != 0,
		TotalConnections:   binary.LittleEndian.Uint64(data[1:9]),
		BlockedConnections: binary.LittleEndian.Uint64(data[9:17]),
		AllowedConnections: binary.LittleEndian.Uint64(data[17:25]),
		PendingCount:       int(binary.LittleEndian.Uint32(data[25:29])),
	}, nil
}
