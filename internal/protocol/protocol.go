// Package protocol implements the little-endian, fixed-offset wire codec
// for the control channel's GET (opcode 2049) and SET (opcode 2048)
// messages. It is pure encode/decode: no locking, no identity lookups —
// those live in package ctlserver.
//
// Byte layouts are reproduced exactly as specified; offsets are called out
// in comments the way runZeroInc's raw tcp_info unpacker documents kernel
// struct layouts.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gargoyle-router/timemond/internal/epoch"
)

// Opcodes for the control channel's two message families.
const (
	OpSet = 2048
	OpGet = 2049
)

// IDFieldLen is the fixed, NUL-padded width of an identity name on the wire.
const IDFieldLen = 50

// Error codes, wire byte, first byte of a GET response (spec §7). SET
// returns silently (no payload) and signals failure only by leaving state
// untouched.
const (
	ErrOK             byte = 0
	ErrUnknownID      byte = 1
	ErrBufferTooSmall byte = 2
	// ErrNoHistory is defined on the wire but never emitted; kept reserved.
	ErrNoHistory byte = 3
	ErrInternal  byte = 4
)

// ErrShortBuffer is returned by the Decode* functions when buf is too small
// to hold even the fixed-size portion of a message.
var ErrShortBuffer = errors.New("protocol: buffer too short")

// putID writes s into buf[:IDFieldLen], NUL-padded/truncated.
func putID(buf []byte, s string) {
	n := copy(buf[:IDFieldLen], s)
	for i := n; i < IDFieldLen; i++ {
		buf[i] = 0
	}
}

// getID reads a NUL-terminated (or full-width) identity name.
func getID(buf []byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

// GetRequestLen is the fixed size of a GET request: 4+4+1+50.
const GetRequestLen = 4 + 4 + 1 + IDFieldLen

// GetRequest is the decoded form of a GET request.
type GetRequest struct {
	IP            uint32 // offset 0: 0 means "iterate all"
	NextIPIndex   uint32 // offset 4: pagination cursor
	ReturnHistory bool   // offset 8
	ID            string // offset 9, 50 bytes
}

func DecodeGetRequest(buf []byte) (GetRequest, error) {
	if len(buf) < GetRequestLen {
		return GetRequest{}, ErrShortBuffer
	}
	return GetRequest{
		IP:            binary.LittleEndian.Uint32(buf[0:4]),
		NextIPIndex:   binary.LittleEndian.Uint32(buf[4:8]),
		ReturnHistory: buf[8] != 0,
		ID:            getID(buf[9 : 9+IDFieldLen]),
	}, nil
}

func (r GetRequest) Encode() []byte {
	buf := make([]byte, GetRequestLen)
	binary.LittleEndian.PutUint32(buf[0:4], r.IP)
	binary.LittleEndian.PutUint32(buf[4:8], r.NextIPIndex)
	if r.ReturnHistory {
		buf[8] = 1
	}
	putID(buf[9:9+IDFieldLen], r.ID)
	return buf
}

// GetResponseHeaderLen is the fixed size of a GET response's header,
// before any IP blocks: 1+4+4+4+8+8+1.
const GetResponseHeaderLen = 1 + 4 + 4 + 4 + 8 + 8 + 1

// GetResponseHeader is the fixed portion of a GET response.
type GetResponseHeader struct {
	ErrorCode               byte   // offset 0
	TotalIPs                uint32 // offset 1
	StartIndex              uint32 // offset 5
	NumIPsInResponse        uint32 // offset 9
	ResetIntervalCode       int64  // offset 13: rule-attachment's reset_interval
	ResetTimeOffset         int64  // offset 21: rule-attachment's reset_time
	ResetIsConstantInterval bool   // offset 29
}

func (h GetResponseHeader) Encode() []byte {
	buf := make([]byte, GetResponseHeaderLen)
	buf[0] = h.ErrorCode
	binary.LittleEndian.PutUint32(buf[1:5], h.TotalIPs)
	binary.LittleEndian.PutUint32(buf[5:9], h.StartIndex)
	binary.LittleEndian.PutUint32(buf[9:13], h.NumIPsInResponse)
	binary.LittleEndian.PutUint64(buf[13:21], uint64(h.ResetIntervalCode))
	binary.LittleEndian.PutUint64(buf[21:29], uint64(h.ResetTimeOffset))
	if h.ResetIsConstantInterval {
		buf[29] = 1
	}
	return buf
}

func DecodeGetResponseHeader(buf []byte) (GetResponseHeader, error) {
	if len(buf) < GetResponseHeaderLen {
		return GetResponseHeader{}, ErrShortBuffer
	}
	return GetResponseHeader{
		ErrorCode:               buf[0],
		TotalIPs:                binary.LittleEndian.Uint32(buf[1:5]),
		StartIndex:              binary.LittleEndian.Uint32(buf[5:9]),
		NumIPsInResponse:        binary.LittleEndian.Uint32(buf[9:13]),
		ResetIntervalCode:       int64(binary.LittleEndian.Uint64(buf[13:21])),
		ResetTimeOffset:         int64(binary.LittleEndian.Uint64(buf[21:29])),
		ResetIsConstantInterval: buf[29] != 0,
	}, nil
}

// IPBlock is one GET-response or SET-chunk entry. Slots, when HasHistory,
// are oldest-to-newest with the current (still accumulating) slot last —
// the same order History.Ordered returns.
type IPBlock struct {
	IP         uint32
	Usage      uint64 // no-history case; with history, equal to Slots' last entry
	HasHistory bool
	FirstStart uint64
	FirstEnd   uint64
	LastEnd    uint64
	Slots      []uint64
}

// EncodedLen returns how many bytes b.Encode would write.
func (b IPBlock) EncodedLen() int {
	if !b.HasHistory {
		return 4 + 8
	}
	return 4 + 4 + 8 + 8 + 8 + 8*len(b.Slots)
}

// Encode appends b's wire form to buf, returning the extended slice.
func (b IPBlock) Encode(buf []byte) []byte {
	head := len(buf)
	buf = append(buf, make([]byte, b.EncodedLen())...)
	binary.LittleEndian.PutUint32(buf[head:head+4], b.IP)
	if !b.HasHistory {
		binary.LittleEndian.PutUint64(buf[head+4:head+12], b.Usage)
		return buf
	}
	off := head + 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(b.Slots)))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], b.FirstStart)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], b.FirstEnd)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], b.LastEnd)
	off += 8
	for _, v := range b.Slots {
		binary.LittleEndian.PutUint64(buf[off:off+8], v)
		off += 8
	}
	return buf
}

// DecodeIPBlock reads one block starting at buf[0], returning it and the
// number of bytes consumed.
func DecodeIPBlock(buf []byte, hasHistory bool) (IPBlock, int, error) {
	if !hasHistory {
		if len(buf) < 12 {
			return IPBlock{}, 0, ErrShortBuffer
		}
		return IPBlock{
			IP:    binary.LittleEndian.Uint32(buf[0:4]),
			Usage: binary.LittleEndian.Uint64(buf[4:12]),
		}, 12, nil
	}
	if len(buf) < 4+4+8+8+8 {
		return IPBlock{}, 0, ErrShortBuffer
	}
	ip := binary.LittleEndian.Uint32(buf[0:4])
	nodeCount := binary.LittleEndian.Uint32(buf[4:8])
	firstStart := binary.LittleEndian.Uint64(buf[8:16])
	firstEnd := binary.LittleEndian.Uint64(buf[16:24])
	lastEnd := binary.LittleEndian.Uint64(buf[24:32])
	need := 32 + 8*int(nodeCount)
	if len(buf) < need {
		return IPBlock{}, 0, ErrShortBuffer
	}
	slots := make([]uint64, nodeCount)
	for i := range slots {
		off := 32 + 8*i
		slots[i] = binary.LittleEndian.Uint64(buf[off : off+8])
	}
	var usage uint64
	if len(slots) > 0 {
		usage = slots[len(slots)-1]
	}
	return IPBlock{
		IP: ip, Usage: usage, HasHistory: true,
		FirstStart: firstStart, FirstEnd: firstEnd, LastEnd: lastEnd,
		Slots: slots,
	}, need, nil
}

// SetRequestHeaderLen is the fixed size of one SET chunk's header:
// 4+4+4+1+1+8+50.
const SetRequestHeaderLen = 4 + 4 + 4 + 1 + 1 + 8 + IDFieldLen

// SetRequestHeader is the fixed portion of one SET chunk.
type SetRequestHeader struct {
	TotalIPs        uint32 // offset 0: across all chunks
	NextIPIndex     uint32 // offset 4: this chunk's starting index
	NumIPsInBuffer  uint32 // offset 8
	HistoryIncluded bool   // offset 12
	ZeroUnsetIPs    bool   // offset 13
	LastBackup      uint64 // offset 14: client wall-clock, true UTC
	ID              string // offset 22, 50 bytes
}

func DecodeSetRequestHeader(buf []byte) (SetRequestHeader, error) {
	if len(buf) < SetRequestHeaderLen {
		return SetRequestHeader{}, ErrShortBuffer
	}
	return SetRequestHeader{
		TotalIPs:        binary.LittleEndian.Uint32(buf[0:4]),
		NextIPIndex:     binary.LittleEndian.Uint32(buf[4:8]),
		NumIPsInBuffer:  binary.LittleEndian.Uint32(buf[8:12]),
		HistoryIncluded: buf[12] != 0,
		ZeroUnsetIPs:    buf[13] != 0,
		LastBackup:      binary.LittleEndian.Uint64(buf[14:22]),
		ID:              getID(buf[22 : 22+IDFieldLen]),
	}, nil
}

func (h SetRequestHeader) Encode() []byte {
	buf := make([]byte, SetRequestHeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.TotalIPs)
	binary.LittleEndian.PutUint32(buf[4:8], h.NextIPIndex)
	binary.LittleEndian.PutUint32(buf[8:12], h.NumIPsInBuffer)
	if h.HistoryIncluded {
		buf[12] = 1
	}
	if h.ZeroUnsetIPs {
		buf[13] = 1
	}
	binary.LittleEndian.PutUint64(buf[14:22], h.LastBackup)
	putID(buf[22:22+IDFieldLen], h.ID)
	return buf
}

// RuleInfoLen is the fixed size of one rule-attachment record:
// 50+1+1+4+4+8+8+1+8+4.
const RuleInfoLen = IDFieldLen + 1 + 1 + 4 + 4 + 8 + 8 + 1 + 8 + 4

// RuleInfo is the wire form of spec.md §6's ipt_timemon_info rule-attachment
// record: the non-opaque fields an admin tool needs to describe an identity.
// Neither cmd/timemond's config loader nor ctlserver uses it.
type RuleInfo struct {
	ID                      string // offset 0, 50 bytes
	Mode                    byte   // offset 50
	CheckKind               byte   // offset 51
	LocalSubnet             uint32 // offset 52
	LocalSubnetMask         uint32 // offset 56
	ResetIntervalCode       int64  // offset 60
	ResetTimeOffset         int64  // offset 68
	ResetIsConstantInterval bool   // offset 76
	Cutoff                  uint64 // offset 77
	HistoryCapacity         uint32 // offset 85
}

func (r RuleInfo) Encode() []byte {
	buf := make([]byte, RuleInfoLen)
	putID(buf[0:IDFieldLen], r.ID)
	buf[50] = r.Mode
	buf[51] = r.CheckKind
	binary.LittleEndian.PutUint32(buf[52:56], r.LocalSubnet)
	binary.LittleEndian.PutUint32(buf[56:60], r.LocalSubnetMask)
	binary.LittleEndian.PutUint64(buf[60:68], uint64(r.ResetIntervalCode))
	binary.LittleEndian.PutUint64(buf[68:76], uint64(r.ResetTimeOffset))
	if r.ResetIsConstantInterval {
		buf[76] = 1
	}
	binary.LittleEndian.PutUint64(buf[77:85], r.Cutoff)
	binary.LittleEndian.PutUint32(buf[85:89], r.HistoryCapacity)
	return buf
}

func DecodeRuleInfo(buf []byte) (RuleInfo, error) {
	if len(buf) < RuleInfoLen {
		return RuleInfo{}, ErrShortBuffer
	}
	return RuleInfo{
		ID:                      getID(buf[0:IDFieldLen]),
		Mode:                    buf[50],
		CheckKind:               buf[51],
		LocalSubnet:             binary.LittleEndian.Uint32(buf[52:56]),
		LocalSubnetMask:         binary.LittleEndian.Uint32(buf[56:60]),
		ResetIntervalCode:       int64(binary.LittleEndian.Uint64(buf[60:68])),
		ResetTimeOffset:         int64(binary.LittleEndian.Uint64(buf[68:76])),
		ResetIsConstantInterval: buf[76] != 0,
		Cutoff:                  binary.LittleEndian.Uint64(buf[77:85]),
		HistoryCapacity:         binary.LittleEndian.Uint32(buf[85:89]),
	}, nil
}

// FormatHistory writes blk's history nodes as "ip start end value" lines, one
// per retained slot, modelled on libipttmctl's tm_print_history_file dump of
// a backup file's history nodes. Slot boundaries for the closed slots are
// derived by walking calc forward from FirstStart; the final (still open)
// slot is reported ending at blk.LastEnd.
func FormatHistory(w io.Writer, ip uint32, blk IPBlock, calc epoch.Calculator) error {
	start := blk.FirstStart
	for i, v := range blk.Slots {
		end := blk.LastEnd
		if i < len(blk.Slots)-1 {
			end = calc.Next(start, start)
		}
		if _, err := fmt.Fprintf(w, "%d %d %d %d\n", ip, start, end, v); err != nil {
			return err
		}
		start = end
	}
	return nil
}
