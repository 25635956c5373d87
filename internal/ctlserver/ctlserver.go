// Package ctlserver implements the GET/SET control-plane semantics (spec
// §4.7/§4.8) on top of the protocol codec: pagination, backup-coherence,
// the set-in-progress latch, and buffer-fit accounting. Transport (the
// Unix-domain-socket listener) lives in cmd/timemond; this package works
// against already-framed message buffers so it can be tested without a
// socket.
package ctlserver

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gargoyle-router/timemond/internal/clock"
	"github.com/gargoyle-router/timemond/internal/coordinator"
	"github.com/gargoyle-router/timemond/internal/epoch"
	"github.com/gargoyle-router/timemond/internal/history"
	"github.com/gargoyle-router/timemond/internal/identity"
	"github.com/gargoyle-router/timemond/internal/log"
	"github.com/gargoyle-router/timemond/internal/protocol"
)

// Server holds the shared engine state a control connection operates
// against. One Server is shared by every connection.
type Server struct {
	Store       *identity.Store
	Coordinator *coordinator.Coordinator
	Clock       clock.Clock

	page pageCache
}

func New(store *identity.Store, coord *coordinator.Coordinator, clk clock.Clock) *Server {
	return &Server{Store: store, Coordinator: coord, Clock: clk}
}

// pageCache is the single-consumer IP-list cache GET pagination uses
// (spec §5: "single-consumer, no concurrent pagination across different
// identities").
type pageCache struct {
	mu     sync.Mutex
	active bool
	id     string
	ips    []uint32
	token  uuid.UUID
}

// set opens a new paging session, stamped with a fresh token so a
// concurrent pager landing here while a different identity's session is
// still open can be logged and evicted rather than silently corrupting the
// single shared cache (spec §5 forbids concurrent pagination outright; we
// keep that restriction but make a violation observable).
func (p *pageCache) set(id string, ips []uint32) uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active && p.id != id {
		log.Logger.Warn().Str("evicted_id", p.id).Str("evicted_token", p.token.String()).
			Str("new_id", id).Msg("ctlserver: concurrent GET pagination, evicting stale session")
	}
	p.token = uuid.New()
	p.active, p.id, p.ips = true, id, ips
	return p.token
}

func (p *pageCache) get(id string) ([]uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active && p.id == id {
		return p.ips, true
	}
	return nil, false
}

func (p *pageCache) clear(id string) {
	p.mu.Lock()
	if p.id == id {
		p.active, p.ips = false, nil
	}
	p.mu.Unlock()
}

// HandleGet implements the GET path of spec §4.7. maxResponseBytes bounds
// the caller's buffer (e.g. the transport's datagram or reply-buffer
// size); a paged (IP == 0) response never exceeds it. A single-IP request
// always carries its one block, without checking it against the limit.
func (s *Server) HandleGet(req protocol.GetRequest, maxResponseBytes int) []byte {
	s.Coordinator.LockAdmin()
	defer s.Coordinator.UnlockAdmin()

	st, ok := s.Store.Lookup(req.ID)
	if !ok {
		return protocol.GetResponseHeader{ErrorCode: protocol.ErrUnknownID}.Encode()
	}

	s.Coordinator.LockHot()
	tzOffset := s.Clock.TZOffsetMinutes()
	resetCode, resetTime, isConstant := encodePolicy(st.Calculator.Policy)

	var ips []uint32
	var total, startIndex uint32

	if req.IP != 0 {
		ips = []uint32{req.IP}
		total = uint32(len(st.IPAccumulators))
		startIndex = 0
	} else {
		if req.NextIPIndex == 0 {
			ips = sortedKeys(st.IPAccumulators)
			s.page.set(req.ID, ips)
		} else if cached, ok := s.page.get(req.ID); ok {
			ips = cached
		} else {
			ips = sortedKeys(st.IPAccumulators)
		}
		total = uint32(len(ips))
		startIndex = req.NextIPIndex
	}

	var blocks []protocol.IPBlock
	var consumed uint32
	if req.IP != 0 {
		if usage, ok := st.IPAccumulators[req.IP]; ok {
			blocks = append(blocks, buildBlock(st, req.IP, usage, req.ReturnHistory, tzOffset))
			consumed = 1
		}
	} else {
		avail := maxResponseBytes - protocol.GetResponseHeaderLen
		for i := startIndex; i < total && int(i) < len(ips); i++ {
			ip := ips[i]
			usage, ok := st.IPAccumulators[ip]
			if !ok {
				continue
			}
			blk := buildBlock(st, ip, usage, req.ReturnHistory, tzOffset)
			if blk.EncodedLen() > avail {
				break
			}
			avail -= blk.EncodedLen()
			blocks = append(blocks, blk)
			consumed++
		}
	}
	s.Coordinator.UnlockHot()

	errCode := protocol.ErrOK
	if req.IP == 0 && consumed == 0 && startIndex < total {
		errCode = protocol.ErrBufferTooSmall
	}

	if req.IP == 0 {
		if startIndex+consumed >= total {
			s.page.clear(req.ID)
		}
	}

	header := protocol.GetResponseHeader{
		ErrorCode:               errCode,
		TotalIPs:                total,
		StartIndex:              startIndex,
		NumIPsInResponse:        consumed,
		ResetIntervalCode:       resetCode,
		ResetTimeOffset:         resetTime,
		ResetIsConstantInterval: isConstant,
	}
	buf := header.Encode()
	for _, b := range blocks {
		buf = b.Encode(buf)
	}
	return buf
}

func buildBlock(st *identity.IdentityState, ip uint32, usage uint64, returnHistory bool, tzOffsetMinutes int32) protocol.IPBlock {
	blk := protocol.IPBlock{IP: ip, Usage: usage}
	if !returnHistory {
		return blk
	}
	hist, ok := st.IPHistories[ip]
	if !ok {
		return blk
	}
	blk.HasHistory = true
	blk.Slots = hist.Ordered()
	blk.FirstStart = toUTC(hist.FirstStart, tzOffsetMinutes)
	blk.FirstEnd = toUTC(hist.FirstEnd, tzOffsetMinutes)
	blk.LastEnd = toUTC(hist.LastEnd, tzOffsetMinutes)
	return blk
}

// HandleSet implements the SET path of spec §4.8 for one chunk. chunk is
// the full message: header followed by NumIPsInBuffer IP blocks.
func (s *Server) HandleSet(chunk []byte) {
	hdr, err := protocol.DecodeSetRequestHeader(chunk)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("ctlserver: malformed SET header")
		return
	}
	body := chunk[protocol.SetRequestHeaderLen:]

	s.Coordinator.LockAdmin()
	defer s.Coordinator.UnlockAdmin()

	st, ok := s.Store.Lookup(hdr.ID)
	if !ok {
		log.Logger.Warn().Str("id", hdr.ID).Msg("ctlserver: SET against unknown identity")
		return
	}

	if hdr.NextIPIndex == 0 {
		if hdr.LastBackup != 0 && backupCoherenceApplies(st.Calculator.Policy) {
			lastBackupLocal := clock.LocalFrame(hdr.LastBackup, s.Clock.TZOffsetMinutes())
			computed := st.Calculator.Next(lastBackupLocal, st.PreviousReset)
			if computed != st.NextReset {
				log.Logger.Warn().Str("id", hdr.ID).Msg("ctlserver: SET rejected, backup predates a reset boundary")
				return
			}
		}
		s.Coordinator.BeginSet(hdr.ID)
		if hdr.ZeroUnsetIPs {
			for k := range st.IPAccumulators {
				delete(st.IPAccumulators, k)
			}
			for k := range st.IPHistories {
				delete(st.IPHistories, k)
			}
		}
	}

	s.Coordinator.LockHot()
	offset := 0
	for i := uint32(0); i < hdr.NumIPsInBuffer; i++ {
		blk, n, err := protocol.DecodeIPBlock(body[offset:], hdr.HistoryIncluded)
		if err != nil {
			log.Logger.Warn().Err(err).Str("id", hdr.ID).Msg("ctlserver: truncated SET chunk")
			break
		}
		offset += n
		applySetBlock(st, blk)
	}
	s.Coordinator.UnlockHot()

	if hdr.NextIPIndex+hdr.NumIPsInBuffer >= hdr.TotalIPs {
		if usage, ok := st.IPAccumulators[identity.CombinedKey]; ok {
			st.Current = usage
		}
		s.Coordinator.EndSet(hdr.ID)
	}
}

func backupCoherenceApplies(p epoch.Policy) bool {
	if p.Calendar != nil {
		return true
	}
	return p.Fixed != nil && p.Fixed.AnchorSeconds != 0
}

// applySetBlock installs one decoded block. Per the observed protocol
// (spec §9 open question), a history-bearing block's older slots are
// accepted on the wire but only the final (current) value is installed,
// into a size-1 RingHistory.
func applySetBlock(st *identity.IdentityState, blk protocol.IPBlock) {
	st.IPAccumulators[blk.IP] = blk.Usage
	if !blk.HasHistory {
		if st.HasHistory {
			delete(st.IPHistories, blk.IP)
		}
		return
	}
	if st.HasHistory {
		st.IPHistories[blk.IP] = history.New(1, blk.Usage, blk.FirstStart, blk.LastEnd)
	}
}

func sortedKeys(m map[uint32]uint64) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// encodePolicy maps a reset policy onto the rule-attachment record's
// reset_interval/reset_time/reset_is_constant_interval triple (spec §6).
func encodePolicy(p epoch.Policy) (code int64, offset int64, isConstant bool) {
	if p.Fixed != nil {
		return int64(p.Fixed.PeriodSeconds), int64(p.Fixed.AnchorSeconds), true
	}
	if p.Calendar != nil {
		return int64(p.Calendar.Unit), int64(p.Calendar.OffsetSeconds), false
	}
	return 0, 0, false
}

func toUTC(localT uint64, tzOffsetMinutes int32) uint64 {
	delta := int64(tzOffsetMinutes) * 60
	if delta >= 0 {
		return localT + uint64(delta)
	}
	d := uint64(-delta)
	if d > localT {
		return 0
	}
	return localT - d
}
