package ctlserver

import (
	"testing"

	"github.com/gargoyle-router/timemond/internal/clock"
	"github.com/gargoyle-router/timemond/internal/coordinator"
	"github.com/gargoyle-router/timemond/internal/epoch"
	"github.com/gargoyle-router/timemond/internal/identity"
	"github.com/gargoyle-router/timemond/internal/protocol"
)

func fixedCalc(period uint64) epoch.Calculator {
	return epoch.NewCalculator(epoch.Policy{Fixed: &epoch.FixedPolicy{PeriodSeconds: period}})
}

// Scenario 6: GET pagination over 1000 per-IP entries, buffer sized for
// 100 blocks (no-history blocks, 12 bytes each).
func TestGetPaginationScenario(t *testing.T) {
	store := identity.NewStore()
	coord := coordinator.New()
	fc := clock.NewFakeClock(0)
	srv := New(store, coord, fc)

	calc := fixedCalc(3600)
	st := identity.NewIdentityState("many-ips", identity.IndividualSrc, identity.Monitor, calc, 0, 0, 3600, 0)
	if _, err := store.InstallRule(st); err != nil {
		t.Fatalf("InstallRule: %v", err)
	}
	for i := uint32(1); i <= 1000; i++ {
		st.IPAccumulators[i] = uint64(i)
	}

	maxBytes := protocol.GetResponseHeaderLen + 100*12

	req1 := protocol.GetRequest{ID: "many-ips"}
	resp1 := srv.HandleGet(req1, maxBytes)
	hdr1, err := protocol.DecodeGetResponseHeader(resp1)
	if err != nil {
		t.Fatalf("decode resp1: %v", err)
	}
	if hdr1.TotalIPs != 1000 || hdr1.NumIPsInResponse != 100 || hdr1.StartIndex != 0 {
		t.Fatalf("resp1 = %+v, want total=1000 num=100 start=0", hdr1)
	}

	req2 := protocol.GetRequest{ID: "many-ips", NextIPIndex: 100}
	resp2 := srv.HandleGet(req2, maxBytes)
	hdr2, _ := protocol.DecodeGetResponseHeader(resp2)
	if hdr2.TotalIPs != 1000 || hdr2.NumIPsInResponse != 100 || hdr2.StartIndex != 100 {
		t.Fatalf("resp2 = %+v, want total=1000 num=100 start=100", hdr2)
	}

	req3 := protocol.GetRequest{ID: "many-ips", NextIPIndex: 200}
	resp3 := srv.HandleGet(req3, protocol.GetResponseHeaderLen+1000*12)
	hdr3, _ := protocol.DecodeGetResponseHeader(resp3)
	if hdr3.TotalIPs != 1000 || hdr3.NumIPsInResponse != 800 || hdr3.StartIndex != 200 {
		t.Fatalf("resp3 = %+v, want total=1000 num=800 start=200", hdr3)
	}

	// After the final GET, a fresh paging request restarts from 0.
	req4 := protocol.GetRequest{ID: "many-ips"}
	resp4 := srv.HandleGet(req4, maxBytes)
	hdr4, _ := protocol.DecodeGetResponseHeader(resp4)
	if hdr4.StartIndex != 0 || hdr4.NumIPsInResponse != 100 {
		t.Fatalf("resp4 (restart) = %+v, want start=0 num=100", hdr4)
	}
}

func TestGetUnknownIDErrors(t *testing.T) {
	store := identity.NewStore()
	coord := coordinator.New()
	fc := clock.NewFakeClock(0)
	srv := New(store, coord, fc)

	resp := srv.HandleGet(protocol.GetRequest{ID: "ghost"}, 4096)
	hdr, err := protocol.DecodeGetResponseHeader(resp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hdr.ErrorCode != protocol.ErrUnknownID {
		t.Errorf("ErrorCode = %d, want ErrUnknownID", hdr.ErrorCode)
	}
}

func TestGetBufferTooSmallWhenNoBlockFits(t *testing.T) {
	store := identity.NewStore()
	coord := coordinator.New()
	fc := clock.NewFakeClock(0)
	srv := New(store, coord, fc)

	calc := fixedCalc(3600)
	st := identity.NewIdentityState("tight", identity.IndividualSrc, identity.Monitor, calc, 0, 0, 3600, 0)
	if _, err := store.InstallRule(st); err != nil {
		t.Fatalf("InstallRule: %v", err)
	}
	st.IPAccumulators[1] = 5

	resp := srv.HandleGet(protocol.GetRequest{ID: "tight"}, protocol.GetResponseHeaderLen+4)
	hdr, _ := protocol.DecodeGetResponseHeader(resp)
	if hdr.ErrorCode != protocol.ErrBufferTooSmall {
		t.Errorf("ErrorCode = %d, want ErrBufferTooSmall", hdr.ErrorCode)
	}
}

func TestSetRoundTrip(t *testing.T) {
	store := identity.NewStore()
	coord := coordinator.New()
	fc := clock.NewFakeClock(0)
	srv := New(store, coord, fc)

	calc := fixedCalc(3600)
	st := identity.NewIdentityState("restore", identity.IndividualSrc, identity.Monitor, calc, 0, 0, 3600, 0)
	if _, err := store.InstallRule(st); err != nil {
		t.Fatalf("InstallRule: %v", err)
	}

	hdr := protocol.SetRequestHeader{
		TotalIPs: 2, NextIPIndex: 0, NumIPsInBuffer: 2,
		HistoryIncluded: false, ZeroUnsetIPs: true, LastBackup: 0,
		ID: "restore",
	}
	var buf []byte
	buf = append(buf, hdr.Encode()...)
	buf = protocol.IPBlock{IP: 1, Usage: 100}.Encode(buf)
	buf = protocol.IPBlock{IP: 2, Usage: 200}.Encode(buf)

	srv.HandleSet(buf)

	if coord.IsSetInProgress("restore") {
		t.Errorf("set_in_progress should clear after the only chunk completes")
	}
	if st.IPAccumulators[1] != 100 || st.IPAccumulators[2] != 200 {
		t.Errorf("IPAccumulators = %v, want {1:100, 2:200}", st.IPAccumulators)
	}
}

func TestSetMultiChunkLatchesSetInProgress(t *testing.T) {
	store := identity.NewStore()
	coord := coordinator.New()
	fc := clock.NewFakeClock(0)
	srv := New(store, coord, fc)

	calc := fixedCalc(3600)
	st := identity.NewIdentityState("chunked", identity.IndividualSrc, identity.Monitor, calc, 0, 0, 3600, 0)
	if _, err := store.InstallRule(st); err != nil {
		t.Fatalf("InstallRule: %v", err)
	}

	hdr1 := protocol.SetRequestHeader{TotalIPs: 2, NextIPIndex: 0, NumIPsInBuffer: 1, ID: "chunked"}
	var buf1 []byte
	buf1 = append(buf1, hdr1.Encode()...)
	buf1 = protocol.IPBlock{IP: 1, Usage: 10}.Encode(buf1)
	srv.HandleSet(buf1)

	if !coord.IsSetInProgress("chunked") {
		t.Fatalf("expected set_in_progress after a partial chunk")
	}

	hdr2 := protocol.SetRequestHeader{TotalIPs: 2, NextIPIndex: 1, NumIPsInBuffer: 1, ID: "chunked"}
	var buf2 []byte
	buf2 = append(buf2, hdr2.Encode()...)
	buf2 = protocol.IPBlock{IP: 2, Usage: 20}.Encode(buf2)
	srv.HandleSet(buf2)

	if coord.IsSetInProgress("chunked") {
		t.Errorf("expected set_in_progress cleared after the final chunk")
	}
	if st.IPAccumulators[1] != 10 || st.IPAccumulators[2] != 20 {
		t.Errorf("IPAccumulators = %v", st.IPAccumulators)
	}
}

func TestSetBackupCoherenceRejectsStaleRestore(t *testing.T) {
	store := identity.NewStore()
	coord := coordinator.New()
	fc := clock.NewFakeClock(0)
	srv := New(store, coord, fc)

	calc := epoch.NewCalculator(epoch.Policy{Fixed: &epoch.FixedPolicy{PeriodSeconds: 100, AnchorSeconds: 100}})
	st := identity.NewIdentityState("coherent", identity.Combined, identity.Monitor, calc, 0, 0, 200, 100)
	if _, err := store.InstallRule(st); err != nil {
		t.Fatalf("InstallRule: %v", err)
	}
	st.IPAccumulators[identity.CombinedKey] = 999

	// last_backup=50 implies next_reset_from(50) == 100, not 200: stale.
	hdr := protocol.SetRequestHeader{TotalIPs: 1, NextIPIndex: 0, NumIPsInBuffer: 1, LastBackup: 50, ID: "coherent"}
	var buf []byte
	buf = append(buf, hdr.Encode()...)
	buf = protocol.IPBlock{IP: identity.CombinedKey, Usage: 1}.Encode(buf)

	srv.HandleSet(buf)

	if st.IPAccumulators[identity.CombinedKey] != 999 {
		t.Errorf("SET should have been rejected as stale, but accumulator changed to %d", st.IPAccumulators[identity.CombinedKey])
	}
}
