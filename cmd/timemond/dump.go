package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/gargoyle-router/timemond/internal/coordinator"
	"github.com/gargoyle-router/timemond/internal/identity"
	"github.com/gargoyle-router/timemond/internal/protocol"
)

// dumpIdentity prints one identity's per-IP usage to w: a bare "ip usage"
// line for identities with no history, or protocol.FormatHistory's
// "ip start end value" lines for identities that keep one. Grounded on
// libipttmctl's tm_print_history_file, an operator debug dump of the same
// accounting state the binary GET path serves.
func dumpIdentity(store *identity.Store, coord *coordinator.Coordinator, id string, w io.Writer) error {
	coord.LockAdmin()
	defer coord.UnlockAdmin()

	st, ok := store.Lookup(id)
	if !ok {
		return fmt.Errorf("unknown identity %q", id)
	}

	coord.LockHot()
	defer coord.UnlockHot()

	ips := make([]uint32, 0, len(st.IPAccumulators))
	for ip := range st.IPAccumulators {
		ips = append(ips, ip)
	}
	sort.Slice(ips, func(i, j int) bool { return ips[i] < ips[j] })

	for _, ip := range ips {
		usage := st.IPAccumulators[ip]
		hist, hasHist := st.IPHistories[ip]
		if !hasHist {
			if _, err := fmt.Fprintf(w, "%d %d\n", ip, usage); err != nil {
				return err
			}
			continue
		}
		blk := protocol.IPBlock{
			IP: ip, Usage: usage, HasHistory: true,
			FirstStart: hist.FirstStart, FirstEnd: hist.FirstEnd, LastEnd: hist.LastEnd,
			Slots: hist.Ordered(),
		}
		if err := protocol.FormatHistory(w, ip, blk, st.Calculator); err != nil {
			return err
		}
	}
	return nil
}
