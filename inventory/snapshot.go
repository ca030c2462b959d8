package inventory

// PalletSnapshot is a point-in-time copy of one source pallet.
type PalletSnapshot struct {
	ID      int  `json:"id"`
	Scanned int  `json:"scanned"`
	Sorted  int  `json:"sorted"`
	Busy    bool `json:"busy"`
}

// RackSnapshot is a point-in-time copy of one destination rack.
type RackSnapshot struct {
	ID        int        `json:"id"`
	Class     TestType   `json:"class"`
	Count     int        `json:"count"`
	Target    int        `json:"target"`
	Max       int        `json:"max"`
	Status    RackStatus `json:"status"`
	Occupancy Occupancy  `json:"occupancy"`
}

// SystemStatus is the full inventory view served to the operator console
// and the HTTP gateway.
type SystemStatus struct {
	Pallets      []PalletSnapshot `json:"pallets"`
	Racks        []RackSnapshot   `json:"racks"`
	TotalScanned int              `json:"total_scanned"`
	TotalSorted  int              `json:"total_sorted"`
	ByClass      map[string]int   `json:"by_class"`
}

// Snapshot copies the current inventory state under the lock. The result
// shares nothing with the model and is safe to serialize concurrently
// with a running cycle.
func (m *Model) Snapshot() SystemStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := SystemStatus{
		Pallets: make([]PalletSnapshot, 0, len(m.sourceIDs)),
		Racks:   make([]RackSnapshot, 0, len(m.destIDs)),
		ByClass: make(map[string]int),
	}

	for _, id := range m.sourceIDs {
		src := m.sources[id]
		st.Pallets = append(st.Pallets, PalletSnapshot{
			ID:      id,
			Scanned: src.count(),
			Sorted:  src.sorted,
			Busy:    src.busy,
		})
		st.TotalScanned += src.count()
		st.TotalSorted += src.sorted
	}

	for _, id := range m.destIDs {
		r := m.dests[id]
		st.Racks = append(st.Racks, RackSnapshot{
			ID:        id,
			Class:     r.class,
			Count:     r.count(),
			Target:    r.target,
			Max:       r.max,
			Status:    r.status(),
			Occupancy: r.occupancy,
		})
		st.ByClass[string(r.class)] += r.count()
	}

	return st
}
