package main

import "sync"

// coldTable is the serial-keyed set of running supervisors. It implements
// httpapi.ColdTrigger directly and backs the heartbeat link's ColdHandler
// via its onCold method, so both the HTTP /cold route and an inbound
// cold@<serial> heartbeat command reach the same Supervisor.TriggerCold.
type coldTable struct {
	mu   sync.RWMutex
	byID map[string]coldRestarter
}

// coldRestarter is the slice of *supervisor.Supervisor this table needs.
type coldRestarter interface {
	TriggerCold()
}

func newColdTable() *coldTable {
	return &coldTable{byID: make(map[string]coldRestarter)}
}

func (t *coldTable) add(serial string, s coldRestarter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[serial] = s
}

func (t *coldTable) remove(serial string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, serial)
}

// TriggerCold satisfies httpapi.ColdTrigger.
func (t *coldTable) TriggerCold(serial string) bool {
	t.mu.RLock()
	s, ok := t.byID[serial]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	s.TriggerCold()
	return true
}

// onCold adapts TriggerCold to heartbeat.ColdHandler's signature, which
// has no success/failure return value: an unknown serial (already
// unplugged by the time the command arrives) is simply a no-op.
func (t *coldTable) onCold(serial string) {
	t.TriggerCold(serial)
}
