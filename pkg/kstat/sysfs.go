package kstat

import (
	json "github.com/goccy/go-json"

	"github.com/susmicrosystems/corekernel/pkg/vfs/sysfs"
)

// PublishSubsystem exposes subsystem's counters under
// /sys/kstat/<subsystem>/counters, re-evaluated on every read via
// sysfs's AttrFunc so a reader always sees the Manager's latest
// snapshot rather than a value frozen at registration time.
func PublishSubsystem(fs *sysfs.FS, mgr *Manager, subsystem string) {
	dir := fs.RegisterDir("kstat", subsystem)
	dir.RegisterAttr("counters", func() []byte {
		snap, err := mgr.Snapshot(subsystem)
		if err != nil {
			return nil
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return nil
		}
		return data
	})
}

// PublishAll registers every subsystem currently known to mgr's store.
// Subsystems registered after this call (e.g. a cache created later)
// need their own PublishSubsystem call.
func PublishAll(fs *sysfs.FS, mgr *Manager) error {
	subsystems, err := mgr.Subsystems()
	if err != nil {
		return err
	}
	for _, s := range subsystems {
		PublishSubsystem(fs, mgr, s)
	}
	return nil
}
