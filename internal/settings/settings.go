// Package settings is a small live-reloadable tuning-knob registry,
// modeled on the RegisterDurationSettingWithExplicitUnit /
// RegisterIntSetting / RegisterByteSizeSetting idiom
// logical_replication_writer_processor.go uses for its own tunables. Every
// knob named in the group-commit and transfer subsystems is registered
// here once, with a default, and can be read or overwritten at runtime
// without a restart.
package settings

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// DurationSetting is an atomically-updatable time.Duration knob.
type DurationSetting struct {
	name string
	v    atomic.Int64
}

func RegisterDurationSetting(name string, def time.Duration) *DurationSetting {
	s := &DurationSetting{name: name}
	s.v.Store(int64(def))
	register(name, s)
	return s
}

func (s *DurationSetting) Get() time.Duration { return time.Duration(s.v.Load()) }
func (s *DurationSetting) Set(d time.Duration) { s.v.Store(int64(d)) }
func (s *DurationSetting) Name() string        { return s.name }

// IntSetting is an atomically-updatable integer knob.
type IntSetting struct {
	name string
	v    atomic.Int64
}

func RegisterIntSetting(name string, def int64) *IntSetting {
	s := &IntSetting{name: name}
	s.v.Store(def)
	register(name, s)
	return s
}

func (s *IntSetting) Get() int64  { return s.v.Load() }
func (s *IntSetting) Set(v int64) { s.v.Store(v) }
func (s *IntSetting) Name() string { return s.name }

// ByteSizeSetting is an IntSetting with a unit label attached for
// documentation purposes only (mirrors RegisterDurationSettingWithExplicitUnit's
// explicit-unit registration so misread units surface at registration
// time, not at the call site).
type ByteSizeSetting struct {
	*IntSetting
	unit string
}

func RegisterByteSizeSetting(name string, def int64, unit string) *ByteSizeSetting {
	return &ByteSizeSetting{IntSetting: RegisterIntSetting(name, def), unit: unit}
}

func (s *ByteSizeSetting) Unit() string { return s.unit }

// BoolSetting is an atomically-updatable boolean knob, used for the
// DEBUG_REPLICATION_DATA toggle.
type BoolSetting struct {
	name string
	v    atomic.Bool
}

func RegisterBoolSetting(name string, def bool) *BoolSetting {
	s := &BoolSetting{name: name}
	s.v.Store(def)
	register(name, s)
	return s
}

func (s *BoolSetting) Get() bool  { return s.v.Load() }
func (s *BoolSetting) Set(v bool) { s.v.Store(v) }
func (s *BoolSetting) Name() string { return s.name }

var registry sync_map

// sync_map is a tiny registration ledger kept purely so duplicate names
// fail loudly at startup, the same guard a settings registry with a
// global namespace needs regardless of backing store.
type sync_map struct {
	names map[string]struct{}
}

func register(name string, _ any) {
	if registry.names == nil {
		registry.names = make(map[string]struct{})
	}
	if _, dup := registry.names[name]; dup {
		panic(errors.Newf("settings: duplicate registration of %q", name))
	}
	registry.names[name] = struct{}{}
}

// Defaults used across pkg/groupcommit, pkg/applier and pkg/transfer.
var (
	ApplierWorkerThreadsCount = RegisterIntSetting("applier_worker_threads_count", 4)
	MasterGCMDaemonInterval   = RegisterDurationSetting("master_gcm_daemon_interval", 10*time.Millisecond)
	SlaveGCMDaemonInterval    = RegisterDurationSetting("slave_gcm_daemon_interval", 10*time.Millisecond)
	ControlChannelCheckAlive  = RegisterDurationSetting("control_channel_check_alive_interval", 1*time.Second)
	ChannelMTU                = RegisterByteSizeSetting("channel_mtu", 16*1024, "bytes")
	DebugReplicationData      = RegisterBoolSetting("debug_replication_data", false)
)
