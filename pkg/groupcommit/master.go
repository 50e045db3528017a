package groupcommit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/alexstanro/replicore/internal/daemon"
	"github.com/alexstanro/replicore/internal/metrics"
	"github.com/alexstanro/replicore/pkg/bytestream"
	"github.com/alexstanro/replicore/pkg/replstream"
)

// AckPolicy decides whether a reported ack stream position is enough to
// proceed with completion: it is called with every ack position a slave
// reports. The default wired in NewMasterManager is first-ack-satisfies
// (single replica); multi-replica quorum is left pluggable rather than
// implemented.
type AckPolicy func(ackPos bytestream.Position) bool

// FirstAckSatisfies is the default AckPolicy: any single ack at or past
// the awaited position is sufficient.
func FirstAckSatisfies(bytestream.Position) bool { return true }

// MVCCCompleter completes MVCC visibility for a closed group, standing in
// for log_Gl.mvcc_table.complete_group_mvcc, an out-of-scope named
// collaborator.
type MVCCCompleter interface {
	CompleteGroupMVCC(group TxGroup)
}

// GroupLogger appends the group-complete log record, standing in for
// log_append_group_complete, an out-of-scope named collaborator. Waking
// the log flush daemon is a separate hook (LogFlushWakener, slave only).
type GroupLogger interface {
	AppendGroupComplete(startPos bytestream.Position, group TxGroup)
}

// TransferWakener wakes any transfer senders blocked waiting for new data
// to send, standing in for
// replication_node_manager::get_master_node()->wakeup_transfer_senders.
type TransferWakener interface {
	WakeupTransferSenders(uptoPos bytestream.Position)
}

// MasterManager is the master group-complete manager, a direct port of
// transaction_master_group_complete_manager.cpp. Completion on the master
// is ack-driven: the daemon loop only ever runs DoPrepareComplete, and
// DoComplete instead fires from NotifyStreamAck once a slave has
// acknowledged far enough on the stream, matching
// initialize_master_gcm's task (which calls only do_prepare_complete) and
// notify_stream_ack (which calls do_complete directly, off the ack
// reader's goroutine).
type MasterManager struct {
	*Base

	ackPolicy AckPolicy
	mvcc      MVCCCompleter
	logger    GroupLogger
	wakener   TransferWakener
	stream    *bytestream.Stream
	metrics   *metrics.Metrics
	zlog      *zap.Logger

	latestClosedGroupStartPos bytestream.Position
	latestClosedGroupEndPos   bytestream.Position

	daemon *daemon.Daemon
}

// NewMasterManager constructs a MasterManager. ackPolicy may be nil, in
// which case FirstAckSatisfies is used.
func NewMasterManager(stream *bytestream.Stream, mvcc MVCCCompleter, logger GroupLogger, wakener TransferWakener, ackPolicy AckPolicy, m *metrics.Metrics, zlog *zap.Logger) *MasterManager {
	if ackPolicy == nil {
		ackPolicy = FirstAckSatisfies
	}
	return &MasterManager{
		Base:      NewBase(),
		ackPolicy: ackPolicy,
		mvcc:      mvcc,
		logger:    logger,
		wakener:   wakener,
		stream:    stream,
		metrics:   m,
		zlog:      zlog,
	}
}

// Start launches the 10ms group-complete daemon, matching
// initialize_master_gcm's cubthread::looper interval.
func (m *MasterManager) Start(ctx context.Context, interval time.Duration) {
	m.daemon = daemon.New("master_group_complete_daemon", interval, func(ctx context.Context) error {
		m.DoPrepareComplete()
		return nil
	}, m.zlog)
	m.daemon.Start(ctx)
}

// NotifyStreamAck is the master's ack entry point: once stream_pos
// reaches the latest closed group's end position (gated by ackPolicy),
// it drives DoComplete directly on the caller's goroutine — normally the
// ack reader in pkg/transfer — matching notify_stream_ack exactly.
func (m *MasterManager) NotifyStreamAck(streamPos bytestream.Position) {
	m.mu.Lock()
	end := m.latestClosedGroupEndPos
	m.mu.Unlock()
	if streamPos >= end && m.ackPolicy(streamPos) {
		m.DoComplete()
	}
}

// OnRegisterTransaction implements Policy. Mirrors
// master_group_complete_manager::on_register_transaction: if the
// previously closed group already finished completing, wake the GCM
// daemon to consider closing a new group; otherwise, if that group is
// prepared-for-complete but hasn't started completing, nudge the
// transfer senders again just in case they missed the earlier wakeup.
func (m *MasterManager) OnRegisterTransaction() {
	if m.IsLatestClosedGroupCompleted() {
		if m.daemon != nil {
			m.daemon.Wakeup()
		}
	} else if !m.IsLatestClosedGroupCompleteStarted() && m.IsLatestClosedGroupPreparedForComplete() {
		m.mu.Lock()
		end := m.latestClosedGroupEndPos
		m.mu.Unlock()
		if m.wakener != nil {
			m.wakener.WakeupTransferSenders(end)
		}
	}
}

// CanCloseCurrentGroup implements Policy, mirroring
// master_group_complete_manager::can_close_current_group: the previous
// group must be fully completed, and the current group must be non-empty
// (a master never closes an empty group — there is nothing to ship).
func (m *MasterManager) CanCloseCurrentGroup() bool {
	if !m.IsLatestClosedGroupCompleted() {
		return false
	}
	return !m.IsCurrentGroupEmpty()
}

// DoPrepareComplete implements Policy, mirroring
// master_group_complete_manager::do_prepare_complete: close the current
// group, complete its MVCC visibility, pack the GROUP_COMMIT marker entry
// onto the stream (recording its start/end positions), mark the group
// prepared-for-complete, then wake transfer senders so they ship the
// newly closed group's data immediately.
func (m *MasterManager) DoPrepareComplete() {
	if !m.CloseCurrentGroup(m) {
		return
	}
	closed := m.GetLatestClosedGroup()

	m.mvcc.CompleteGroupMVCC(closed)
	m.NotifyGroupMVCCComplete()

	m.mu.Lock()
	prevEnd := m.latestClosedGroupEndPos
	m.mu.Unlock()
	start, end := replstream.PackGroupCommitEntry(m.stream, prevEnd)
	m.mu.Lock()
	m.latestClosedGroupStartPos = start
	m.latestClosedGroupEndPos = end
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.GroupsClosed.Inc()
	}

	m.MarkLatestClosedGroupPreparedForComplete()

	if m.wakener != nil {
		m.wakener.WakeupTransferSenders(end)
	}
}

// DoComplete implements Policy, mirroring
// master_group_complete_manager::do_complete: return immediately if
// already completed; block until DoPrepareComplete has finished marking
// prepared-for-complete (via WaitForLatestClosedGroupState rather than a
// spin-wait poll); have exactly one caller win election via
// StartsLatestClosedGroupComplete; append the group-complete log record;
// notify completion; and finally wake the GCM daemon so it can consider
// closing the next group.
func (m *MasterManager) DoComplete() {
	if m.IsLatestClosedGroupCompleted() {
		return
	}
	m.WaitForLatestClosedGroupState(GroupPreparedForComplete)
	if !m.StartsLatestClosedGroupComplete() {
		return
	}

	closed := m.GetLatestClosedGroup()
	m.mu.Lock()
	start := m.latestClosedGroupStartPos
	end := m.latestClosedGroupEndPos
	m.mu.Unlock()

	m.logger.AppendGroupComplete(start, closed)

	const hasPostpone = false
	if hasPostpone {
		m.NotifyGroupLogged()
	}
	m.NotifyGroupComplete()
	m.MarkCompletedUpToPosition(end)

	if m.metrics != nil {
		m.metrics.GroupsCompleted.Inc()
	}

	if m.daemon != nil {
		m.daemon.Wakeup()
	}
}
