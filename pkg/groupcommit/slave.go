package groupcommit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cockroachdb/errors"

	"github.com/alexstanro/replicore/internal/daemon"
	"github.com/alexstanro/replicore/internal/metrics"
	"github.com/alexstanro/replicore/pkg/bytestream"
)

// LogFlushWakener wakes the host's log flush daemon, standing in for
// log_wakeup_log_flush_daemon — an out-of-scope named collaborator that,
// unlike the master path, the slave calls explicitly from DoComplete.
type LogFlushWakener interface {
	WakeupLogFlushDaemon()
}

// SlaveManager is the slave group-complete manager, a direct port of
// transaction_slave_group_complete_manager.cpp. Unlike the master, a
// slave has no transfer senders to wake and its daemon loop runs both
// DoPrepareComplete and DoComplete back to back every tick (matching
// slave_group_complete_task::execute), since slave completion isn't
// ack-driven — it is driven by the dispatcher announcing, via
// SetCloseInfoForCurrentGroup, how many transactions to expect in the
// group the incoming GROUP_COMMIT marker just closed.
type SlaveManager struct {
	*Base

	mvcc      MVCCCompleter
	logger    GroupLogger
	logFlush  LogFlushWakener
	metrics   *metrics.Metrics
	zlog      *zap.Logger

	currentGroupExpectedTransactions int
	latestGroupID                    GroupID
	latestGroupStreamPosition        bytestream.Position
	hasLatestGroupCloseInfo          bool

	daemon *daemon.Daemon
}

// NewSlaveManager constructs a SlaveManager.
func NewSlaveManager(mvcc MVCCCompleter, logger GroupLogger, logFlush LogFlushWakener, m *metrics.Metrics, zlog *zap.Logger) *SlaveManager {
	return &SlaveManager{
		Base:         NewBase(),
		mvcc:         mvcc,
		logger:       logger,
		logFlush:     logFlush,
		metrics:      m,
		zlog:         zlog,
		latestGroupID: NullGroupID,
	}
}

// Start launches the 10ms group-complete daemon, running
// DoPrepareComplete then DoComplete every tick, matching
// initialize_slave_gcm / slave_group_complete_task.
func (s *SlaveManager) Start(ctx context.Context, interval time.Duration) {
	s.daemon = daemon.New("slave_group_complete_daemon", interval, func(ctx context.Context) error {
		s.DoPrepareComplete()
		s.DoComplete()
		return nil
	}, s.zlog)
	s.daemon.Start(ctx)
}

// OnRegisterTransaction implements Policy, mirroring
// slave_group_complete_manager::on_register_transaction: once close info
// has been set for the current group and its membership has now reached
// the expected count, wake the GCM daemon so it can close the group.
func (s *SlaveManager) OnRegisterTransaction() {
	s.mu.Lock()
	hasInfo := s.hasLatestGroupCloseInfo
	size := s.currentGroup.Size()
	expected := s.currentGroupExpectedTransactions
	s.mu.Unlock()

	if hasInfo && size == expected {
		if s.daemon != nil {
			s.daemon.Wakeup()
		}
	}
}

// CanCloseCurrentGroup implements Policy, mirroring
// slave_group_complete_manager::can_close_current_group including the
// forced-progress anomaly rule: if no close info has been set yet but the
// current group is non-empty and the previously tracked latest group id
// is already completed, something is wrong (a transaction is waiting
// beyond the group the dispatcher last closed) — force the close anyway
// so the slave doesn't stall forever, logging the anomaly.
func (s *SlaveManager) CanCloseCurrentGroup() bool {
	if !s.IsLatestClosedGroupCompleted() {
		return false
	}

	s.mu.Lock()
	hasInfo := s.hasLatestGroupCloseInfo
	latestGroupID := s.latestGroupID
	s.mu.Unlock()

	if !hasInfo {
		if latestGroupID != NullGroupID && !s.IsCurrentGroupEmpty() && s.IsGroupCompleted(latestGroupID) {
			if s.zlog != nil {
				s.zlog.Warn("forcing group close: transaction waiting beyond latest group id",
					zap.Uint64("latest_group_id", uint64(latestGroupID)))
			}
			return true
		}
		return false
	}

	s.mu.Lock()
	size := s.currentGroup.Size()
	expected := s.currentGroupExpectedTransactions
	s.mu.Unlock()
	return size >= expected
}

// DoPrepareComplete implements Policy, mirroring
// slave_group_complete_manager::do_prepare_complete: close the current
// group, reset close-info tracking for the new current group, complete
// MVCC visibility for the closed group, and mark it prepared-for-
// complete. Unlike the master, there is no pack_group_commit_entry call
// and no sender wakeup — a slave never originates data onto the stream.
func (s *SlaveManager) DoPrepareComplete() {
	if !s.CloseCurrentGroup(s) {
		return
	}

	s.mu.Lock()
	s.hasLatestGroupCloseInfo = false
	s.mu.Unlock()

	closed := s.GetLatestClosedGroup()
	s.mvcc.CompleteGroupMVCC(closed)
	s.NotifyGroupMVCCComplete()

	if s.metrics != nil {
		s.metrics.GroupsClosed.Inc()
	}

	s.MarkLatestClosedGroupPreparedForComplete()
}

// DoComplete implements Policy, mirroring
// slave_group_complete_manager::do_complete: the same early-return /
// watermark-wait / elected-completer sequence as the master, but with an
// explicit log-flush-daemon wakeup immediately after appending the
// group-complete record, and no trailing daemon wakeup (the slave daemon
// already runs DoComplete every tick on its own, unlike the master whose
// completion is ack-triggered off a different goroutine).
func (s *SlaveManager) DoComplete() {
	if s.IsLatestClosedGroupCompleted() {
		return
	}
	s.WaitForLatestClosedGroupState(GroupPreparedForComplete)
	if !s.StartsLatestClosedGroupComplete() {
		return
	}

	closed := s.GetLatestClosedGroup()
	s.mu.Lock()
	pos := s.latestGroupStreamPosition
	s.mu.Unlock()

	s.logger.AppendGroupComplete(pos, closed)
	if s.logFlush != nil {
		s.logFlush.WakeupLogFlushDaemon()
	}

	const hasPostpone = false
	if hasPostpone {
		s.NotifyGroupLogged()
	}
	s.NotifyGroupComplete()
	s.MarkCompletedUpToPosition(pos)

	if s.metrics != nil {
		s.metrics.GroupsCompleted.Inc()
	}
}

// CompleteUptoStreamPosition mirrors
// slave_group_complete_manager::complete_upto_stream_position: asserts
// pos does not exceed the tracked close position, then drives completion
// of the latest group id via the shared Base.Complete.
func (s *SlaveManager) CompleteUptoStreamPosition(pos bytestream.Position) error {
	s.mu.Lock()
	tracked := s.latestGroupStreamPosition
	id := s.latestGroupID
	s.mu.Unlock()
	if pos > tracked {
		return errors.AssertionFailedf("groupcommit: CompleteUptoStreamPosition(%d) exceeds tracked position %d", pos, tracked)
	}
	return s.Complete(s, id)
}

// SetCloseInfoForCurrentGroup mirrors
// slave_group_complete_manager::set_close_info_for_current_group: the
// dispatcher calls this once it has observed a GROUP_COMMIT marker and
// counted how many transactions it expects to carry into that group
// (pkg/applier/dispatcher.go). If the current group has already reached
// that count, the GCM daemon is woken immediately rather than waiting for
// the next tick.
func (s *SlaveManager) SetCloseInfoForCurrentGroup(streamPosition bytestream.Position, countExpectedTransactions int) {
	s.mu.Lock()
	s.latestGroupStreamPosition = streamPosition
	s.currentGroupExpectedTransactions = countExpectedTransactions
	hasEnough := s.currentGroup.Size() >= countExpectedTransactions
	s.latestGroupID = s.currentGroupID
	s.hasLatestGroupCloseInfo = true
	s.mu.Unlock()

	if s.zlog != nil {
		s.zlog.Debug("set_close_info_for_current_group",
			zap.Int64("stream_position", int64(streamPosition)),
			zap.Int("count_expected_transactions", countExpectedTransactions))
	}

	if hasEnough && s.daemon != nil {
		s.daemon.Wakeup()
	}
}
