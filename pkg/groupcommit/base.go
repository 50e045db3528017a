// Package groupcommit implements the shared group-commit state machine
// (the GroupState bitset) and the master and slave policy variants built
// on it. It is a direct port of
// original_source/src/transaction/transaction_group_complete_manager.hpp
// plus the .cpp files for each node role: field names, method names and
// control flow all mirror the source, translated into an embeddable Base
// plus a small Policy interface the node-specific managers implement.
package groupcommit

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/alexstanro/replicore/pkg/bytestream"
)

// GroupID identifies one transaction group in commit order.
type GroupID uint64

// NullGroupID mirrors the source's NULL_ID sentinel.
const NullGroupID GroupID = 0

// GroupState is the monotone bitset a group's completion progresses
// through, exactly as transaction_group_complete_manager.hpp defines it.
// Bits only ever turn on; a group's state never regresses.
type GroupState uint32

const (
	GroupClosed              GroupState = 0x01
	GroupMVCCCompleted       GroupState = 0x02
	GroupLogged              GroupState = 0x04
	GroupPreparedForComplete GroupState = 0x08
	GroupCompleteStarted     GroupState = 0x10
	GroupCompleted           GroupState = 0x20
	GroupAllStates           GroupState = GroupClosed | GroupMVCCCompleted | GroupLogged |
		GroupPreparedForComplete | GroupCompleteStarted | GroupCompleted
)

// TxGroupMember is one transaction's entry in a group.
type TxGroupMember struct {
	TranIndex int32
	MVCCID    uint64
	TranState int32
}

// TxGroup is the ordered set of transactions assigned to one group.
type TxGroup struct {
	Members []TxGroupMember
}

func (g *TxGroup) Empty() bool { return len(g.Members) == 0 }
func (g *TxGroup) Size() int   { return len(g.Members) }

// Policy is the set of nodes-role-specific hooks the base state machine
// calls into, the Go rendering of the pure-virtual methods
// group_complete_manager declares: on_register_transaction,
// can_close_current_group, do_prepare_complete, do_complete.
type Policy interface {
	OnRegisterTransaction()
	CanCloseCurrentGroup() bool
	DoPrepareComplete()
	DoComplete()
}

// Base is the shared group-complete state machine both MasterManager and
// SlaveManager embed, porting transaction_group_complete_manager's fields
// and synchronization (m_group_mutex, m_group_complete_mutex +
// m_group_complete_condvar) and its public methods.
type Base struct {
	mu sync.Mutex

	currentGroupID GroupID
	currentGroup   TxGroup

	latestClosedGroupID    GroupID
	latestClosedGroup      TxGroup
	latestClosedGroupState GroupState

	completeMu       sync.Mutex
	completeCond     *sync.Cond
	completedUpToPos bytestream.Position

	watermark *Watermark
}

// NewBase constructs a Base with an empty current group at id 1 (group 0
// is reserved as NullGroupID, matching NULL_ID's use as "no group yet").
func NewBase() *Base {
	b := &Base{currentGroupID: 1}
	b.completeCond = sync.NewCond(&b.completeMu)
	b.watermark = NewWatermark()
	return b
}

// RegisterTransaction adds a transaction to the current group under the
// group mutex and then, after releasing it, invokes the policy's
// on_register_transaction hook (the hooks take the mutex themselves), the
// Go rendering of group_complete_manager::register_transaction.
func (b *Base) RegisterTransaction(p Policy, member TxGroupMember) {
	b.mu.Lock()
	b.currentGroup.Members = append(b.currentGroup.Members, member)
	b.mu.Unlock()
	p.OnRegisterTransaction()
}

// HasTransactionsInCurrentGroup reports whether the current group has
// reached expectedCount members, and if so returns the current group id.
// Mirrors has_transactions_in_current_group.
func (b *Base) HasTransactionsInCurrentGroup(expectedCount int) (bool, GroupID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentGroup.Size() >= expectedCount {
		return true, b.currentGroupID
	}
	return false, NullGroupID
}

// IsCurrentGroupEmpty mirrors is_current_group_empty.
func (b *Base) IsCurrentGroupEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentGroup.Empty()
}

// GetCurrentGroup returns a copy of the current group's membership.
func (b *Base) GetCurrentGroup() TxGroup {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentGroup
}

// GetLatestClosedGroup returns the most recently closed group.
func (b *Base) GetLatestClosedGroup() TxGroup {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestClosedGroup
}

// GetLatestClosedGroupID returns the id of the most recently closed
// group.
func (b *Base) GetLatestClosedGroupID() GroupID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestClosedGroupID
}

// CloseCurrentGroup checks whether the current group can be closed via
// the policy hook, and if so, swaps it into latestClosed and starts a
// fresh empty current group at the next id. Mirrors close_current_group.
func (b *Base) CloseCurrentGroup(p Policy) bool {
	// CanCloseCurrentGroup is called without b.mu held: the policy
	// implementations take the lock themselves internally (they inspect
	// currentGroup/latestClosedGroup via the same Base accessors any
	// other caller would use), and Go's sync.Mutex is not reentrant, so
	// holding it across the hook call would deadlock the moment a policy
	// method re-locks it.
	if !p.CanCloseCurrentGroup() {
		return false
	}
	b.mu.Lock()
	b.latestClosedGroup = b.currentGroup
	b.latestClosedGroupID = b.currentGroupID
	b.latestClosedGroupState = GroupClosed
	id := b.latestClosedGroupID
	b.currentGroup = TxGroup{}
	b.currentGroupID++
	b.mu.Unlock()
	b.watermark.Advance(id, GroupClosed)
	return true
}

// HasTransactionsInCurrentGroup's counterpart on the closed side:
// is_group_completed checks a specific group id's completion, which for
// any id other than the latest closed group is vacuously true (it can
// only refer to a group that has already fully cycled through).
func (b *Base) IsGroupCompleted(id GroupID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id != b.latestClosedGroupID {
		return true
	}
	return b.latestClosedGroupState&GroupCompleted != 0
}

func (b *Base) setLatestClosedGroupStateBit(bit GroupState) {
	b.mu.Lock()
	b.latestClosedGroupState |= bit
	id := b.latestClosedGroupID
	b.mu.Unlock()
	b.watermark.Advance(id, bit)
}

// NotifyGroupMVCCComplete marks the latest closed group MVCC-completed.
func (b *Base) NotifyGroupMVCCComplete() { b.setLatestClosedGroupStateBit(GroupMVCCCompleted) }

// NotifyGroupLogged marks the latest closed group logged.
func (b *Base) NotifyGroupLogged() { b.setLatestClosedGroupStateBit(GroupLogged) }

// NotifyGroupComplete marks the latest closed group completed and wakes
// every waiter blocked in WaitForCompleteStreamPosition/WaitForLatestClosedGroupState.
func (b *Base) NotifyGroupComplete() {
	b.setLatestClosedGroupStateBit(GroupCompleted)
	b.completeMu.Lock()
	b.completeCond.Broadcast()
	b.completeMu.Unlock()
}

// MarkCompletedUpToPosition records that every group ending at or before
// pos has now fully completed, and wakes anyone blocked in
// WaitForCompleteStreamPosition. Master/slave DoComplete call this right
// after NotifyGroupComplete: the master with the position its
// just-completed group's GROUP_COMMIT marker ended at, the slave with the
// marker's start position as reported by the dispatcher through
// SetCloseInfoForCurrentGroup.
func (b *Base) MarkCompletedUpToPosition(pos bytestream.Position) {
	b.completeMu.Lock()
	if pos > b.completedUpToPos {
		b.completedUpToPos = pos
	}
	b.completeCond.Broadcast()
	b.completeMu.Unlock()
}

// MarkLatestClosedGroupPreparedForComplete mirrors
// mark_latest_closed_group_prepared_for_complete.
func (b *Base) MarkLatestClosedGroupPreparedForComplete() {
	b.setLatestClosedGroupStateBit(GroupPreparedForComplete)
}

// IsLatestClosedGroupPreparedForComplete mirrors
// is_latest_closed_group_prepared_for_complete.
func (b *Base) IsLatestClosedGroupPreparedForComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestClosedGroupState&GroupPreparedForComplete != 0
}

// IsLatestClosedGroupMVCCCompleted mirrors
// is_latest_closed_group_mvcc_completed.
func (b *Base) IsLatestClosedGroupMVCCCompleted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestClosedGroupState&GroupMVCCCompleted != 0
}

// IsLatestClosedGroupLogged mirrors is_latest_closed_group_logged.
func (b *Base) IsLatestClosedGroupLogged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestClosedGroupState&GroupLogged != 0
}

// IsLatestClosedGroupCompleted mirrors is_latest_closed_group_completed.
func (b *Base) IsLatestClosedGroupCompleted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestClosedGroupState&GroupCompleted != 0
}

// IsLatestClosedGroupCompleteStarted mirrors
// is_latest_closed_group_complete_started.
func (b *Base) IsLatestClosedGroupCompleteStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestClosedGroupState&GroupCompleteStarted != 0
}

// StartsLatestClosedGroupComplete elects exactly one caller to perform
// the actual completion work for the latest closed group: it atomically
// checks-and-sets GroupCompleteStarted, returning true only for the
// caller that transitions the bit from unset to set. Mirrors
// starts_latest_closed_group_complete's CAS-style semantics.
func (b *Base) StartsLatestClosedGroupComplete() bool {
	b.mu.Lock()
	if b.latestClosedGroupState&GroupCompleteStarted != 0 {
		b.mu.Unlock()
		return false
	}
	b.latestClosedGroupState |= GroupCompleteStarted
	id := b.latestClosedGroupID
	b.mu.Unlock()
	b.watermark.Advance(id, GroupCompleteStarted)
	return true
}

// WaitForLatestClosedGroupState blocks until the group that is latest
// closed as of this call has accumulated at least the given state bit,
// replacing a spin-wait poll against IsLatestClosedGroupPreparedForComplete
// with a real condition-variable block via Watermark. If a later group
// closes and supersedes this one before target is reached, Wait returns
// immediately — CanCloseCurrentGroup never lets that happen before the
// superseded group itself passed through every earlier state bit,
// target included.
func (b *Base) WaitForLatestClosedGroupState(target GroupState) {
	id := b.GetLatestClosedGroupID()
	b.watermark.Wait(id, target)
}

// WaitForCompleteStreamPosition blocks until every group ending at or
// before pos has been fully completed, i.e. MarkCompletedUpToPosition has
// been called with at least pos. This is a reusable "wait for watermark"
// primitive; it mirrors wait_for_complete_stream_position as called from
// dispatch_daemon_task::execute against the previous GROUP_COMMIT
// marker's start position before the dispatcher closes the current one. See
// watermark.go for the more general group-id/state-bit form of the same
// primitive.
func (b *Base) WaitForCompleteStreamPosition(pos bytestream.Position) {
	b.completeMu.Lock()
	defer b.completeMu.Unlock()
	for b.completedUpToPos < pos {
		b.completeCond.Wait()
	}
}

// Complete drives id's group to full completion via the policy's
// DoComplete hook (MVCC completion is left to DoPrepareComplete), asserting id matches the currently tracked latest
// closed group (the base never completes an arbitrary historical group —
// only the single in-flight one), mirroring the public complete(id)
// entry point used by slave_group_complete_manager::complete_upto_stream_position.
func (b *Base) Complete(p Policy, id GroupID) error {
	b.mu.Lock()
	latest := b.latestClosedGroupID
	b.mu.Unlock()
	if id != latest {
		return errors.AssertionFailedf("groupcommit: Complete(%d) but latest closed group is %d", id, latest)
	}
	p.DoComplete()
	return nil
}
