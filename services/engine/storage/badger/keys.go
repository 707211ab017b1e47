// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"encoding/binary"
	"fmt"
)

// Key layout. Task ids are encoded big-endian so prefix scans iterate in
// id order.
//
//	task/<id8>            Task (submissions embedded)
//	escrow/<id8>          EscrowAccount
//	bal/<identity>        BalanceRecord
//	rep/<identity>        ReputationRecord
//	ledger/<id8>/<uuid7>  LedgerEntry (audit rows, append-only)
//	journal/<id8>         SettlementJournalEntry
//	seq/task              task id sequence
const (
	prefixTask    = "task/"
	prefixEscrow  = "escrow/"
	prefixBalance = "bal/"
	prefixRep     = "rep/"
	prefixLedger  = "ledger/"
	prefixJournal = "journal/"

	// TaskSequenceKey backs the monotonic task id allocator.
	TaskSequenceKey = "seq/task"
)

func id8(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// TaskKey returns the storage key for a task record.
func TaskKey(id uint64) []byte {
	return append([]byte(prefixTask), id8(id)...)
}

// EscrowKey returns the storage key for a task's escrow account.
func EscrowKey(id uint64) []byte {
	return append([]byte(prefixEscrow), id8(id)...)
}

// BalanceKey returns the storage key for an identity's balance record.
func BalanceKey(identity string) []byte {
	return []byte(prefixBalance + identity)
}

// ReputationKey returns the storage key for an identity's reputation
// record.
func ReputationKey(identity string) []byte {
	return []byte(prefixRep + identity)
}

// LedgerKey returns the storage key for an audit ledger row. Entry ids
// are time-ordered (v7) uuids, so rows under one task never collide
// and scan in insertion order.
func LedgerKey(taskID uint64, entryID string) []byte {
	k := append([]byte(prefixLedger), id8(taskID)...)
	k = append(k, '/')
	return append(k, entryID...)
}

// JournalKey returns the storage key for a task's settlement journal
// entry.
func JournalKey(taskID uint64) []byte {
	return append([]byte(prefixJournal), id8(taskID)...)
}

// JournalPrefix is the scan prefix for settlement recovery.
func JournalPrefix() []byte {
	return []byte(prefixJournal)
}

// LedgerPrefix is the scan prefix for a single task's audit rows.
func LedgerPrefix(taskID uint64) []byte {
	return append([]byte(prefixLedger), id8(taskID)...)
}

// TaskIDFromJournalKey recovers the task id from a journal key produced
// by JournalKey.
func TaskIDFromJournalKey(key []byte) (uint64, error) {
	if len(key) != len(prefixJournal)+8 {
		return 0, fmt.Errorf("malformed journal key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(prefixJournal):]), nil
}
