// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// EscrowAccount holds a task's locked reward from creation to settlement.
// 1:1 with its task, created with it, consumed exactly once: either
// payout+fee on release, or full refund on cancellation — never both.
type EscrowAccount struct {
	TaskID       uint64    `json:"task_id"`
	Creator      string    `json:"creator"`
	LockedAmount int64     `json:"locked_amount"`
	Released     bool      `json:"released"`
	LockedAt     time.Time `json:"locked_at"`
}

// BalanceRecord is an identity's available (non-escrowed) balance in the
// smallest token unit. Funding arrives through Deposit from the external
// payment rails; the engine itself never mints.
type BalanceRecord struct {
	Identity  string    `json:"identity"`
	Available int64     `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ledger entry types. Every balance movement writes one row per affected
// account, so fund conservation can be audited after the fact:
// sum(escrow_lock) == sum(escrow_release + platform_fee + refund).
const (
	LedgerEntryDeposit       = "deposit"
	LedgerEntryEscrowLock    = "escrow_lock"
	LedgerEntryEscrowRelease = "escrow_release"
	LedgerEntryTaskEarning   = "task_earning"
	LedgerEntryPlatformFee   = "platform_fee"
	LedgerEntryRefund        = "refund"
)

// LedgerEntry is one append-only audit row. Amount is signed from the
// account's perspective: negative when the account is debited.
type LedgerEntry struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	TaskID       uint64    `json:"task_id,omitempty"`
	EntryType    string    `json:"entry_type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReputationRecord is the per-identity, soulbound score store. There is no
// transfer operation anywhere in the engine's surface; a record is bound
// to its identity by construction.
type ReputationRecord struct {
	Identity string `json:"identity"`

	// Score never goes below zero; penalties floor at zero.
	Score int64 `json:"score"`

	// DailyDelta is the net change applied today via normal credits.
	// Clamped so its magnitude never exceeds the configured daily cap.
	// Moderator penalties bypass the cap and do not touch this field.
	DailyDelta int64 `json:"daily_delta"`

	// LastUpdateDay is the UTC day ("2006-01-02") of the last touch.
	// DailyDelta resets lazily when a new day is observed; there is no
	// background rollover job.
	LastUpdateDay string `json:"last_update_day"`
}

// SettlementStage marks how far a journaled settlement has progressed.
type SettlementStage string

const (
	SettlementPending   SettlementStage = "pending"
	SettlementCommitted SettlementStage = "committed"
)

// SettlementJournalEntry is the idempotent settlement intent, keyed by
// task id. It is written before the settlement transaction and marked
// committed inside it, so a crash mid-settlement can be resumed on
// startup without double payout or double credit.
type SettlementJournalEntry struct {
	JournalID       string          `json:"journal_id"`
	TaskID          uint64          `json:"task_id"`
	SubmissionIndex int             `json:"submission_index"`
	Worker          string          `json:"worker"`
	Stage           SettlementStage `json:"stage"`
	CreatedAt       time.Time       `json:"created_at"`
	CommittedAt     *time.Time      `json:"committed_at,omitempty"`
}

// SettlementResult is returned to the caller on a successful acceptance.
type SettlementResult struct {
	TaskID          uint64 `json:"task_id"`
	SubmissionIndex int    `json:"submission_index"`
	Worker          string `json:"worker"`
	Payout          int64  `json:"payout"`
	Fee             int64  `json:"fee"`
	CreditRequested int64  `json:"credit_requested"`
	CreditApplied   int64  `json:"credit_applied"`
	NewScore        int64  `json:"new_score"`
}
