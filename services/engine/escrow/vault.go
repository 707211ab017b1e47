// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package escrow holds reward funds in custody between task creation and
// settlement.
//
// The vault owns two kinds of records: per-identity balances and
// per-task escrow accounts. Funds move between them in exactly three
// ways:
//
//	lock     creator balance  → escrow account   (task creation)
//	release  escrow account   → worker + platform (acceptance; 2% fee)
//	refund   escrow account   → creator balance   (cancellation)
//
// An escrow account is consumed at most once: release and refund both
// flip the Released flag, and either path called on a consumed account
// fails with ErrAlreadyReleased. Every movement appends audit ledger
// rows, so fund conservation is checkable after the fact.
//
// The consumption operations take a caller-supplied Badger transaction;
// the settlement coordinator composes them with the reputation credit
// and the task state transition in one atomic commit.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/loopuman/settled/services/engine/datatypes"
	storage "github.com/loopuman/settled/services/engine/storage/badger"
)

// Vault is the escrow fund custodian. Callers serialize per-task access
// through the engine's keyed locks; the vault itself does not lock.
type Vault struct {
	db       *storage.DB
	platform string
	logger   *slog.Logger
	now      func() time.Time
}

// NewVault creates a vault that pays fees to platformAccount.
func NewVault(db *storage.DB, platformAccount string, logger *slog.Logger) (*Vault, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if platformAccount == "" {
		return nil, fmt.Errorf("platform account is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		db:       db,
		platform: platformAccount,
		logger:   logger.With("component", "escrow.Vault"),
		now:      time.Now,
	}, nil
}

// Deposit adds funds to an identity's available balance. This is the
// funding entry from the external payment rails; the engine never mints
// on its own.
func (v *Vault) Deposit(ctx context.Context, identity string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deposit of %d units: %w", amount, datatypes.ErrInvalidAmount)
	}

	var newBalance int64
	err := v.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		bal, err := v.adjustBalance(txn, identity, amount, datatypes.LedgerEntryDeposit, 0)
		newBalance = bal
		return err
	})
	if err != nil {
		return 0, err
	}

	v.logger.Info("deposit applied",
		"identity", identity,
		"amount", amount,
		"balance", newBalance)
	return newBalance, nil
}

// BalanceOf returns an identity's available balance. Unknown identities
// hold zero; this read never fails on a missing record.
func (v *Vault) BalanceOf(ctx context.Context, identity string) (int64, error) {
	var balance int64
	err := v.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		rec, err := v.balance(txn, identity)
		if err != nil {
			return err
		}
		balance = rec.Available
		return nil
	})
	return balance, err
}

// Lock moves amount from the creator's balance into a fresh escrow
// account for taskID. Runs inside the caller's transaction so task
// creation and the lock commit together.
func (v *Vault) Lock(txn *badgerdb.Txn, taskID uint64, creator string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("escrow lock of %d units: %w", amount, datatypes.ErrInvalidAmount)
	}
	if err := storage.GetJSON(txn, storage.EscrowKey(taskID), &datatypes.EscrowAccount{}); err == nil {
		return fmt.Errorf("task %d already has an escrow account: %w", taskID, datatypes.ErrInvalidState)
	} else if !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}

	if _, err := v.adjustBalance(txn, creator, -amount, datatypes.LedgerEntryEscrowLock, taskID); err != nil {
		return err
	}

	account := datatypes.EscrowAccount{
		TaskID:       taskID,
		Creator:      creator,
		LockedAmount: amount,
		LockedAt:     v.now().UTC(),
	}
	return storage.SetJSON(txn, storage.EscrowKey(taskID), account)
}

// Release consumes the escrow account: amount-fee to the beneficiary,
// fee to the platform account. The fee floors on integer division; the
// remainder stays with the payout, never lost, never double-counted.
// A second consumption fails with ErrAlreadyReleased and changes
// nothing.
func (v *Vault) Release(txn *badgerdb.Txn, taskID uint64, beneficiary string) (payout, fee int64, err error) {
	account, err := v.consume(txn, taskID)
	if err != nil {
		return 0, 0, err
	}

	fee = account.LockedAmount * datatypes.FeeBps / datatypes.BpsDenominator
	payout = account.LockedAmount - fee

	if _, err := v.adjustBalance(txn, beneficiary, payout, datatypes.LedgerEntryTaskEarning, taskID); err != nil {
		return 0, 0, err
	}
	if fee > 0 {
		if _, err := v.adjustBalance(txn, v.platform, fee, datatypes.LedgerEntryPlatformFee, taskID); err != nil {
			return 0, 0, err
		}
	}
	if err := v.ledgerRow(txn, account.Creator, taskID, datatypes.LedgerEntryEscrowRelease, -account.LockedAmount, 0); err != nil {
		return 0, 0, err
	}
	return payout, fee, nil
}

// Refund consumes the escrow account by returning the full locked
// amount to the creator.
func (v *Vault) Refund(txn *badgerdb.Txn, taskID uint64) (int64, error) {
	account, err := v.consume(txn, taskID)
	if err != nil {
		return 0, err
	}
	if _, err := v.adjustBalance(txn, account.Creator, account.LockedAmount, datatypes.LedgerEntryRefund, taskID); err != nil {
		return 0, err
	}
	return account.LockedAmount, nil
}

// Account returns a task's escrow account.
func (v *Vault) Account(ctx context.Context, taskID uint64) (*datatypes.EscrowAccount, error) {
	var account datatypes.EscrowAccount
	err := v.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		return storage.GetJSON(txn, storage.EscrowKey(taskID), &account)
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("escrow for task %d: %w", taskID, datatypes.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// LedgerRows returns a task's audit rows in insertion order: row ids
// are time-ordered uuids, so the key scan walks them oldest first.
func (v *Vault) LedgerRows(ctx context.Context, taskID uint64) ([]datatypes.LedgerEntry, error) {
	var rows []datatypes.LedgerEntry
	err := v.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = storage.LedgerPrefix(taskID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var row datatypes.LedgerEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

// consume loads the account and flips Released, enforcing single
// consumption.
func (v *Vault) consume(txn *badgerdb.Txn, taskID uint64) (*datatypes.EscrowAccount, error) {
	var account datatypes.EscrowAccount
	if err := storage.GetJSON(txn, storage.EscrowKey(taskID), &account); err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, fmt.Errorf("escrow for task %d: %w", taskID, datatypes.ErrNotFound)
		}
		return nil, err
	}
	if account.Released {
		return nil, fmt.Errorf("escrow for task %d: %w", taskID, datatypes.ErrAlreadyReleased)
	}
	account.Released = true
	if err := storage.SetJSON(txn, storage.EscrowKey(taskID), account); err != nil {
		return nil, err
	}
	return &account, nil
}

// balance loads an identity's balance record, defaulting to zero.
func (v *Vault) balance(txn *badgerdb.Txn, identity string) (datatypes.BalanceRecord, error) {
	rec := datatypes.BalanceRecord{Identity: identity}
	err := storage.GetJSON(txn, storage.BalanceKey(identity), &rec)
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return rec, err
	}
	return rec, nil
}

// adjustBalance applies a signed delta to an identity's balance and
// appends the matching audit row.
func (v *Vault) adjustBalance(txn *badgerdb.Txn, identity string, delta int64, entryType string, taskID uint64) (int64, error) {
	rec, err := v.balance(txn, identity)
	if err != nil {
		return 0, err
	}
	next := rec.Available + delta
	if next < 0 {
		return 0, fmt.Errorf("%s has %d units, needs %d: %w",
			identity, rec.Available, -delta, datatypes.ErrInsufficientBalance)
	}
	rec.Available = next
	rec.UpdatedAt = v.now().UTC()
	if err := storage.SetJSON(txn, storage.BalanceKey(identity), rec); err != nil {
		return 0, err
	}
	if err := v.ledgerRow(txn, identity, taskID, entryType, delta, next); err != nil {
		return 0, err
	}
	return next, nil
}

func (v *Vault) ledgerRow(txn *badgerdb.Txn, account string, taskID uint64, entryType string, amount, balanceAfter int64) error {
	row := datatypes.LedgerEntry{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Account:      account,
		TaskID:       taskID,
		EntryType:    entryType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		CreatedAt:    v.now().UTC(),
	}
	return storage.SetJSON(txn, storage.LedgerKey(taskID, row.ID), row)
}
