// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package identity validates signed actions and role claims.
//
// # Relay model
//
// Every mutating action carries the acting identity's ed25519 signature
// over the action's canonical bytes. A relayer (trusted forwarder) may
// deliver the action and pay execution cost on the actor's behalf, but
// the signature is always checked against the actor's key: a relayer
// never gains the actor's authority, and an unregistered relayer is
// rejected outright.
//
// # Roles
//
// Moderators are ordinary identities listed in a yaml allow-list loaded
// at startup and hot-reloaded on change. Moderator status gates penalty
// issuance and dispute resolution; it grants nothing else.
//
// The authorizer only validates. It never mutates engine state.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/loopuman/settled/services/engine/datatypes"
)

// Authorizer validates signed actions against the forwarder registry and
// the moderator allow-list. Safe for concurrent use.
type Authorizer struct {
	forwarders map[string]bool
	allowList  *AllowList
	logger     *slog.Logger
}

// Config for the authorizer.
type Config struct {
	// TrustedForwarders are the relayer identities allowed to deliver
	// gasless actions. Loaded from service configuration at startup.
	TrustedForwarders []string

	// AllowList provides moderator membership. Required; use an
	// AllowList with no path for deployments without moderators.
	AllowList *AllowList

	// Logger for authorization failures. Nil uses slog.Default.
	Logger *slog.Logger
}

// NewAuthorizer creates an authorizer from config.
func NewAuthorizer(cfg Config) (*Authorizer, error) {
	if cfg.AllowList == nil {
		return nil, fmt.Errorf("allow list is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	forwarders := make(map[string]bool, len(cfg.TrustedForwarders))
	for _, f := range cfg.TrustedForwarders {
		if _, err := datatypes.PublicKeyFromIdentity(f); err != nil {
			return nil, fmt.Errorf("trusted forwarder: %w", err)
		}
		forwarders[f] = true
	}

	return &Authorizer{
		forwarders: forwarders,
		allowList:  cfg.AllowList,
		logger:     logger.With("component", "identity.Authorizer"),
	}, nil
}

// Authorize validates the action and returns the acting identity with
// its role context.
//
// Rules, in order:
//  1. the actor must be a well-formed identity (hex ed25519 public key);
//  2. if the action names a relayer other than the actor, the relayer
//     must be a registered trusted forwarder;
//  3. the signature must verify against the actor's key over the
//     action's canonical bytes. The relayer's key is never consulted.
//
// Any violation returns an error wrapping datatypes.ErrUnauthorized.
// Authorize has no side effects.
func (a *Authorizer) Authorize(_ context.Context, act *datatypes.Action) (*datatypes.AuthorizedAction, error) {
	if act == nil {
		return nil, fmt.Errorf("nil action: %w", datatypes.ErrUnauthorized)
	}

	pub, err := datatypes.PublicKeyFromIdentity(act.Actor)
	if err != nil {
		return nil, fmt.Errorf("actor: %v: %w", err, datatypes.ErrUnauthorized)
	}

	relayed := act.Relayer != "" && act.Relayer != act.Actor
	if relayed && !a.forwarders[act.Relayer] {
		a.logger.Warn("rejected action from unregistered relayer",
			"op", act.Op,
			"relayer", act.Relayer)
		return nil, fmt.Errorf("relayer %s not a trusted forwarder: %w",
			act.Relayer, datatypes.ErrUnauthorized)
	}

	sig, err := hex.DecodeString(act.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("malformed signature: %w", datatypes.ErrUnauthorized)
	}
	if !ed25519.Verify(pub, act.CanonicalBytes(), sig) {
		a.logger.Warn("rejected action with bad signature",
			"op", act.Op,
			"actor", act.Actor,
			"task_id", act.TaskID)
		return nil, fmt.Errorf("signature does not match actor: %w", datatypes.ErrUnauthorized)
	}

	return &datatypes.AuthorizedAction{
		Actor:     act.Actor,
		Op:        act.Op,
		TaskID:    act.TaskID,
		Relayed:   relayed,
		Moderator: a.allowList.Contains(act.Actor),
	}, nil
}

// IsModerator reports whether the identity is on the moderator
// allow-list right now.
func (a *Authorizer) IsModerator(identity string) bool {
	return a.allowList.Contains(identity)
}

// RequireOp rejects an authorized action whose op differs from want.
// Engine entry points call this so a signature minted for one operation
// can never drive another.
func RequireOp(auth *datatypes.AuthorizedAction, want string) error {
	if auth.Op != want {
		return fmt.Errorf("action signed for %q, not %q: %w",
			auth.Op, want, datatypes.ErrUnauthorized)
	}
	return nil
}
