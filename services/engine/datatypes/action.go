// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Operation names carried in signed actions. Each engine entry point
// accepts exactly one op, so a signature for one operation can never be
// replayed against another.
const (
	OpCreateTask       = "create_task"
	OpSubmitWork       = "submit_work"
	OpAcceptSubmission = "accept_submission"
	OpCancelTask       = "cancel_task"
	OpDisputeTask      = "dispute_task"
	OpPenalize         = "penalize"
)

// Action is the signed envelope for every mutating call.
//
// The acting identity signs the canonical byte encoding of the action with
// its ed25519 key. A relayer may carry the action on the actor's behalf and
// pay execution cost, but the relayer field is deliberately outside the
// signed content: the signature binds the actor to the operation, and the
// relayer gains no authority by delivering it.
//
// Identities are lowercase hex encodings of ed25519 public keys. The
// engine never resolves phone numbers or chat handles to identities; the
// messaging adapters do that before an action reaches us.
type Action struct {
	// Op is one of the Op* constants.
	Op string `json:"op" validate:"required"`

	// TaskID is zero for create_task (the id is assigned by the engine)
	// and for penalize (which targets an identity, not a task).
	TaskID uint64 `json:"task_id"`

	// Actor is the acting identity: hex ed25519 public key, 64 chars.
	Actor string `json:"actor" validate:"required,len=64,hexadecimal"`

	// Relayer is the trusted forwarder delivering a gasless action.
	// Empty for direct calls. Not covered by the signature.
	Relayer string `json:"relayer,omitempty"`

	// Nonce makes otherwise-identical actions sign differently. The
	// authorizer does not keep a replay cache; replay safety comes from
	// lifecycle invariants (duplicate submission, terminal states).
	Nonce string `json:"nonce" validate:"required"`

	// Args carries the operation parameters as strings: "reward",
	// "deadline" (RFC 3339), "payload", "submission_index", "target",
	// "amount". Covered by the signature in sorted key order.
	Args map[string]string `json:"args,omitempty"`

	// Signature is hex(ed25519.Sign(actorKey, CanonicalBytes())).
	Signature string `json:"signature" validate:"required,hexadecimal"`
}

// CanonicalBytes returns the exact bytes the actor signs: op, task id,
// actor, nonce, then args as sorted "k=v" lines, newline-separated. The
// relayer and signature fields are excluded.
func (a *Action) CanonicalBytes() []byte {
	parts := []string{
		a.Op,
		strconv.FormatUint(a.TaskID, 10),
		a.Actor,
		a.Nonce,
	}
	keys := make([]string, 0, len(a.Args))
	for k := range a.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+a.Args[k])
	}
	return []byte(strings.Join(parts, "\n"))
}

// Arg returns the named argument, or "" when absent.
func (a *Action) Arg(key string) string {
	return a.Args[key]
}

// Sign computes and attaches the signature for the action's canonical
// bytes. Used by tests and by SDK-side callers; the engine itself only
// ever verifies.
func (a *Action) Sign(priv ed25519.PrivateKey) {
	a.Signature = hex.EncodeToString(ed25519.Sign(priv, a.CanonicalBytes()))
}

// IdentityFromPublicKey converts an ed25519 public key to its canonical
// identity string.
func IdentityFromPublicKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// PublicKeyFromIdentity decodes an identity string back to a public key.
func PublicKeyFromIdentity(identity string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(identity)
	if err != nil {
		return nil, fmt.Errorf("decoding identity %q: %w", identity, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity %q: got %d bytes, want %d",
			identity, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// AuthorizedAction is the authorizer's output: the validated acting
// identity and its role context. Handlers and components downstream of
// the authorizer trust this struct and never look at signatures again.
type AuthorizedAction struct {
	// Actor is the validated acting identity. When the action was
	// relayed, this is still the signer, never the relayer.
	Actor string

	// Op is the validated operation name.
	Op string

	// TaskID echoes the action's task id.
	TaskID uint64

	// Relayed is true when a trusted forwarder delivered the action.
	Relayed bool

	// Moderator is true when the actor is on the moderator allow-list.
	Moderator bool
}
