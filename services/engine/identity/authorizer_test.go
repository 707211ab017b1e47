// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loopuman/settled/services/engine/datatypes"
)

type keypair struct {
	identity string
	priv     ed25519.PrivateKey
}

func newKeypair(t *testing.T) keypair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return keypair{identity: datatypes.IdentityFromPublicKey(pub), priv: priv}
}

func newAuthorizer(t *testing.T, forwarders []string, moderators ...string) *Authorizer {
	t.Helper()
	auth, err := NewAuthorizer(Config{
		TrustedForwarders: forwarders,
		AllowList:         StaticAllowList(moderators...),
	})
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	return auth
}

func signedAction(kp keypair, op string, taskID uint64) *datatypes.Action {
	act := &datatypes.Action{
		Op:     op,
		TaskID: taskID,
		Actor:  kp.identity,
		Nonce:  "n-1",
		Args:   map[string]string{"payload": "ipfs://result"},
	}
	act.Sign(kp.priv)
	return act
}

func TestAuthorize_DirectAction(t *testing.T) {
	worker := newKeypair(t)
	auth := newAuthorizer(t, nil)

	got, err := auth.Authorize(context.Background(), signedAction(worker, datatypes.OpSubmitWork, 9))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got.Actor != worker.identity {
		t.Errorf("actor: got %s, want %s", got.Actor, worker.identity)
	}
	if got.Relayed || got.Moderator {
		t.Errorf("unexpected flags: relayed=%v moderator=%v", got.Relayed, got.Moderator)
	}
}

func TestAuthorize_RelayedAction(t *testing.T) {
	worker := newKeypair(t)
	relayer := newKeypair(t)

	t.Run("registered forwarder carries authority of the signer only", func(t *testing.T) {
		auth := newAuthorizer(t, []string{relayer.identity})

		act := signedAction(worker, datatypes.OpSubmitWork, 5)
		act.Relayer = relayer.identity

		got, err := auth.Authorize(context.Background(), act)
		if err != nil {
			t.Fatalf("authorize relayed action: %v", err)
		}
		if got.Actor != worker.identity {
			t.Errorf("recorded identity must be the worker, got %s", got.Actor)
		}
		if !got.Relayed {
			t.Error("relayed flag not set")
		}
	})

	t.Run("unregistered relayer is rejected", func(t *testing.T) {
		auth := newAuthorizer(t, nil)

		act := signedAction(worker, datatypes.OpSubmitWork, 5)
		act.Relayer = relayer.identity

		if _, err := auth.Authorize(context.Background(), act); !errors.Is(err, datatypes.ErrUnauthorized) {
			t.Errorf("got %v, want ErrUnauthorized", err)
		}
	})

	t.Run("relayer cannot substitute its own signature", func(t *testing.T) {
		auth := newAuthorizer(t, []string{relayer.identity})

		act := signedAction(worker, datatypes.OpSubmitWork, 5)
		act.Relayer = relayer.identity
		act.Sign(relayer.priv) // relayer signs over the worker's action

		if _, err := auth.Authorize(context.Background(), act); !errors.Is(err, datatypes.ErrUnauthorized) {
			t.Errorf("got %v, want ErrUnauthorized", err)
		}
	})
}

func TestAuthorize_TamperedContent(t *testing.T) {
	worker := newKeypair(t)
	auth := newAuthorizer(t, nil)

	act := signedAction(worker, datatypes.OpSubmitWork, 5)
	act.Args["payload"] = "ipfs://swapped"

	if _, err := auth.Authorize(context.Background(), act); !errors.Is(err, datatypes.ErrUnauthorized) {
		t.Errorf("tampered args accepted: %v", err)
	}
}

func TestAuthorize_MalformedInputs(t *testing.T) {
	worker := newKeypair(t)
	auth := newAuthorizer(t, nil)

	cases := []struct {
		name   string
		mutate func(*datatypes.Action)
	}{
		{"bad actor", func(a *datatypes.Action) { a.Actor = "not-hex" }},
		{"empty signature", func(a *datatypes.Action) { a.Signature = "" }},
		{"truncated signature", func(a *datatypes.Action) { a.Signature = a.Signature[:8] }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			act := signedAction(worker, datatypes.OpCancelTask, 1)
			tc.mutate(act)
			if _, err := auth.Authorize(context.Background(), act); !errors.Is(err, datatypes.ErrUnauthorized) {
				t.Errorf("got %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestAuthorize_ModeratorFlag(t *testing.T) {
	mod := newKeypair(t)
	auth := newAuthorizer(t, nil, mod.identity)

	got, err := auth.Authorize(context.Background(), signedAction(mod, datatypes.OpPenalize, 0))
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !got.Moderator {
		t.Error("moderator flag not set for allow-listed identity")
	}
	if !auth.IsModerator(mod.identity) {
		t.Error("IsModerator disagrees with allow list")
	}
}

func TestRequireOp(t *testing.T) {
	auth := &datatypes.AuthorizedAction{Op: datatypes.OpSubmitWork}
	if err := RequireOp(auth, datatypes.OpSubmitWork); err != nil {
		t.Errorf("matching op rejected: %v", err)
	}
	if err := RequireOp(auth, datatypes.OpAcceptSubmission); !errors.Is(err, datatypes.ErrUnauthorized) {
		t.Errorf("cross-op signature accepted: %v", err)
	}
}

func TestAllowList_ReloadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moderators.yaml")

	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0640); err != nil {
			t.Fatalf("write allow list: %v", err)
		}
	}

	write("moderators:\n  - aaa111\n")
	list, err := NewAllowList(path, nil)
	if err != nil {
		t.Fatalf("load allow list: %v", err)
	}
	if !list.Contains("aaa111") || list.Contains("bbb222") {
		t.Fatal("initial membership wrong")
	}

	write("moderators:\n  - bbb222\n")
	if err := list.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if list.Contains("aaa111") || !list.Contains("bbb222") {
		t.Error("reload did not swap membership")
	}

	t.Run("bad file keeps previous set", func(t *testing.T) {
		write(":: not yaml ::")
		if err := list.Reload(); err == nil {
			t.Error("expected reload error")
		}
		if !list.Contains("bbb222") {
			t.Error("failed reload dropped the previous set")
		}
	})
}

func TestAllowList_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moderators.yaml")
	if err := os.WriteFile(path, []byte("moderators: []\n"), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	list, err := NewAllowList(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := list.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer list.Close()

	if err := os.WriteFile(path, []byte("moderators:\n  - ccc333\n"), 0640); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if list.Contains("ccc333") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("watcher did not pick up the new moderator")
}
