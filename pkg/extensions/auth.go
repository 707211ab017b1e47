// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnauthorized is returned when a bearer token cannot be resolved to
// an identity. Implementations wrap it with context:
//
//	return "", fmt.Errorf("session expired: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// IdentityResolver maps a bearer token from the HTTP surface to an
// engine identity (hex ed25519 public key).
//
// Mutating operations carry their own signatures and do not need this;
// the resolver authenticates read endpoints and the trusted moderation
// surface, where there is no signed envelope to verify.
//
// Implementations must be safe for concurrent use.
//
// The open source default is NopResolver, which treats the token itself
// as the identity. Hosted deployments validate session tokens against
// their identity provider instead.
type IdentityResolver interface {
	// Resolve returns the identity for a token, or an error wrapping
	// ErrUnauthorized when the token is not valid.
	Resolve(ctx context.Context, token string) (string, error)
}

// NopResolver treats the presented token as the identity, unvalidated.
// Suitable only for single-operator deployments where the API is not
// exposed; anyone who can reach the port can read any identity's
// balance and reputation.
type NopResolver struct{}

// Resolve returns the token as the identity. Empty tokens are rejected
// so unauthenticated requests still fail closed.
func (NopResolver) Resolve(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token: %w", ErrUnauthorized)
	}
	return token, nil
}

// StaticResolver resolves tokens from a fixed table. For tests and
// small fixed-membership deployments.
type StaticResolver struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStaticResolver creates a resolver over a token→identity table.
func NewStaticResolver(tokens map[string]string) *StaticResolver {
	copied := make(map[string]string, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}
	return &StaticResolver{tokens: copied}
}

// Resolve looks the token up in the table.
func (r *StaticResolver) Resolve(_ context.Context, token string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.tokens[token]
	if !ok {
		return "", fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	return identity, nil
}

// Add registers a token at runtime.
func (r *StaticResolver) Add(token, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = identity
}

var (
	_ IdentityResolver = NopResolver{}
	_ IdentityResolver = (*StaticResolver)(nil)
)
