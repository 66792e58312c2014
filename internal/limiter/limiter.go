// Package limiter throttles repeated access denials so a grantee cannot probe
// an owner's grants by brute force.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter tracks denied CheckAccess calls per (subject, peer) and places a
// temporary block once too many land inside the window.
type Limiter interface {
	// Allow reports whether a check may run now, with an optional retry-after.
	Allow(ctx context.Context, subject string, peerHash []byte) (bool, time.Duration, error)
	// Success resets counters after an allowed check.
	Success(ctx context.Context, subject string, peerHash []byte) error
	// Failure records a denial; may place a temporary block.
	Failure(ctx context.Context, subject string, peerHash []byte) (bool, time.Duration, error)
}

// HashPeer returns a stable hash for a peer address so raw addresses are
// never stored.
func HashPeer(addr string) []byte {
	h := sha256.Sum256([]byte(addr))
	return h[:]
}
