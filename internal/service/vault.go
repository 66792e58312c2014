// Package service wires key derivation, issuance, the registry, rotation and
// the audit log into the operations the daemon exposes.
package service

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/viewkeys/internal/crypto"
	"github.com/and161185/viewkeys/internal/crypto/clientcrypto"
	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/keyhierarchy"
	"github.com/and161185/viewkeys/internal/limiter"
	"github.com/and161185/viewkeys/internal/metrics"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/repository"
)

// ChallengeTTL bounds how long a key challenge can be redeemed.
const ChallengeTTL = time.Minute

// Tokens is a bearer access token and its expiry.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Auditor receives service-level audit events.
type Auditor interface {
	Append(ctx context.Context, ev model.AuditEvent) (model.AuditEvent, error)
}

type session struct {
	owner uuid.UUID
	root  []byte
}

type challenge struct {
	party   uuid.UUID
	nonce   []byte
	expires time.Time
}

// Vault holds unlocked root secrets in memory and hands out opaque
// references to them. A root never leaves the process and is zeroed on Lock.
type Vault struct {
	owners    repository.OwnerRepository
	keys      *keyhierarchy.Manager
	dir       repository.GranteeKeyRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Limiter
	audit     Auditor
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time

	mu         sync.Mutex
	sessions   map[string]session
	challenges map[string]challenge
}

// VaultDeps groups the collaborators of a Vault.
type VaultDeps struct {
	Owners    repository.OwnerRepository
	Keys      *keyhierarchy.Manager
	Directory repository.GranteeKeyRepository
	SignKey   []byte
	AccessTTL time.Duration
	Limiter   limiter.Limiter
	Audit     Auditor
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

// NewVault constructs a Vault.
func NewVault(d VaultDeps) *Vault {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.AccessTTL <= 0 {
		d.AccessTTL = 15 * time.Minute
	}
	return &Vault{
		owners: d.Owners, keys: d.Keys, dir: d.Directory,
		signKey: d.SignKey, accessTTL: d.AccessTTL,
		lim: d.Limiter, audit: d.Audit, metrics: d.Metrics, log: d.Log,
		now:        time.Now,
		sessions:   make(map[string]session),
		challenges: make(map[string]challenge),
	}
}

// Enroll creates the party's profile from a passphrase, records version 1 of
// every key type and publishes the party's exchange public key.
func (v *Vault) Enroll(ctx context.Context, partyID uuid.UUID, passphrase []byte) (model.OwnerProfile, error) {
	if partyID == uuid.Nil || len(passphrase) == 0 {
		return model.OwnerProfile{}, fmt.Errorf("%w: empty party id or passphrase", errs.ErrInvalidArgument)
	}
	salt, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return model.OwnerProfile{}, err
	}
	root := pkgcrypto.HardenPassphrase(passphrase, salt)
	defer clear(root)

	p := model.OwnerProfile{
		OwnerID:     partyID,
		Salt:        salt,
		Fingerprint: pkgcrypto.Fingerprint(root),
		CreatedAt:   v.now().UTC(),
	}
	if err := v.owners.CreateOwner(ctx, p); err != nil {
		return model.OwnerProfile{}, err
	}
	if err := v.keys.Bootstrap(ctx, partyID); err != nil {
		return model.OwnerProfile{}, err
	}
	kp, err := keyhierarchy.Exchange(root, 1)
	if err != nil {
		return model.OwnerProfile{}, err
	}
	err = v.dir.PutGranteeKey(ctx, model.GranteeKey{GranteeID: partyID, PublicKey: kp.Public, Version: 1, CreatedAt: p.CreatedAt})
	if err != nil && !errors.Is(err, errs.ErrAlreadyExists) {
		return model.OwnerProfile{}, err
	}
	v.log.Info("party enrolled", zap.String("party", partyID.String()))
	return p, nil
}

func limiterSubject(kind string, id uuid.UUID) string { return kind + ":" + id.String() }

// Unlock re-derives the root from the passphrase, checks it against the
// stored verifier and keeps it in memory under a fresh reference. Failed
// attempts are rate limited per (party, peer).
func (v *Vault) Unlock(ctx context.Context, partyID uuid.UUID, passphrase []byte, peer string) (string, Tokens, error) {
	subject := limiterSubject("unlock", partyID)
	peerHash := limiter.HashPeer(peer)

	allowed, _, err := v.lim.Allow(ctx, subject, peerHash)
	if err != nil {
		return "", Tokens{}, err
	}
	if !allowed {
		return "", Tokens{}, errs.ErrRateLimited
	}

	p, err := v.owners.GetOwner(ctx, partyID)
	var root []byte
	if err == nil {
		root = pkgcrypto.HardenPassphrase(passphrase, p.Salt)
	}
	if err != nil || !pkgcrypto.VerifyFingerprint(root, p.Fingerprint) {
		clear(root)
		if blocked, _, ferr := v.lim.Failure(ctx, subject, peerHash); ferr == nil && blocked {
			return "", Tokens{}, errs.ErrRateLimited
		}
		return "", Tokens{}, errs.ErrUnauthorized
	}
	_ = v.lim.Success(ctx, subject, peerHash)

	raw, err := pkgcrypto.RandBytes(32)
	if err != nil {
		clear(root)
		return "", Tokens{}, err
	}
	ref := hex.EncodeToString(raw)
	tok, err := v.issueAccessToken(partyID)
	if err != nil {
		clear(root)
		return "", Tokens{}, err
	}

	v.mu.Lock()
	v.sessions[ref] = session{owner: partyID, root: root}
	n := len(v.sessions)
	v.mu.Unlock()
	v.metrics.SetUnlocked(n)

	if v.audit != nil {
		if _, err := v.audit.Append(ctx, model.AuditEvent{
			OwnerID: partyID, Type: model.AuditSecretUnlocked, ActorID: partyID,
		}); err != nil {
			v.log.Error("audit append failed", zap.Error(err))
		}
	}
	return ref, tok, nil
}

// Lock forgets and zeroes the root behind ref.
func (v *Vault) Lock(ref string) error {
	v.mu.Lock()
	s, ok := v.sessions[ref]
	delete(v.sessions, ref)
	n := len(v.sessions)
	v.mu.Unlock()
	if !ok {
		return errs.ErrLocked
	}
	clear(s.root)
	v.metrics.SetUnlocked(n)
	return nil
}

// Resolve returns the owner and a copy of the root behind ref. The caller
// should clear the copy when done.
func (v *Vault) Resolve(ref string) (uuid.UUID, []byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.sessions[ref]
	if !ok {
		return uuid.Nil, nil, errs.ErrLocked
	}
	return s.owner, append([]byte(nil), s.root...), nil
}

// RootFor returns a copy of any unlocked root of owner.
func (v *Vault) RootFor(owner uuid.UUID) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range v.sessions {
		if s.owner == owner {
			return append([]byte(nil), s.root...), nil
		}
	}
	return nil, errs.ErrLocked
}

// ChallengeAAD is the associated data a key challenge is sealed with.
func ChallengeAAD(partyID uuid.UUID, challengeID string) []byte {
	return []byte("viewkeys/challenge/" + partyID.String() + "/" + challengeID)
}

// Challenge seals a random nonce to the party's published exchange key.
// Parties that keep their root on their own device authenticate by
// returning the nonce to Redeem.
func (v *Vault) Challenge(ctx context.Context, partyID uuid.UUID) (string, []byte, error) {
	k, err := v.dir.GetGranteeKey(ctx, partyID)
	if err != nil {
		return "", nil, errs.Opaque(err)
	}
	nonce, err := pkgcrypto.RandBytes(32)
	if err != nil {
		return "", nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", nil, err
	}
	cid := id.String()
	sealed, err := clientcrypto.SealTo(k.PublicKey, ChallengeAAD(partyID, cid), nonce)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", errs.ErrEncryption, err)
	}

	now := v.now()
	v.mu.Lock()
	for key, c := range v.challenges {
		if now.After(c.expires) {
			delete(v.challenges, key)
		}
	}
	v.challenges[cid] = challenge{party: partyID, nonce: nonce, expires: now.Add(ChallengeTTL)}
	v.mu.Unlock()
	return cid, sealed, nil
}

// Redeem exchanges an opened challenge nonce for an access token. A
// challenge is single use.
func (v *Vault) Redeem(ctx context.Context, challengeID string, nonce []byte, peer string) (uuid.UUID, Tokens, error) {
	v.mu.Lock()
	c, ok := v.challenges[challengeID]
	delete(v.challenges, challengeID)
	v.mu.Unlock()
	if !ok {
		return uuid.Nil, Tokens{}, errs.ErrUnauthorized
	}

	subject := limiterSubject("redeem", c.party)
	peerHash := limiter.HashPeer(peer)
	if allowed, _, err := v.lim.Allow(ctx, subject, peerHash); err != nil {
		return uuid.Nil, Tokens{}, err
	} else if !allowed {
		return uuid.Nil, Tokens{}, errs.ErrRateLimited
	}
	if v.now().After(c.expires) || subtle.ConstantTimeCompare(c.nonce, nonce) != 1 {
		if blocked, _, ferr := v.lim.Failure(ctx, subject, peerHash); ferr == nil && blocked {
			return uuid.Nil, Tokens{}, errs.ErrRateLimited
		}
		return uuid.Nil, Tokens{}, errs.ErrUnauthorized
	}
	_ = v.lim.Success(ctx, subject, peerHash)

	tok, err := v.issueAccessToken(c.party)
	return c.party, tok, err
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (v *Vault) issueAccessToken(partyID uuid.UUID) (Tokens, error) {
	now := v.now()
	exp := now.Add(v.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   partyID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.signKey)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{AccessToken: signed, ExpiresAt: exp}, nil
}
