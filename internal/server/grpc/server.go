// Package grpcserver exposes the viewkeys.v1.Sharing gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/viewkeys/internal/api"
	"github.com/and161185/viewkeys/internal/convert"
	"github.com/and161185/viewkeys/internal/errs"
	"github.com/and161185/viewkeys/internal/model"
	"github.com/and161185/viewkeys/internal/service"
)

// Server wires the sharing service into gRPC handlers.
type Server struct {
	svc     *service.Sharing
	signKey []byte
	log     *zap.Logger
}

var _ api.SharingServer = (*Server)(nil)

// New constructs a gRPC server around svc.
func New(svc *service.Sharing, signKey []byte, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{svc: svc, signKey: signKey, log: log}
}

// toStatus maps domain errors to gRPC codes. Every grant-check failure
// leaves as the same NotFound("not available").
func (s *Server) toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrAccessDenied), errors.Is(err, errs.ErrNotFound),
		errors.Is(err, errs.ErrExpiredGrant), errors.Is(err, errs.ErrRevokedGrant):
		return status.Error(codes.NotFound, errs.ErrAccessDenied.Error())
	case errors.Is(err, errs.ErrScopeViolation), errors.Is(err, errs.ErrDelegationDepth):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, errs.ErrConcurrentRotation):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "bad credentials")
	case errors.Is(err, errs.ErrLocked), errors.Is(err, errs.ErrRetentionHorizon):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errs.ErrInvalidArgument), errors.Is(err, errs.ErrDerivation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	}
	s.log.Error("request failed", zap.String("op", op), zap.Error(err))
	return status.Errorf(codes.Internal, "%s: internal", op)
}

func (s *Server) caller(ctx context.Context) (uuid.UUID, error) {
	if id, ok := PartyIDFromCtx(ctx); ok {
		return id, nil
	}
	id, err := partyIDFromToken(ctx, s.signKey)
	if err != nil {
		return uuid.Nil, status.Error(codes.Unauthenticated, "no auth")
	}
	return id, nil
}

// ownerRef checks that ref belongs to the authenticated caller. A foreign
// reference looks locked.
func (s *Server) ownerRef(ctx context.Context, ref string) error {
	id, err := s.caller(ctx)
	if err != nil {
		return err
	}
	owner, root, err := s.svc.Vault().Resolve(ref)
	clear(root)
	if err != nil || owner != id {
		return status.Error(codes.FailedPrecondition, errs.ErrLocked.Error())
	}
	return nil
}

func badArg(err error) error { return status.Error(codes.InvalidArgument, err.Error()) }

// --- Secrets and identity ---

// Enroll creates a party profile from a passphrase.
func (s *Server) Enroll(ctx context.Context, req *api.EnrollRequest) (*api.EnrollResponse, error) {
	id, err := convert.ParseID("party_id", req.PartyID)
	if err != nil {
		return nil, badArg(err)
	}
	if len(req.Passphrase) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty passphrase")
	}
	p, err := s.svc.Vault().Enroll(ctx, id, req.Passphrase)
	if err != nil {
		return nil, s.toStatus("enroll", err)
	}
	return &api.EnrollResponse{PartyID: p.OwnerID.String(), Salt: p.Salt, CreatedAt: p.CreatedAt}, nil
}

// Unlock keeps the owner's root in daemon memory and returns a reference
// to it together with an access token.
func (s *Server) Unlock(ctx context.Context, req *api.UnlockRequest) (*api.UnlockResponse, error) {
	id, err := convert.ParseID("party_id", req.PartyID)
	if err != nil {
		return nil, badArg(err)
	}
	ref, tok, err := s.svc.Vault().Unlock(ctx, id, req.Passphrase, remoteAddr(ctx))
	if err != nil {
		return nil, s.toStatus("unlock", err)
	}
	return &api.UnlockResponse{SecretRef: ref, AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt}, nil
}

// Lock forgets an unlocked root.
func (s *Server) Lock(ctx context.Context, req *api.LockRequest) (*api.Empty, error) {
	if err := s.ownerRef(ctx, req.SecretRef); err != nil {
		return nil, err
	}
	if err := s.svc.Vault().Lock(req.SecretRef); err != nil {
		return nil, s.toStatus("lock", err)
	}
	return &api.Empty{}, nil
}

// Challenge starts key-based login for parties that keep their root locally.
func (s *Server) Challenge(ctx context.Context, req *api.ChallengeRequest) (*api.ChallengeResponse, error) {
	id, err := convert.ParseID("party_id", req.PartyID)
	if err != nil {
		return nil, badArg(err)
	}
	cid, sealed, err := s.svc.Vault().Challenge(ctx, id)
	if err != nil {
		return nil, s.toStatus("challenge", err)
	}
	return &api.ChallengeResponse{ChallengeID: cid, Sealed: sealed}, nil
}

// Redeem exchanges an opened challenge for an access token.
func (s *Server) Redeem(ctx context.Context, req *api.RedeemRequest) (*api.TokenResponse, error) {
	party, tok, err := s.svc.Vault().Redeem(ctx, req.ChallengeID, req.Nonce, remoteAddr(ctx))
	if err != nil {
		return nil, s.toStatus("redeem", err)
	}
	return &api.TokenResponse{PartyID: party.String(), AccessToken: tok.AccessToken, ExpiresAt: tok.ExpiresAt}, nil
}

// PublishKey stores a new exchange public key for the caller.
func (s *Server) PublishKey(ctx context.Context, req *api.PublishKeyRequest) (*api.PublishKeyResponse, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	k, err := s.svc.PublishExchangeKey(ctx, id, req.PublicKey)
	if err != nil {
		return nil, s.toStatus("publish key", err)
	}
	return &api.PublishKeyResponse{Version: k.Version}, nil
}

// --- Grants ---

// IssueGrant issues an owner grant.
func (s *Server) IssueGrant(ctx context.Context, req *api.IssueGrantRequest) (*api.GrantResponse, error) {
	if err := s.ownerRef(ctx, req.SecretRef); err != nil {
		return nil, err
	}
	grantee, err := convert.ParseID("grantee_id", req.GranteeID)
	if err != nil {
		return nil, badArg(err)
	}
	scope, err := convert.FromScope(req.Scope)
	if err != nil {
		return nil, badArg(err)
	}
	g, err := s.svc.IssueGrant(ctx, req.SecretRef, service.GrantRequest{GranteeID: grantee, Scope: scope, ExpiresAt: req.ExpiresAt})
	if err != nil {
		return nil, s.toStatus("issue grant", err)
	}
	return &api.GrantResponse{Grant: convert.ToGrant(*g)}, nil
}

// DelegateGrant issues a narrower grant off one the caller holds.
func (s *Server) DelegateGrant(ctx context.Context, req *api.DelegateGrantRequest) (*api.GrantResponse, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	parent, err := convert.ParseID("parent_grant_id", req.ParentGrantID)
	if err != nil {
		return nil, badArg(err)
	}
	grantee, err := convert.ParseID("grantee_id", req.GranteeID)
	if err != nil {
		return nil, badArg(err)
	}
	scope, err := convert.FromScope(req.Scope)
	if err != nil {
		return nil, badArg(err)
	}
	g, err := s.svc.DelegateGrant(ctx, id, parent, req.ParentViewKey, service.GrantRequest{GranteeID: grantee, Scope: scope, ExpiresAt: req.ExpiresAt})
	if err != nil {
		return nil, s.toStatus("delegate grant", err)
	}
	return &api.GrantResponse{Grant: convert.ToGrant(*g)}, nil
}

// PollGrants returns the caller's grant packages.
func (s *Server) PollGrants(ctx context.Context, _ *api.Empty) (*api.PollResponse, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.PollGrants(ctx, id)
	if err != nil {
		return nil, s.toStatus("poll grants", err)
	}
	return &api.PollResponse{Packages: res.Packages, NextPollAfter: res.NextPollAfter}, nil
}

// Revoke revokes a grant. A hard revoke also rotates the owner's sharing key.
func (s *Server) Revoke(ctx context.Context, req *api.RevokeRequest) (*api.RevokeResponse, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	gid, err := convert.ParseID("grant_id", req.GrantID)
	if err != nil {
		return nil, badArg(err)
	}
	mode := model.RevokeMode(req.Mode)
	if mode == "" {
		mode = model.RevokeSoft
	}
	if !mode.Valid() {
		return nil, status.Error(codes.InvalidArgument, "bad mode")
	}
	res, err := s.svc.Revoke(ctx, id, gid, mode)
	if err != nil {
		if res.Grant != nil {
			s.log.Warn("grant revoked but rotation did not start",
				zap.String("grant", gid.String()), zap.Error(err))
		}
		return nil, s.toStatus("revoke", err)
	}
	out := &api.RevokeResponse{Grant: convert.ToGrant(*res.Grant), Changed: res.Changed}
	if res.Rotation != nil {
		r := convert.ToRotation(*res.Rotation)
		out.Rotation = &r
	}
	return out, nil
}

// ListGrants lists the owner's grants.
func (s *Server) ListGrants(ctx context.Context, req *api.ListGrantsRequest) (*api.ListGrantsResponse, error) {
	if err := s.ownerRef(ctx, req.SecretRef); err != nil {
		return nil, err
	}
	gs, err := s.svc.ListGrants(ctx, req.SecretRef, model.GrantStatus(req.Status))
	if err != nil {
		return nil, s.toStatus("list grants", err)
	}
	return &api.ListGrantsResponse{Grants: convert.ToGrants(gs)}, nil
}

// CheckAccess answers a single access question. Denials are uniform.
func (s *Server) CheckAccess(ctx context.Context, req *api.CheckAccessRequest) (*api.CheckAccessResponse, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	gid, item, at, err := convert.FromCheckAccess(req)
	if err != nil {
		return nil, badArg(err)
	}
	d, err := s.svc.CheckAccess(ctx, id, remoteAddr(ctx), gid, item, at)
	if err != nil {
		return nil, s.toStatus("check access", err)
	}
	return &api.CheckAccessResponse{Allowed: d.Allowed, Reason: d.Reason}, nil
}

// --- Rotation ---

// Rotate runs a manual rotation.
func (s *Server) Rotate(ctx context.Context, req *api.RotateRequest) (*api.RotationResponse, error) {
	if err := s.ownerRef(ctx, req.SecretRef); err != nil {
		return nil, err
	}
	reason := model.RotationReason(req.Reason)
	if reason != "" && reason != model.ReasonManual && reason != model.ReasonScheduled {
		return nil, status.Error(codes.InvalidArgument, "bad reason")
	}
	ev, err := s.svc.Rotate(ctx, req.SecretRef, reason)
	if err != nil {
		return nil, s.toStatus("rotate", err)
	}
	return &api.RotationResponse{Rotation: convert.ToRotation(*ev)}, nil
}

// RotationHistory lists the owner's latest rotations.
func (s *Server) RotationHistory(ctx context.Context, req *api.HistoryRequest) (*api.HistoryResponse, error) {
	if err := s.ownerRef(ctx, req.SecretRef); err != nil {
		return nil, err
	}
	evs, err := s.svc.RotationHistory(ctx, req.SecretRef, req.Limit)
	if err != nil {
		return nil, s.toStatus("rotation history", err)
	}
	return &api.HistoryResponse{Rotations: convert.ToRotations(evs)}, nil
}

// --- Audit ---

// QueryAudit streams the caller's own audit trail, newest first.
func (s *Server) QueryAudit(req *api.AuditRequest, stream api.AuditStream) error {
	ctx := stream.Context()
	id, err := s.caller(ctx)
	if err != nil {
		return err
	}
	f, err := convert.FromAuditRequest(req)
	if err != nil {
		return badArg(err)
	}
	for ev, err := range s.svc.QueryAudit(ctx, id, f) {
		if err != nil {
			return s.toStatus("query audit", err)
		}
		if err := stream.Send(convert.ToAuditEvent(ev)); err != nil {
			return err
		}
	}
	return nil
}
