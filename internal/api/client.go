package api

import (
	"context"
	"errors"
	"io"
	"iter"

	"google.golang.org/grpc"
)

// Client calls viewkeys.v1.Sharing over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+name, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Enroll(ctx context.Context, in *EnrollRequest, opts ...grpc.CallOption) (*EnrollResponse, error) {
	return invoke[EnrollResponse](ctx, c.cc, "Enroll", in, opts)
}

func (c *Client) Unlock(ctx context.Context, in *UnlockRequest, opts ...grpc.CallOption) (*UnlockResponse, error) {
	return invoke[UnlockResponse](ctx, c.cc, "Unlock", in, opts)
}

func (c *Client) Lock(ctx context.Context, in *LockRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "Lock", in, opts)
}

func (c *Client) Challenge(ctx context.Context, in *ChallengeRequest, opts ...grpc.CallOption) (*ChallengeResponse, error) {
	return invoke[ChallengeResponse](ctx, c.cc, "Challenge", in, opts)
}

func (c *Client) Redeem(ctx context.Context, in *RedeemRequest, opts ...grpc.CallOption) (*TokenResponse, error) {
	return invoke[TokenResponse](ctx, c.cc, "Redeem", in, opts)
}

func (c *Client) PublishKey(ctx context.Context, in *PublishKeyRequest, opts ...grpc.CallOption) (*PublishKeyResponse, error) {
	return invoke[PublishKeyResponse](ctx, c.cc, "PublishKey", in, opts)
}

func (c *Client) IssueGrant(ctx context.Context, in *IssueGrantRequest, opts ...grpc.CallOption) (*GrantResponse, error) {
	return invoke[GrantResponse](ctx, c.cc, "IssueGrant", in, opts)
}

func (c *Client) DelegateGrant(ctx context.Context, in *DelegateGrantRequest, opts ...grpc.CallOption) (*GrantResponse, error) {
	return invoke[GrantResponse](ctx, c.cc, "DelegateGrant", in, opts)
}

func (c *Client) PollGrants(ctx context.Context, opts ...grpc.CallOption) (*PollResponse, error) {
	return invoke[PollResponse](ctx, c.cc, "PollGrants", &Empty{}, opts)
}

func (c *Client) Revoke(ctx context.Context, in *RevokeRequest, opts ...grpc.CallOption) (*RevokeResponse, error) {
	return invoke[RevokeResponse](ctx, c.cc, "Revoke", in, opts)
}

func (c *Client) Rotate(ctx context.Context, in *RotateRequest, opts ...grpc.CallOption) (*RotationResponse, error) {
	return invoke[RotationResponse](ctx, c.cc, "Rotate", in, opts)
}

func (c *Client) RotationHistory(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*HistoryResponse, error) {
	return invoke[HistoryResponse](ctx, c.cc, "RotationHistory", in, opts)
}

func (c *Client) ListGrants(ctx context.Context, in *ListGrantsRequest, opts ...grpc.CallOption) (*ListGrantsResponse, error) {
	return invoke[ListGrantsResponse](ctx, c.cc, "ListGrants", in, opts)
}

func (c *Client) CheckAccess(ctx context.Context, in *CheckAccessRequest, opts ...grpc.CallOption) (*CheckAccessResponse, error) {
	return invoke[CheckAccessResponse](ctx, c.cc, "CheckAccess", in, opts)
}

// QueryAudit streams audit events, newest first. Iteration stops at the
// first error.
func (c *Client) QueryAudit(ctx context.Context, in *AuditRequest, opts ...grpc.CallOption) iter.Seq2[*AuditEvent, error] {
	return func(yield func(*AuditEvent, error) bool) {
		stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/QueryAudit", opts...)
		if err == nil {
			err = stream.SendMsg(in)
		}
		if err == nil {
			err = stream.CloseSend()
		}
		if err != nil {
			yield(nil, err)
			return
		}
		for {
			ev := new(AuditEvent)
			if err := stream.RecvMsg(ev); err != nil {
				if !errors.Is(err, io.EOF) {
					yield(nil, err)
				}
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
