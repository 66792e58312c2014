package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "viewkeys.v1.Sharing"

// SharingServer is implemented by the daemon.
type SharingServer interface {
	Enroll(context.Context, *EnrollRequest) (*EnrollResponse, error)
	Unlock(context.Context, *UnlockRequest) (*UnlockResponse, error)
	Lock(context.Context, *LockRequest) (*Empty, error)
	Challenge(context.Context, *ChallengeRequest) (*ChallengeResponse, error)
	Redeem(context.Context, *RedeemRequest) (*TokenResponse, error)
	PublishKey(context.Context, *PublishKeyRequest) (*PublishKeyResponse, error)
	IssueGrant(context.Context, *IssueGrantRequest) (*GrantResponse, error)
	DelegateGrant(context.Context, *DelegateGrantRequest) (*GrantResponse, error)
	PollGrants(context.Context, *Empty) (*PollResponse, error)
	Revoke(context.Context, *RevokeRequest) (*RevokeResponse, error)
	Rotate(context.Context, *RotateRequest) (*RotationResponse, error)
	RotationHistory(context.Context, *HistoryRequest) (*HistoryResponse, error)
	ListGrants(context.Context, *ListGrantsRequest) (*ListGrantsResponse, error)
	CheckAccess(context.Context, *CheckAccessRequest) (*CheckAccessResponse, error)
	QueryAudit(*AuditRequest, AuditStream) error
}

// AuditStream is the server side of QueryAudit.
type AuditStream interface {
	Send(*AuditEvent) error
	Context() context.Context
}

// PublicMethods need no bearer token.
var PublicMethods = map[string]bool{
	"/" + ServiceName + "/Enroll":    true,
	"/" + ServiceName + "/Unlock":    true,
	"/" + ServiceName + "/Challenge": true,
	"/" + ServiceName + "/Redeem":    true,
}

func unary[Req, Resp any](name string, call func(SharingServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, icpt grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(SharingServer)
			if icpt == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return icpt(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

type auditServerStream struct{ grpc.ServerStream }

func (s auditServerStream) Send(ev *AuditEvent) error { return s.SendMsg(ev) }

func queryAuditHandler(srv any, stream grpc.ServerStream) error {
	in := new(AuditRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SharingServer).QueryAudit(in, auditServerStream{stream})
}

// ServiceDesc describes viewkeys.v1.Sharing for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SharingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Enroll", SharingServer.Enroll),
		unary("Unlock", SharingServer.Unlock),
		unary("Lock", SharingServer.Lock),
		unary("Challenge", SharingServer.Challenge),
		unary("Redeem", SharingServer.Redeem),
		unary("PublishKey", SharingServer.PublishKey),
		unary("IssueGrant", SharingServer.IssueGrant),
		unary("DelegateGrant", SharingServer.DelegateGrant),
		unary("PollGrants", SharingServer.PollGrants),
		unary("Revoke", SharingServer.Revoke),
		unary("Rotate", SharingServer.Rotate),
		unary("RotationHistory", SharingServer.RotationHistory),
		unary("ListGrants", SharingServer.ListGrants),
		unary("CheckAccess", SharingServer.CheckAccess),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "QueryAudit",
		Handler:       queryAuditHandler,
		ServerStreams: true,
	}},
	Metadata: "viewkeys/v1/sharing.proto",
}

// RegisterSharingServer registers srv on s.
func RegisterSharingServer(s grpc.ServiceRegistrar, srv SharingServer) {
	s.RegisterService(&ServiceDesc, srv)
}
