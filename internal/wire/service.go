package wire

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified grpc service name
const ServiceName = "bynar.v1.Arbiter"

// ArbiterServer is implemented by the coordinator's grpc handler
type ArbiterServer interface {
	Propose(context.Context, *ProposeRequest) (*DecisionReply, error)
	Cancel(context.Context, *CancelRequest) (*Ack, error)
	ReportOutcome(context.Context, *OutcomeReport) (*Ack, error)
	Heartbeat(context.Context, *Heartbeat) (*HeartbeatReply, error)
	Status(context.Context, *StatusQuery) (*StatusReply, error)
	Override(context.Context, *OverrideRequest) (*DecisionReply, error)
	ResolveTicket(context.Context, *ResolveRequest) (*Ack, error)
}

// RegisterArbiterServer registers srv on s
func RegisterArbiterServer(s grpc.ServiceRegistrar, srv ArbiterServer) {
	s.RegisterService(&ArbiterServiceDesc, srv)
}

// unary builds a grpc method handler decoding Req and dispatching to call
func unary[Req any, P interface {
	*Req
	Message
}](method string, call func(ArbiterServer, context.Context, P) (interface{}, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := P(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ArbiterServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ArbiterServer), ctx, req.(P))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ArbiterServiceDesc describes the Arbiter service for grpc registration
var ArbiterServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ArbiterServer)(nil),
	Methods: []grpc.MethodDesc{
		unary[ProposeRequest]("Propose", func(s ArbiterServer, ctx context.Context, in *ProposeRequest) (interface{}, error) {
			return s.Propose(ctx, in)
		}),
		unary[CancelRequest]("Cancel", func(s ArbiterServer, ctx context.Context, in *CancelRequest) (interface{}, error) {
			return s.Cancel(ctx, in)
		}),
		unary[OutcomeReport]("ReportOutcome", func(s ArbiterServer, ctx context.Context, in *OutcomeReport) (interface{}, error) {
			return s.ReportOutcome(ctx, in)
		}),
		unary[Heartbeat]("Heartbeat", func(s ArbiterServer, ctx context.Context, in *Heartbeat) (interface{}, error) {
			return s.Heartbeat(ctx, in)
		}),
		unary[StatusQuery]("Status", func(s ArbiterServer, ctx context.Context, in *StatusQuery) (interface{}, error) {
			return s.Status(ctx, in)
		}),
		unary[OverrideRequest]("Override", func(s ArbiterServer, ctx context.Context, in *OverrideRequest) (interface{}, error) {
			return s.Override(ctx, in)
		}),
		unary[ResolveRequest]("ResolveTicket", func(s ArbiterServer, ctx context.Context, in *ResolveRequest) (interface{}, error) {
			return s.ResolveTicket(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bynar/v1/arbiter.proto",
}

// ArbiterClient is the typed client for the Arbiter service
type ArbiterClient interface {
	Propose(ctx context.Context, in *ProposeRequest, opts ...grpc.CallOption) (*DecisionReply, error)
	Cancel(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*Ack, error)
	ReportOutcome(ctx context.Context, in *OutcomeReport, opts ...grpc.CallOption) (*Ack, error)
	Heartbeat(ctx context.Context, in *Heartbeat, opts ...grpc.CallOption) (*HeartbeatReply, error)
	Status(ctx context.Context, in *StatusQuery, opts ...grpc.CallOption) (*StatusReply, error)
	Override(ctx context.Context, in *OverrideRequest, opts ...grpc.CallOption) (*DecisionReply, error)
	ResolveTicket(ctx context.Context, in *ResolveRequest, opts ...grpc.CallOption) (*Ack, error)
}

type arbiterClient struct {
	cc grpc.ClientConnInterface
}

// NewArbiterClient wraps a client connection
func NewArbiterClient(cc grpc.ClientConnInterface) ArbiterClient {
	return &arbiterClient{cc: cc}
}

func (c *arbiterClient) invoke(ctx context.Context, method string, in, out Message, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *arbiterClient) Propose(ctx context.Context, in *ProposeRequest, opts ...grpc.CallOption) (*DecisionReply, error) {
	out := new(DecisionReply)
	if err := c.invoke(ctx, "Propose", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *arbiterClient) Cancel(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.invoke(ctx, "Cancel", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *arbiterClient) ReportOutcome(ctx context.Context, in *OutcomeReport, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.invoke(ctx, "ReportOutcome", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *arbiterClient) Heartbeat(ctx context.Context, in *Heartbeat, opts ...grpc.CallOption) (*HeartbeatReply, error) {
	out := new(HeartbeatReply)
	if err := c.invoke(ctx, "Heartbeat", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *arbiterClient) Status(ctx context.Context, in *StatusQuery, opts ...grpc.CallOption) (*StatusReply, error) {
	out := new(StatusReply)
	if err := c.invoke(ctx, "Status", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *arbiterClient) Override(ctx context.Context, in *OverrideRequest, opts ...grpc.CallOption) (*DecisionReply, error) {
	out := new(DecisionReply)
	if err := c.invoke(ctx, "Override", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *arbiterClient) ResolveTicket(ctx context.Context, in *ResolveRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.invoke(ctx, "ResolveTicket", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
