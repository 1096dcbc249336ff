// Package dispenser declares the DispenserService gRPC API. Messages are
// protobuf well-known types (StringValue requests, Struct replies) so no
// generated code is needed; StatusReply and CommandResponse give them types.
package dispenser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "treat.v1.DispenserService"

const (
	methodGetStatus = "/" + ServiceName + "/GetStatus"
	methodDispense  = "/" + ServiceName + "/Dispense"
	methodReset     = "/" + ServiceName + "/Reset"
)

// StatusReply is the payload of GetStatus.
type StatusReply struct {
	DispenserID  string    `json:"dispenser_id"`
	Mode         string    `json:"mode"`
	State        string    `json:"state"`
	Found        int       `json:"found"`
	Motor        bool      `json:"motor"`
	Dispenses    int       `json:"dispenses"`
	DailyUsed    int       `json:"daily_used"`
	DailyLimit   int       `json:"daily_limit"`
	DistanceCM   float64   `json:"distance_cm"`
	Since        time.Time `json:"since"`
	LoopRunning  bool      `json:"loop_running"`
	BoardOK      bool      `json:"board_ok"`
	MotorTimeout string    `json:"motor_timeout"`
}

// CommandResponse is the payload of Dispense and Reset.
type CommandResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	TicketID string `json:"ticket_id,omitempty"`
}

// ToStruct converts a JSON-tagged value into a protobuf Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes a protobuf Struct into out (a pointer).
func FromStruct(s *structpb.Struct, out any) error {
	if s == nil {
		return fmt.Errorf("nil struct")
	}
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// DispenserServiceServer is the server API.
type DispenserServiceServer interface {
	GetStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Dispense(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Reset(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// UnimplementedDispenserServiceServer can be embedded for forward compatibility.
type UnimplementedDispenserServiceServer struct{}

func (UnimplementedDispenserServiceServer) GetStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStatus not implemented")
}

func (UnimplementedDispenserServiceServer) Dispense(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Dispense not implemented")
}

func (UnimplementedDispenserServiceServer) Reset(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Reset not implemented")
}

type unaryCall func(DispenserServiceServer, context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.StringValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DispenserServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DispenserServiceServer), ctx, req.(*wrapperspb.StringValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DispenserServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler: unaryHandler(methodGetStatus, func(s DispenserServiceServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
				return s.GetStatus(ctx, in)
			}),
		},
		{
			MethodName: "Dispense",
			Handler: unaryHandler(methodDispense, func(s DispenserServiceServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
				return s.Dispense(ctx, in)
			}),
		},
		{
			MethodName: "Reset",
			Handler: unaryHandler(methodReset, func(s DispenserServiceServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
				return s.Reset(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "treat/v1/dispenser.proto",
}

func RegisterDispenserServiceServer(s grpc.ServiceRegistrar, srv DispenserServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// DispenserServiceClient is the typed client API.
type DispenserServiceClient interface {
	GetStatus(ctx context.Context, dispenserID string, opts ...grpc.CallOption) (StatusReply, error)
	Dispense(ctx context.Context, dispenserID string, opts ...grpc.CallOption) (CommandResponse, error)
	Reset(ctx context.Context, dispenserID string, opts ...grpc.CallOption) (CommandResponse, error)
}

type dispenserServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewDispenserServiceClient(cc grpc.ClientConnInterface) DispenserServiceClient {
	return &dispenserServiceClient{cc: cc}
}

func (c *dispenserServiceClient) GetStatus(ctx context.Context, id string, opts ...grpc.CallOption) (StatusReply, error) {
	var out StatusReply
	err := c.invoke(ctx, methodGetStatus, id, &out, opts...)
	return out, err
}

func (c *dispenserServiceClient) Dispense(ctx context.Context, id string, opts ...grpc.CallOption) (CommandResponse, error) {
	var out CommandResponse
	err := c.invoke(ctx, methodDispense, id, &out, opts...)
	return out, err
}

func (c *dispenserServiceClient) Reset(ctx context.Context, id string, opts ...grpc.CallOption) (CommandResponse, error) {
	var out CommandResponse
	err := c.invoke(ctx, methodReset, id, &out, opts...)
	return out, err
}

func (c *dispenserServiceClient) invoke(ctx context.Context, method, id string, out any, opts ...grpc.CallOption) error {
	reply := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, wrapperspb.String(id), reply, opts...); err != nil {
		return err
	}
	if err := FromStruct(reply, out); err != nil {
		return fmt.Errorf("%s: decode reply: %w", method, err)
	}
	return nil
}
