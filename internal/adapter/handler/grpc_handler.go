package handler

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/core/service"
)

const (
	PickingServiceName = "pickline.v1.PickingService"
	JSONCodecName      = "json"
)

// jsonCodec carries the picking messages as JSON over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type StartRequestRequest struct {
	RequestNumber string `json:"requestNumber"`
	StartedBy     string `json:"startedBy"`
}

type GetRequestRequest struct {
	RequestNumber string `json:"requestNumber"`
}

type LockStatusRequest struct{}

type DeviceStatusRequest struct{}

type PickingServer interface {
	StartRequest(ctx context.Context, req *StartRequestRequest) (*service.StartResult, error)
	CompleteLineItem(ctx context.Context, req *domain.CompletionReport) (*service.CompletionResult, error)
	GetRequest(ctx context.Context, req *GetRequestRequest) (*domain.PickingRequest, error)
	LockStatus(ctx context.Context, req *LockStatusRequest) (*domain.LockState, error)
	DeviceStatus(ctx context.Context, req *DeviceStatusRequest) (*domain.DeviceStatus, error)
}

type GRPCHandler struct {
	picking *service.PickingService
	session *service.SessionService
	log     *zap.Logger
}

func NewGRPCHandler(picking *service.PickingService, session *service.SessionService, log *zap.Logger) *GRPCHandler {
	return &GRPCHandler{picking: picking, session: session, log: log}
}

func (h *GRPCHandler) StartRequest(ctx context.Context, req *StartRequestRequest) (*service.StartResult, error) {
	if req.RequestNumber == "" || req.StartedBy == "" {
		return nil, status.Error(codes.InvalidArgument, "requestNumber and startedBy are required")
	}
	res, err := h.picking.StartRequest(ctx, req.RequestNumber, req.StartedBy)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return res, nil
}

func (h *GRPCHandler) CompleteLineItem(ctx context.Context, req *domain.CompletionReport) (*service.CompletionResult, error) {
	res, err := h.session.ReportCompletion(ctx, *req)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return res, nil
}

func (h *GRPCHandler) GetRequest(ctx context.Context, req *GetRequestRequest) (*domain.PickingRequest, error) {
	out, err := h.picking.GetRequest(ctx, req.RequestNumber)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return out, nil
}

func (h *GRPCHandler) LockStatus(ctx context.Context, _ *LockStatusRequest) (*domain.LockState, error) {
	state, err := h.picking.LockStatus(ctx)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &state, nil
}

func (h *GRPCHandler) DeviceStatus(context.Context, *DeviceStatusRequest) (*domain.DeviceStatus, error) {
	st := h.picking.DeviceStatus()
	return &st, nil
}

func (h *GRPCHandler) toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrInvalidTransition):
		code = codes.FailedPrecondition
	case errors.Is(err, service.ErrLockConflict):
		code = codes.Aborted
	case errors.Is(err, service.ErrDuplicateRequest):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrPersistenceUnavailable):
		code = codes.Unavailable
	default:
		h.log.Error("grpc call failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

func unaryMethod[Req, Resp any](name string, call func(PickingServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PickingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + PickingServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(PickingServer), ctx, req.(*Req))
			})
		},
	}
}

var pickingServiceDesc = grpc.ServiceDesc{
	ServiceName: PickingServiceName,
	HandlerType: (*PickingServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("StartRequest", PickingServer.StartRequest),
		unaryMethod("CompleteLineItem", PickingServer.CompleteLineItem),
		unaryMethod("GetRequest", PickingServer.GetRequest),
		unaryMethod("LockStatus", PickingServer.LockStatus),
		unaryMethod("DeviceStatus", PickingServer.DeviceStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pickline/v1/picking.proto",
}

func RegisterPickingServer(s grpc.ServiceRegistrar, srv PickingServer) {
	s.RegisterService(&pickingServiceDesc, srv)
}

// UnaryLogger logs failed calls.
func UnaryLogger(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		resp, err := next(ctx, req)
		if err != nil {
			log.Warn("grpc call returned error", zap.String("method", info.FullMethod), zap.Error(err))
		}
		return resp, err
	}
}

// PickingClient calls PickingService with the JSON codec.
type PickingClient struct {
	cc grpc.ClientConnInterface
}

func NewPickingClient(cc grpc.ClientConnInterface) *PickingClient {
	return &PickingClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+PickingServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PickingClient) StartRequest(ctx context.Context, in *StartRequestRequest, opts ...grpc.CallOption) (*service.StartResult, error) {
	return invoke[service.StartResult](ctx, c.cc, "StartRequest", in, opts)
}

func (c *PickingClient) CompleteLineItem(ctx context.Context, in *domain.CompletionReport, opts ...grpc.CallOption) (*service.CompletionResult, error) {
	return invoke[service.CompletionResult](ctx, c.cc, "CompleteLineItem", in, opts)
}

func (c *PickingClient) GetRequest(ctx context.Context, in *GetRequestRequest, opts ...grpc.CallOption) (*domain.PickingRequest, error) {
	return invoke[domain.PickingRequest](ctx, c.cc, "GetRequest", in, opts)
}

func (c *PickingClient) LockStatus(ctx context.Context, opts ...grpc.CallOption) (*domain.LockState, error) {
	return invoke[domain.LockState](ctx, c.cc, "LockStatus", &LockStatusRequest{}, opts)
}

func (c *PickingClient) DeviceStatus(ctx context.Context, opts ...grpc.CallOption) (*domain.DeviceStatus, error) {
	return invoke[domain.DeviceStatus](ctx, c.cc, "DeviceStatus", &DeviceStatusRequest{}, opts)
}
