package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "crowdfund.v1.CrowdfundService"

// Method names.
const (
	MethodGetSnapshot    = "GetSnapshot"
	MethodRefresh        = "Refresh"
	MethodFund           = "Fund"
	MethodWithdrawSome   = "WithdrawSome"
	MethodWithdrawAll    = "WithdrawAll"
	MethodEndFunding     = "EndFunding"
	MethodCheckAddress   = "CheckAddress"
	MethodListOperations = "ListOperations"
)

// CrowdfundService is the server contract. Requests and responses are JSON-shaped structs.
type CrowdfundService interface {
	GetSnapshot(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Refresh(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Fund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	WithdrawSome(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	WithdrawAll(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	EndFunding(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CheckAddress(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListOperations(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(service CrowdfundService, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CrowdfundService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodGetSnapshot, Handler: unaryHandler(MethodGetSnapshot, CrowdfundService.GetSnapshot)},
		{MethodName: MethodRefresh, Handler: unaryHandler(MethodRefresh, CrowdfundService.Refresh)},
		{MethodName: MethodFund, Handler: unaryHandler(MethodFund, CrowdfundService.Fund)},
		{MethodName: MethodWithdrawSome, Handler: unaryHandler(MethodWithdrawSome, CrowdfundService.WithdrawSome)},
		{MethodName: MethodWithdrawAll, Handler: unaryHandler(MethodWithdrawAll, CrowdfundService.WithdrawAll)},
		{MethodName: MethodEndFunding, Handler: unaryHandler(MethodEndFunding, CrowdfundService.EndFunding)},
		{MethodName: MethodCheckAddress, Handler: unaryHandler(MethodCheckAddress, CrowdfundService.CheckAddress)},
		{MethodName: MethodListOperations, Handler: unaryHandler(MethodListOperations, CrowdfundService.ListOperations)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crowdfund/v1/crowdfund.proto",
}

// Register attaches service to registrar.
func Register(registrar grpc.ServiceRegistrar, service CrowdfundService) {
	registrar.RegisterService(&serviceDesc, service)
}

// FullMethod returns the invocation path for method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		service := server.(CrowdfundService)
		if interceptor == nil {
			return call(service, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: FullMethod(method)}
		return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
			return call(service, ctx, request.(*structpb.Struct))
		})
	}
}
