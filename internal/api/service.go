// Package api exposes the query pipeline over gRPC. Requests and responses
// are google.protobuf.Struct values with snake_case keys.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "telequery.v1.QueryService"

// Full method names.
const (
	MethodQuery          = "/" + ServiceName + "/Query"
	MethodExpansionStats = "/" + ServiceName + "/ExpansionStats"
	MethodRunExpansion   = "/" + ServiceName + "/RunExpansion"
	MethodReindex        = "/" + ServiceName + "/Reindex"
	MethodStatus         = "/" + ServiceName + "/Status"
)

// QueryServer is the server API for telequery.v1.QueryService.
type QueryServer interface {
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExpansionStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunExpansion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reindex(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(QueryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(QueryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(QueryServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// QueryServiceDesc describes telequery.v1.QueryService for grpc.Server.
var QueryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: unaryHandler(MethodQuery, QueryServer.Query)},
		{MethodName: "ExpansionStats", Handler: unaryHandler(MethodExpansionStats, QueryServer.ExpansionStats)},
		{MethodName: "RunExpansion", Handler: unaryHandler(MethodRunExpansion, QueryServer.RunExpansion)},
		{MethodName: "Reindex", Handler: unaryHandler(MethodReindex, QueryServer.Reindex)},
		{MethodName: "Status", Handler: unaryHandler(MethodStatus, QueryServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "telequery/v1/query.proto",
}

// RegisterQueryServer registers srv on s.
func RegisterQueryServer(s grpc.ServiceRegistrar, srv QueryServer) {
	s.RegisterService(&QueryServiceDesc, srv)
}
