package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "imagecache.v1.ImageCacheService"

	FetchImageMethod = "/" + ServiceName + "/FetchImage"
	GetStatsMethod   = "/" + ServiceName + "/GetStats"
)

// ImageCacheServiceServer is the server API for the image cache service.
// Requests and responses use well-known protobuf messages:
//
//	FetchImage(Struct{url, width, height}) returns (BytesValue)  // PNG bytes
//	GetStats(Empty) returns (Struct)
type ImageCacheServiceServer interface {
	FetchImage(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterImageCacheServiceServer registers srv on s.
func RegisterImageCacheServiceServer(s grpc.ServiceRegistrar, srv ImageCacheServiceServer) {
	s.RegisterService(&ImageCacheServiceDesc, srv)
}

func fetchImageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ImageCacheServiceServer).FetchImage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FetchImageMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ImageCacheServiceServer).FetchImage(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ImageCacheServiceServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetStatsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ImageCacheServiceServer).GetStats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ImageCacheServiceDesc describes the image cache service for grpc.Server.
var ImageCacheServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ImageCacheServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchImage", Handler: fetchImageHandler},
		{MethodName: "GetStats", Handler: getStatsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "imagecache/v1/imagecache.proto",
}
