// Copyright 2024 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Code generated by protoc-gen-go-grpc shape, hand-maintained.

package oracle

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const oracleServiceName = "oracle.Oracle"

// OracleClient is the management-channel client interface haywire's
// pkg/oracle.Client wraps.
type OracleClient interface {
	QueryKernelInfo(ctx context.Context, in *QueryKernelInfoRequest, opts ...grpc.CallOption) (*QueryKernelInfoResponse, error)
}

type oracleClient struct {
	cc grpc.ClientConnInterface
}

// NewOracleClient wraps an established connection as an OracleClient.
func NewOracleClient(cc grpc.ClientConnInterface) OracleClient {
	return &oracleClient{cc}
}

func (c *oracleClient) QueryKernelInfo(ctx context.Context, in *QueryKernelInfoRequest, opts ...grpc.CallOption) (*QueryKernelInfoResponse, error) {
	out := new(QueryKernelInfoResponse)
	err := c.cc.Invoke(ctx, "/"+oracleServiceName+"/QueryKernelInfo", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OracleServer is the server-side interface; haywire never implements it
// (the management channel server belongs to the hypervisor, out of scope
// here), but it is part of the generated shape.
type OracleServer interface {
	QueryKernelInfo(context.Context, *QueryKernelInfoRequest) (*QueryKernelInfoResponse, error)
}

// UnimplementedOracleServer must be embedded for forward compatibility.
type UnimplementedOracleServer struct{}

func (UnimplementedOracleServer) QueryKernelInfo(context.Context, *QueryKernelInfoRequest) (*QueryKernelInfoResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method QueryKernelInfo not implemented")
}

// RegisterOracleServer is unused by haywire itself but kept for parity with
// the generated shape oracle.proto would actually produce.
func RegisterOracleServer(s grpc.ServiceRegistrar, srv OracleServer) {
	s.RegisterService(&oracleServiceDesc, srv)
}

var oracleServiceDesc = grpc.ServiceDesc{
	ServiceName: oracleServiceName,
	HandlerType: (*OracleServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "QueryKernelInfo",
			Handler:    queryKernelInfoHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "oracle.proto",
}

func queryKernelInfoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(QueryKernelInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OracleServer).QueryKernelInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + oracleServiceName + "/QueryKernelInfo",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OracleServer).QueryKernelInfo(ctx, req.(*QueryKernelInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}
