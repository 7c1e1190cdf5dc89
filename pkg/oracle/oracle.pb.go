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

// Code generated by protoc-gen-go shape, hand-maintained. DO NOT regenerate
// without updating oracle.proto first.

package oracle

import (
	"google.golang.org/protobuf/proto"
	protoimpl "google.golang.org/protobuf/runtime/protoimpl"
)

// QueryKernelInfoRequest asks cpu_index's TTBR0/TTBR1/TCR register values.
type QueryKernelInfoRequest struct {
	state         protoimpl.MessageState
	sizeCache     protoimpl.SizeCache
	unknownFields protoimpl.UnknownFields

	CpuIndex uint32 `protobuf:"varint,1,opt,name=cpu_index,json=cpuIndex,proto3" json:"cpu_index,omitempty"`
}

func (x *QueryKernelInfoRequest) Reset()         { *x = QueryKernelInfoRequest{} }
func (x *QueryKernelInfoRequest) String() string { return protoimpl.X.MessageStringOf(x) }
func (*QueryKernelInfoRequest) ProtoMessage()    {}

func (x *QueryKernelInfoRequest) GetCpuIndex() uint32 {
	if x != nil {
		return x.CpuIndex
	}
	return 0
}

// QueryKernelInfoResponse carries the page-table base registers read from
// one vCPU's system register state.
type QueryKernelInfoResponse struct {
	state         protoimpl.MessageState
	sizeCache     protoimpl.SizeCache
	unknownFields protoimpl.UnknownFields

	Ttbr0 uint64 `protobuf:"varint,1,opt,name=ttbr0,proto3" json:"ttbr0,omitempty"`
	Ttbr1 uint64 `protobuf:"varint,2,opt,name=ttbr1,proto3" json:"ttbr1,omitempty"`
	Tcr   uint64 `protobuf:"varint,3,opt,name=tcr,proto3" json:"tcr,omitempty"`
}

func (x *QueryKernelInfoResponse) Reset()         { *x = QueryKernelInfoResponse{} }
func (x *QueryKernelInfoResponse) String() string { return protoimpl.X.MessageStringOf(x) }
func (*QueryKernelInfoResponse) ProtoMessage()    {}

func (x *QueryKernelInfoResponse) GetTtbr0() uint64 {
	if x != nil {
		return x.Ttbr0
	}
	return 0
}

func (x *QueryKernelInfoResponse) GetTtbr1() uint64 {
	if x != nil {
		return x.Ttbr1
	}
	return 0
}

func (x *QueryKernelInfoResponse) GetTcr() uint64 {
	if x != nil {
		return x.Tcr
	}
	return 0
}

var (
	_ proto.Message = (*QueryKernelInfoRequest)(nil)
	_ proto.Message = (*QueryKernelInfoResponse)(nil)
)
