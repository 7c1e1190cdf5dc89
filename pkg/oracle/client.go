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

// Package oracle is the optional hypervisor management-channel client used
// solely to short-circuit Phase 1 of kernel discovery (finding
// swapper_pg_dir). Its absence, or any error from it, must never block
// discovery — callers use NewNop when no management channel is configured
// so discovery.Engine never special-cases "no oracle" vs. "oracle down".
package oracle

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/haywire-project/haywire/pkg/log"
)

var oracleLog = log.Get("oracle")

// ErrUnavailable is returned by every Client method when no management
// channel is configured or the underlying connection cannot be reached.
var ErrUnavailable = errors.New("oracle: management channel unavailable")

// KernelInfo is the page-table root and control register state the oracle
// reports for one vCPU.
type KernelInfo struct {
	TTBR0 uint64
	TTBR1 uint64
	TCR   uint64
}

// Client queries the oracle for ground-truth kernel page-table roots.
type Client interface {
	QueryKernelInfo(ctx context.Context, cpuIndex uint32) (KernelInfo, error)
	Close() error
}

// nopClient always reports ErrUnavailable.
type nopClient struct{}

// NewNop returns a Client that always reports ErrUnavailable, used whenever
// no management channel address was configured.
func NewNop() Client { return nopClient{} }

func (nopClient) QueryKernelInfo(context.Context, uint32) (KernelInfo, error) {
	return KernelInfo{}, ErrUnavailable
}

func (nopClient) Close() error { return nil }

// grpcClient is the real Client, backed by a grpc.ClientConn to the
// hypervisor's management channel.
type grpcClient struct {
	conn   *grpc.ClientConn
	oracle OracleClient
}

// Dial connects to the management channel at addr. The connection is
// insecure (the management channel is a trusted host-local socket, not a
// network service) and given a short connect timeout so discovery never
// hangs waiting on an unreachable oracle.
func Dial(ctx context.Context, addr string) (Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		oracleLog.Warnf("oracle dial %s failed: %v", addr, err)
		return nil, err
	}
	return &grpcClient{conn: conn, oracle: NewOracleClient(conn)}, nil
}

func (c *grpcClient) QueryKernelInfo(ctx context.Context, cpuIndex uint32) (KernelInfo, error) {
	resp, err := c.oracle.QueryKernelInfo(ctx, &QueryKernelInfoRequest{CpuIndex: cpuIndex})
	if err != nil {
		oracleLog.Warnf("oracle query cpu=%d failed: %v", cpuIndex, err)
		return KernelInfo{}, ErrUnavailable
	}
	return KernelInfo{TTBR0: resp.GetTtbr0(), TTBR1: resp.GetTtbr1(), TCR: resp.GetTcr()}, nil
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}
