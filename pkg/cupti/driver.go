// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cupti defines the GPU vendor PC-sampling and kernel-launch
// callback API as a Go interface, treated as an opaque external
// collaborator per the profiler's scope. This module ships no real CGO
// binding to a vendor driver (a Non-goal); it provides the interface every
// consumer (pkg/gpupc, pkg/launch) is written against, and a software
// simulator (simulator.go) implementing it for tests and for the no_rpc
// self-driven demo mode.
package cupti

import "context"

// CUContext identifies a GPU context, opaque to this module.
type CUContext uintptr

// CollectionMode selects how PC-sample data is drained from the driver.
type CollectionMode int

const (
	CollectionModeContinuous CollectionMode = iota
	CollectionModeKernelSerialized
)

// CallbackDomain mirrors CUPTI's two callback domains this profiler cares
// about.
type CallbackDomain int

const (
	DomainDriverAPI CallbackDomain = iota
	DomainResource
)

// CallbackSite distinguishes API-enter from API-exit within DomainDriverAPI.
type CallbackSite int

const (
	APIEnter CallbackSite = iota
	APIExit
)

// LaunchVariant enumerates every kernel-launch callback id the interceptor
// subscribes to.
type LaunchVariant int

const (
	LaunchCuLaunch LaunchVariant = iota
	LaunchCuLaunchGrid
	LaunchCuLaunchGridAsync
	LaunchCuLaunchKernel
	LaunchCuLaunchKernelPtsz
	LaunchCuLaunchCooperativeKernel
	LaunchCuLaunchCooperativeKernelPtsz
	LaunchCuLaunchCooperativeKernelMultiDevice
)

// ResourceEvent enumerates the context/module lifecycle events the
// interceptor subscribes to.
type ResourceEvent int

const (
	ResourceContextCreated ResourceEvent = iota
	ResourceContextDestroyStarting
	ResourceModuleLoaded
)

// LaunchCallbackData is delivered on every launch enter/exit callback.
type LaunchCallbackData struct {
	Context       CUContext
	ContextUID    uint32
	CorrelationID uint32
	SymbolName    string
	Site          CallbackSite
	Variant       LaunchVariant
}

// ResourceCallbackData is delivered on context/module lifecycle callbacks.
type ResourceCallbackData struct {
	Context CUContext
	Event   ResourceEvent
}

// CallbackHandler receives driver callbacks. Handlers must return quickly:
// the launch interceptor's soft contract (§5) is a few microseconds.
type CallbackHandler interface {
	HandleLaunch(data LaunchCallbackData)
	HandleResource(data ResourceCallbackData)
}

// PCSamplingConfig configures PC sampling for one context.
type PCSamplingConfig struct {
	Period         uint32
	ScratchBufSize uint64
	HWBufSize      uint64
	StallReasons   []string
	CollectionMode CollectionMode
}

// StallReasonCount is a single (reason index, sample count) tuple attached
// to one PC sample.
type StallReasonCount struct {
	StallReasonIndex int
	SampleCount      uint32
}

// PCEntry is one PC sample drawn from the driver.
type PCEntry struct {
	CubinCRC     uint32
	PCOffset     uint64
	FunctionIdx  uint32
	FunctionName string
	StallReasons []StallReasonCount
}

// PCSamplingData is one block of PC samples as returned by GetData,
// mirroring CUpti_PCSamplingData's bookkeeping fields.
type PCSamplingData struct {
	RangeID        uint64
	CollectNumPCs  uint64
	TotalNumPCs    uint64
	DroppedSamples uint64
	RemainingNumPCs uint64
	PCs            []PCEntry
}

// Driver is the vendor PC-sampling + callback API surface this profiler
// consumes. Implementations are expected to be safe for concurrent use by
// multiple kernel-launching threads.
type Driver interface {
	// Subscribe registers handler for every launch variant and resource
	// event. unsubscribe releases the registration.
	Subscribe(handler CallbackHandler) (unsubscribe func(), err error)

	NumStallReasons(ctx context.Context, cuCtx CUContext) (int, error)
	EnablePCSampling(ctx context.Context, cuCtx CUContext, cfg PCSamplingConfig) error
	DisablePCSampling(ctx context.Context, cuCtx CUContext) error
	StartPCSampling(ctx context.Context, cuCtx CUContext) error
	StopPCSampling(ctx context.Context, cuCtx CUContext) error

	// GetData drains one block of available PC samples for cuCtx. It
	// returns a nil block with no error if nothing is currently pending.
	GetData(ctx context.Context, cuCtx CUContext) (*PCSamplingData, error)
}
