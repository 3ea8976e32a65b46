// Package microvisor is a wazero host module exposing emulated system calls
// to guests.
//
// The module exports a single function:
//
//	dispatch(cage i64, call i32, a0 i64, a1 i64, a2 i64, a3 i64, a4 i64, a5 i64) i32
//
// Pointer arguments are addresses in the memory of the calling module. The
// result is non-negative on success, and the negated error number otherwise.
//
// A module instance is bound to the fork tree of the cage it was created
// for: the cage argument may name that cage or any of its descendants, and
// calls naming other cages fail with ESRCH.
package microvisor

import (
	"context"
	"fmt"

	"github.com/stealthrocket/wazergo"
	. "github.com/stealthrocket/wazergo/types"
	"github.com/tetratelabs/wazero/api"

	mv "github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/dispatch"
)

const moduleName = "microvisor"

// HostModule is a wazero host module routing the system calls of guests to
// a microvisor.Dispatcher provided with the WithDispatcher option.
var HostModule wazergo.HostModule[*Module] = functions{
	"dispatch": dispatchShape((*Module).Dispatch),
}

// Option configures the host module.
type Option = wazergo.Option[*Module]

// WithDispatcher sets the dispatcher serving system calls.
func WithDispatcher(d mv.Dispatcher) Option {
	return wazergo.OptionFunc(func(m *Module) { m.Dispatcher = d })
}

// WithCage binds the module instance to the fork tree of the cage with the
// given identity.
func WithCage(id uint64) Option {
	return wazergo.OptionFunc(func(m *Module) { m.cage = id })
}

// WithOnClose registers a function called when the module instance is
// closed.
func WithOnClose(fn func(context.Context) error) Option {
	return wazergo.OptionFunc(func(m *Module) { m.onClose = fn })
}

type functions wazergo.Functions[*Module]

func (f functions) Name() string {
	return moduleName
}

func (f functions) Functions() wazergo.Functions[*Module] {
	return (wazergo.Functions[*Module])(f)
}

func (f functions) Instantiate(ctx context.Context, opts ...Option) (*Module, error) {
	mod := &Module{}
	wazergo.Configure(mod, opts...)
	if mod.Dispatcher == nil {
		return nil, fmt.Errorf("system call dispatcher not provided")
	}
	if mod.cage == 0 {
		return nil, fmt.Errorf("cage not provided")
	}
	return mod, nil
}

type Module struct {
	Dispatcher mv.Dispatcher

	cage    uint64
	onClose func(context.Context) error
}

// Dispatch resolves pointer arguments in the memory of the calling module
// and forwards the call, restricted to the fork tree the module is bound to.
func (m *Module) Dispatch(ctx context.Context, module api.Module, cageID uint64, call mv.Syscall, args mv.Args) int32 {
	ctx = dispatch.WithTree(ctx, m.cage)
	if mem := module.Memory(); mem != nil {
		ctx = dispatch.WithMemory(ctx, mem)
	}
	return m.Dispatcher.Dispatch(ctx, cageID, call, args)
}

func (m *Module) Close(ctx context.Context) error {
	if m.onClose != nil {
		return m.onClose(ctx)
	}
	return nil
}

// dispatchShape adapts fn to the signature of the dispatch export. The call
// number is a 32 bits value while the cage identity and argument slots use
// the full width of 64 bits values.
func dispatchShape[T any](fn func(T, context.Context, api.Module, uint64, mv.Syscall, mv.Args) int32) wazergo.Function[T] {
	params := []Value{Uint64(0), Int32(0)}
	for range (mv.Args{}) {
		params = append(params, Uint64(0))
	}
	return wazergo.Function[T]{
		Params:  params,
		Results: []Value{Int32(0)},
		Func: func(this T, ctx context.Context, module api.Module, stack []uint64) {
			var args mv.Args
			copy(args[:], stack[2:])
			call := mv.Syscall(api.DecodeI32(stack[1]))
			stack[0] = api.EncodeI32(fn(this, ctx, module, stack[0], call, args))
		},
	}
}
