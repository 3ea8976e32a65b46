package dispatch

import "context"

// Memory is the linear memory of a guest. The methods match those of
// wazero's api.Memory so that a module memory can be used directly.
type Memory interface {
	Size() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
	ReadUint32Le(offset uint32) (uint32, bool)
	WriteUint32Le(offset, v uint32) bool
	ReadUint64Le(offset uint32) (uint64, bool)
	WriteUint64Le(offset uint32, v uint64) bool
}

type memoryKey struct{}

// WithMemory returns a context carrying the memory of the guest issuing a
// system call, in which pointer arguments are resolved.
func WithMemory(ctx context.Context, mem Memory) context.Context {
	return context.WithValue(ctx, memoryKey{}, mem)
}

func memoryFrom(ctx context.Context) Memory {
	mem, _ := ctx.Value(memoryKey{}).(Memory)
	if mem == nil {
		return noMemory{}
	}
	return mem
}

// noMemory makes every pointer argument fault when no guest memory was
// attached to the call.
type noMemory struct{}

func (noMemory) Size() uint32 { return 0 }
func (noMemory) Read(uint32, uint32) ([]byte, bool) { return nil, false }
func (noMemory) Write(uint32, []byte) bool { return false }
func (noMemory) ReadUint32Le(uint32) (uint32, bool) { return 0, false }
func (noMemory) WriteUint32Le(uint32, uint32) bool { return false }
func (noMemory) ReadUint64Le(uint32) (uint64, bool) { return 0, false }
func (noMemory) WriteUint64Le(uint32, uint64) bool { return false }
