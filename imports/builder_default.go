//go:build !linux

package imports

import (
	"context"
	"fmt"
	"runtime"

	"github.com/tetratelabs/wazero"

	"github.com/stealthrocket/microvisor/cage"
)

func (b *Builder) Instantiate(ctx context.Context, _ wazero.Runtime) (context.Context, *cage.Cage, error) {
	return ctx, nil, fmt.Errorf("microvisor is not available on GOOS=%s", runtime.GOOS)
}
