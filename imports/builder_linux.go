package imports

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"github.com/stealthrocket/wazergo"
	"github.com/tetratelabs/wazero"

	"github.com/stealthrocket/microvisor"
	"github.com/stealthrocket/microvisor/cage"
	"github.com/stealthrocket/microvisor/dispatch"
	"github.com/stealthrocket/microvisor/hostfs"
	host "github.com/stealthrocket/microvisor/imports/microvisor"
	"github.com/stealthrocket/microvisor/internal/sockets"
)

// Instantiate instantiates the microvisor host module, binds it to the
// returned context, and creates the first cage. Closing the module instance
// exits every cage and releases the root directory.
func (b *Builder) Instantiate(ctx context.Context, runtime wazero.Runtime) (_ context.Context, _ *cage.Cage, err error) {
	if len(b.errors) > 0 {
		return ctx, nil, errors.Join(b.errors...)
	}
	root := b.root
	if root == "" {
		root = defaultRoot
	}

	fsys, err := hostfs.Open(root)
	if err != nil {
		return ctx, nil, pkgerrors.Wrapf(err, "unable to open root directory %q", root)
	}
	registry := cage.NewRegistry(cage.Config{
		Filesystem:         fsys,
		Hostname:           b.hostname,
		PipeCapacity:       b.pipeCapacity,
		UnixSocketCapacity: b.socketCapacity,
		RecvTimeout:        b.recvTimeout,
		SelectInterval:     b.selectInterval,
		UID:                b.uid,
		GID:                b.gid,
		Logger:             b.logger,
	})
	closeAll := func(context.Context) error {
		registry.Close()
		return fsys.Close()
	}
	defer func() {
		if err != nil {
			closeAll(ctx)
		}
	}()

	c := registry.NewCage()
	recvTimeout := registry.Config().RecvTimeout

	for _, addr := range b.listens {
		sock, err := sockets.Listen(addr, recvTimeout)
		if err != nil {
			return ctx, nil, pkgerrors.Wrapf(err, "unable to listen on %q", addr)
		}
		if err := attach(c, sock); err != nil {
			return ctx, nil, pkgerrors.Wrapf(err, "unable to install listener %q", addr)
		}
	}
	for _, addr := range b.dials {
		sock, err := sockets.Dial(addr, recvTimeout)
		if err != nil {
			return ctx, nil, pkgerrors.Wrapf(err, "unable to dial %q", addr)
		}
		if err := attach(c, sock); err != nil {
			return ctx, nil, pkgerrors.Wrapf(err, "unable to install connection %q", addr)
		}
	}

	var dispatcher microvisor.Dispatcher = dispatch.New(registry)
	if b.tracer != nil {
		dispatcher = &microvisor.Tracer{Writer: b.tracer, Dispatcher: dispatcher}
	}

	module, err := wazergo.Instantiate(ctx, runtime,
		host.HostModule,
		host.WithDispatcher(dispatcher),
		host.WithCage(c.ID()),
		host.WithOnClose(closeAll),
	)
	if err != nil {
		return ctx, nil, err
	}
	return wazergo.WithModuleInstance(ctx, module), c, nil
}

func attach(c *cage.Cage, sock *sockets.Socket) error {
	if _, errno := c.Attach(sock); errno != microvisor.ESUCCESS {
		sock.DecRef()
		return errno
	}
	return nil
}
