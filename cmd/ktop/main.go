// Command ktop is a terminal dashboard over pkg/kstat: a scrollable list
// of subsystems on the left, sparkline history of the selected
// subsystem's counters on the right, structured logging of boot and
// shutdown to stderr. Its gui package mirrors lazydocker's panel/gocui
// wiring, generalized from container/image/volume panels to a single
// subsystem list panel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/susmicrosystems/corekernel/cmd/ktop/gui"
	"github.com/susmicrosystems/corekernel/pkg/hal"
	"github.com/susmicrosystems/corekernel/pkg/kconfig"
	"github.com/susmicrosystems/corekernel/pkg/kstat"
	"github.com/susmicrosystems/corekernel/pkg/kstat/store"
	"github.com/susmicrosystems/corekernel/pkg/net/arp"
	"github.com/susmicrosystems/corekernel/pkg/pm"
	"github.com/susmicrosystems/corekernel/pkg/sched"
	"github.com/susmicrosystems/corekernel/pkg/slab"
	"github.com/susmicrosystems/corekernel/pkg/vfs/ramfs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ktop:", err)
		os.Exit(1)
	}
}

type noopRequester struct{}

func (noopRequester) SendRequest(_ [4]byte) error { return nil }

func (noopRequester) SendReply(_ [4]byte, _ arp.HardwareAddr) error { return nil }

func run() error {
	zl, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := zapr.NewLogger(zl)

	cfg, err := kconfig.FromEnv()
	if err != nil {
		return err
	}

	arch := hal.NewSim(hal.MemoryRange{Addr: 0, Size: cfg.MemSize})
	pmgr, err := pm.New(arch)
	if err != nil {
		return fmt.Errorf("ktop: page pool: %w", err)
	}
	scheduler := sched.New(cfg.NCPU)
	threadCache := slab.New(256, nil, nil, "thread")
	rootfs := ramfs.New()
	table := arp.NewTable(noopRequester{})

	st, err := store.New()
	if err != nil {
		return fmt.Errorf("ktop: kstat store: %w", err)
	}
	defer func() { _ = st.Close() }()

	registry := kstat.NewRegistry()
	registry.Register(kstat.PoolCollector(pmgr))
	registry.Register(kstat.SlabCollector("thread", threadCache))
	registry.Register(kstat.SchedCollector(scheduler))
	registry.Register(kstat.VFSCacheCollector("root", rootfs.Superblock()))
	registry.Register(kstat.SocketCollector())
	registry.Register(kstat.ARPCollector(table))

	mgr, err := kstat.NewManager(kstat.ManagerOptions{
		Registry: registry,
		Store:    st,
		Interval: cfg.KstatInterval,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("ktop: kstat manager: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := mgr.Run(ctx); err != nil && err != context.Canceled {
			logger.Error(err, "kstat manager stopped")
		}
	}()

	return runGui(ctx, mgr, logger)
}

func runGui(ctx context.Context, mgr *kstat.Manager, logger logr.Logger) error {
	g, err := gui.New(mgr, logger)
	if err != nil {
		return err
	}
	defer g.Close()
	return g.Run(ctx)
}
