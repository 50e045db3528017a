// Command replicored is the process entrypoint wiring pkg/bytestream,
// pkg/replstream, pkg/groupcommit, pkg/transfer and pkg/applier together
// as either a master or a slave node. CLI glue is cobra, the way
// kcl's commands/transact/transact.go wires subcommands.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alexstanro/replicore/internal/metrics"
	"github.com/alexstanro/replicore/internal/settings"
	"github.com/alexstanro/replicore/pkg/applier"
	"github.com/alexstanro/replicore/pkg/bytestream"
	"github.com/alexstanro/replicore/pkg/groupcommit"
	"github.com/alexstanro/replicore/pkg/replstream"
	"github.com/alexstanro/replicore/pkg/transfer"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "replicored",
		Short: "replication and group-commit core daemon",
	}
	root.AddCommand(newMasterCmd(), newSlaveCmd())
	return root
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if settings.DebugReplicationData.Get() {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	l, _ := cfg.Build()
	return l
}

func newMasterCmd() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "master",
		Short: "run as the HA master node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster(cmd.Context(), listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":7331", "address to accept slave control connections on")
	return cmd
}

func newSlaveCmd() *cobra.Command {
	var masterAddr string
	cmd := &cobra.Command{
		Use:   "slave",
		Short: "run as an HA slave node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlave(cmd.Context(), masterAddr)
		},
	}
	cmd.Flags().StringVar(&masterAddr, "master", "127.0.0.1:7331", "master control-channel address")
	return cmd
}

// noopMVCC/noopGroupLogger/noopLogFlush are the default no-op
// implementations of the out-of-scope named collaborators
// (MVCC table, WAL append, log flush wakeup) until a host process wires in
// real ones.
type noopMVCC struct{}

func (noopMVCC) CompleteGroupMVCC(groupcommit.TxGroup) {}

type noopGroupLogger struct{ zlog *zap.Logger }

func (n noopGroupLogger) AppendGroupComplete(pos bytestream.Position, g groupcommit.TxGroup) {
	n.zlog.Debug("append_group_complete", zap.Int64("pos", int64(pos)), zap.Int("size", g.Size()))
}

type noopLogFlush struct{}

func (noopLogFlush) WakeupLogFlushDaemon() {}

// noopApplier is the default no-op Applier until a host process wires in a
// real storage engine; applying mutations to an actual database table is
// out of scope for this package (ApplyStatement/ApplyInsert/etc. are named
// collaborators, not implemented here).
type noopApplier struct{ zlog *zap.Logger }

func (n noopApplier) ApplyStatement(stmt string) error {
	n.zlog.Debug("apply_statement", zap.String("stmt", stmt))
	return nil
}

func (n noopApplier) ApplyInsert(class string, oid replstream.InstanceOID, _ []byte) error {
	n.zlog.Debug("apply_insert", zap.String("class", class))
	return nil
}

func (n noopApplier) ApplyDelete(class string, oid replstream.InstanceOID) error {
	n.zlog.Debug("apply_delete", zap.String("class", class))
	return nil
}

func (n noopApplier) ApplyChangedAttrs(class string, oid replstream.InstanceOID, attrIDs []int32, _ [][]byte) error {
	n.zlog.Debug("apply_changed_attrs", zap.String("class", class), zap.Int("count", len(attrIDs)))
	return nil
}

func (n noopApplier) ApplyRecDes(class string, oid replstream.InstanceOID, _ []byte) error {
	n.zlog.Debug("apply_recdes", zap.String("class", class))
	return nil
}

func runMaster(ctx context.Context, listenAddr string) error {
	zlog := newLogger()
	defer zlog.Sync()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	stream := bytestream.New()
	defer stream.SetStop()

	cc := transfer.NewControlChannel(m, zlog)
	mgr := groupcommit.NewMasterManager(stream, noopMVCC{}, noopGroupLogger{zlog}, cc, nil, m, zlog)
	cc.SetStreamAck(mgr.NotifyStreamAck)

	ctx, cancel := signalContext(ctx)
	defer cancel()

	mgr.Start(ctx, settings.MasterGCMDaemonInterval.Get())
	cc.StartCheckAliveLoop(ctx, settings.ControlChannelCheckAlive.Get())

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	zlog.Info("master node started", zap.String("listen", listenAddr))
	g, gctx := errgroup.WithContext(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			zlog.Error("accept failed", zap.Error(err))
			continue
		}
		channel := transfer.NewNetChannel(conn)
		cc.AddReplica(gctx, g, stream, channel, int(settings.ChannelMTU.Get()))
	}
	return g.Wait()
}

func runSlave(ctx context.Context, masterAddr string) error {
	zlog := newLogger()
	defer zlog.Sync()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	stream := bytestream.New()
	defer stream.SetStop()

	mgr := groupcommit.NewSlaveManager(noopMVCC{}, noopGroupLogger{zlog}, noopLogFlush{}, m, zlog)

	ctx, cancel := signalContext(ctx)
	defer cancel()

	channel, err := transfer.Dial("tcp", masterAddr)
	if err != nil {
		return err
	}
	defer channel.Close()

	pool := applier.NewWorkerPool(ctx, int(settings.ApplierWorkerThreadsCount.Get()), 64, noopApplier{zlog}, m, zlog)
	defer pool.Close()

	consumer := applier.NewConsumer(stream, 64, m, zlog)
	dispatcher := applier.NewDispatcher(consumer, pool, mgr, m, zlog)

	receiver := transfer.NewReceiver(channel, stream, m, zlog)
	ackSender := transfer.NewAckSender(channel, stream, zlog)

	mgr.Start(ctx, settings.SlaveGCMDaemonInterval.Get())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return receiver.Run(gctx) })
	g.Go(func() error { return ackSender.Run(gctx, settings.ControlChannelCheckAlive.Get()) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })

	zlog.Info("slave node started", zap.String("master", masterAddr))
	return g.Wait()
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
