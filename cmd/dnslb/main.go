package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	rdns "github.com/folbricht/dnslb"
)

type options struct {
	logLevel uint32
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "dnslb <config> [<config>..]",
		Short: "DNS load balancer",
		Long: `DNS load balancer.

Accepts UDP and TCP DNS queries from authorized clients, classifies
each one through an access-control, rate-limiting and pool-assignment
rule set, serves it from an in-memory cache when possible, and
otherwise forwards it to one of several pooled upstream resolvers
chosen by a configurable selection policy.

Configuration can be split over multiple files, concatenated in the
order given.
`,
		Example:      "  dnslb config.toml",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt, args)
		},
	}
	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", 4, "log level; 0=None .. 6=Trace")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options, args []string) error {
	if opt.logLevel > 6 {
		return errors.Errorf("invalid log level: %d", opt.logLevel)
	}
	rdns.Log.SetLevel(logrus.Level(opt.logLevel))

	fc, err := loadConfig(args...)
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	snapshot, healthInterval, err := buildConfigSnapshot(fc)
	if err != nil {
		return errors.Wrap(err, "failed to build configuration")
	}
	store := rdns.NewConfigStore(snapshot)

	var accessLog *rdns.AccessLogger
	if fc.AccessLog.OutputFile != "" || fc.AccessLog.OutputFormat != "" || fc.AccessLog.QueueSize > 0 {
		accessLog, err = rdns.NewAccessLogger(rdns.AccessLogOptions{
			OutputFile:   fc.AccessLog.OutputFile,
			OutputFormat: rdns.LogFormat(fc.AccessLog.OutputFormat),
			QueueSize:    fc.AccessLog.QueueSize,
		})
		if err != nil {
			return errors.Wrap(err, "failed to set up access log")
		}
	}

	topNRingSize := fc.TopNRingSize
	if topNRingSize == 0 {
		topNRingSize = 1000
	}
	topNCount := fc.TopNCount
	if topNCount == 0 {
		topNCount = 10
	}
	topN := rdns.NewTopN("pipeline", "pipeline", topNRingSize, topNCount)

	pipeline := rdns.NewPipeline("pipeline", rdns.PipelineOptions{
		Store:     store,
		AccessLog: accessLog,
		TopN:      topN,
	})

	allowedNet, err := parseCIDRList(fc.ACL)
	if err != nil {
		return errors.Wrap(err, "invalid acl")
	}

	prober := rdns.NewHealthProber(snapshot.Registry, healthInterval)
	go prober.Start()

	if len(fc.ListenAddrs) == 0 {
		return errors.New("no listen_addrs configured")
	}
	for _, addr := range fc.ListenAddrs {
		addr := addr
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return errors.Wrapf(err, "invalid listen address %q", addr)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return errors.Wrapf(err, "failed to bind udp %q", addr)
		}
		go func() {
			rdns.Log.WithField("addr", addr).Info("starting udp listener")
			if err := pipeline.ServeUDP(conn); err != nil {
				rdns.Log.WithField("addr", addr).WithError(err).Error("udp listener failed")
			}
		}()

		tcpListener := rdns.NewDNSListener(addr, addr, "tcp", rdns.ListenOptions{AllowedNet: allowedNet}, pipeline)
		go func() {
			for {
				if err := tcpListener.Start(); err != nil {
					rdns.Log.WithField("addr", addr).WithError(err).Error("tcp listener failed")
				}
				time.Sleep(time.Second)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	<-sig
	rdns.Log.Info("stopping")
	prober.Stop()
	if accessLog != nil {
		accessLog.Stop()
	}
	for _, u := range snapshot.Registry.Snapshot() {
		_ = u.Close()
	}
	return nil
}
