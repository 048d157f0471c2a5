// Command miltersentryd is the milter-auth entrypoint: it reads the flat
// key/value configuration file (internal/config), builds the first
// Context (internal/ctxmgr), and wires the milter listener (internal/
// session's MilterAdapter) and the admin Control Channel (internal/ctrl)
// against it, following original_source/yenma/yenma.c's main() bootstrap
// sequence and foxcpp-maddy's run.go/signal.go flag-and-signal style.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/emersion/go-milter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"

	"github.com/mailauth/miltersentry/framework/log"
	"github.com/mailauth/miltersentry/internal/config"
	"github.com/mailauth/miltersentry/internal/connctr"
	"github.com/mailauth/miltersentry/internal/ctrl"
	"github.com/mailauth/miltersentry/internal/ctxmgr"
	"github.com/mailauth/miltersentry/internal/ipblock"
	"github.com/mailauth/miltersentry/internal/resolverpool"
	"github.com/mailauth/miltersentry/internal/session"
	"github.com/mailauth/miltersentry/internal/stats"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "/etc/miltersentryd/miltersentryd.conf", "path to configuration file")
		debug       = flag.Bool("debug", false, "enable debug logging")
		metricsAddr = flag.String("metrics", "", "address to serve Prometheus metrics on (disabled if empty)")
	)
	flag.Parse()

	logger := log.Logger{Out: log.WriterOutput(os.Stderr, true), Name: "miltersentryd", Debug: *debug}

	absCfg, err := filepath.Abs(*configPath)
	if err != nil {
		logger.Printf("resolve config path: %v", err)
		return 2
	}

	registry := prometheus.NewRegistry()

	loadSnapshot := func() (ctxmgr.PolicySnapshot, error) {
		cfgFile, err := reopenConfig(absCfg)
		if err != nil {
			return ctxmgr.PolicySnapshot{}, err
		}
		snap, err := cfgFile.ToSnapshot()
		if err != nil {
			return ctxmgr.PolicySnapshot{}, err
		}
		snap.ConfigFile = absCfg
		snap.ResolverInit = resolverpool.NewDefault(nil)
		return snap, nil
	}

	initial, err := loadSnapshot()
	if err != nil {
		logger.Printf("load configuration: %v", err)
		return 2
	}
	initial.Stats = stats.New(registry)

	ctx, err := ctxmgr.Build(initial, nil)
	if err != nil {
		logger.Printf("build context: %v", err)
		return 2
	}
	mgr := ctxmgr.NewManager(ctx, ctxmgr.DefaultReloadTimeout)
	counter := connctr.New()

	rebuild := func(old *ctxmgr.Context) (*ctxmgr.Context, error) {
		snap, err := loadSnapshot()
		if err != nil {
			return nil, err
		}
		return ctxmgr.Build(snap, old)
	}

	cfgFile, err := reopenConfig(absCfg)
	if err != nil {
		logger.Printf("open configuration: %v", err)
		return 2
	}

	milterLn, network, addr, err := listenURI(cfgFile.MilterSocket())
	if err != nil {
		logger.Printf("listen on milter socket %s: %v", cfgFile.MilterSocket(), err)
		return 2
	}
	logger.Printf("milter listening on %s:%s", network, addr)

	milterSrv := &milter.Server{
		NewMilter: session.NewFactory(mgr, counter, logger, true),
		Actions:   milter.OptAddHeader | milter.OptChangeHeader,
		Protocol:  milter.OptNoRcptTo,
	}

	var ctrlSrv *ctrl.Server
	var ctrlLn net.Listener
	if cfgFile.ControlSocket() != "" {
		access, err := ipblock.Build(cfgFile.ControlAccess())
		if err != nil {
			logger.Printf("build control access list: %v", err)
			return 2
		}

		ctrlLn, network, addr, err = listenURI(cfgFile.ControlSocket())
		if err != nil {
			logger.Printf("listen on control socket %s: %v", cfgFile.ControlSocket(), err)
			return 2
		}
		logger.Printf("control channel listening on %s:%s", network, addr)

		ctrlSrv = ctrl.New(mgr, counter, rebuild, milterSrv.Close, logger,
			ctrl.WithAccess(access),
			ctrl.WithGracefulTimeout(ctxmgr.DefaultReloadTimeout))
		go func() {
			if err := ctrlSrv.Serve(ctrlLn); err != nil {
				logger.Printf("control channel: %v", err)
			}
		}()
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Printf("metrics server: %v", err)
			}
		}()
		logger.Printf("metrics listening on %s", *metricsAddr)
	}

	go handleSignals(logger, mgr, rebuild, milterSrv, ctrlSrv)

	serveErr := milterSrv.Serve(milterLn)
	if serveErr != nil && !errors.Is(serveErr, milter.ErrServerClosed) {
		logger.Printf("milter: %v", serveErr)
	}

	if ctrlSrv != nil && ctrlSrv.Graceful() {
		logger.Printf("draining in-flight connections: count=%d", counter.Count())
		counter.Release()
		done := make(chan struct{})
		timer := time.AfterFunc(ctrlSrv.GracefulTimeout(), func() { close(done) })
		if counter.WaitForZero(done) {
			timer.Stop()
			logger.Printf("graceful shutdown: all connections closed")
		} else {
			logger.Printf("graceful shutdown: timed out after %s waiting for connections to close", ctrlSrv.GracefulTimeout())
		}
	}

	if ctrlSrv != nil {
		ctrlSrv.Shutdown()
	}

	return 0
}

// reopenConfig re-reads the configuration file for its socket paths,
// which are read once at startup and not reloaded by RELOAD (spec §6:
// listener addresses take effect only on restart).
func reopenConfig(path string) (*config.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return config.Read(f)
}

// listenURI splits a "network://address" listen URI (spec §6's socket
// path convention, shared with the go-milter community's own examples)
// and opens the listener.
func listenURI(uri string) (net.Listener, string, string, error) {
	parts := strings.SplitN(uri, "://", 2)
	if len(parts) != 2 {
		return nil, "", "", fmt.Errorf("invalid listen URI %q: expected network://address", uri)
	}
	network, addr := parts[0], parts[1]
	if network == "unix" {
		os.Remove(addr)
	}
	ln, err := net.Listen(network, addr)
	return ln, network, addr, err
}

// handleSignals implements the reload/shutdown half of the Control
// Channel's command surface from the OS side, mirroring
// foxcpp-maddy/signal.go: SIGHUP triggers the same rebuild RELOAD uses,
// SIGTERM/SIGINT stop the milter and control listeners immediately.
func handleSignals(logger log.Logger, mgr *ctxmgr.Manager, rebuild ctrl.Rebuilder, milterSrv *milter.Server, ctrlSrv *ctrl.Server) {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for s := range sig {
		switch s {
		case syscall.SIGHUP:
			logger.Printf("signal received (%s), reloading configuration", s)
			if err := mgr.Reload(rebuild); err != nil {
				logger.Printf("reload failed: %v", err)
			}
		default:
			logger.Printf("signal received (%s), shutting down", s)
			milterSrv.Close()
			if ctrlSrv != nil {
				ctrlSrv.Shutdown()
			}
			return
		}
	}
}
