// Command bpfmand is the bpfman dispatcher daemon. It loads a TOML
// configuration file, opens the durable store, rebuilds kernel state from
// the last run, loads any statically configured programs, serves the
// control API over a Unix socket, and shuts down gracefully on SIGTERM or
// SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bpfman/bpfmand/internal/audit"
	"github.com/bpfman/bpfmand/internal/bytecode"
	"github.com/bpfman/bpfmand/internal/command"
	"github.com/bpfman/bpfmand/internal/config"
	"github.com/bpfman/bpfmand/internal/control"
	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/kernel"
	"github.com/bpfman/bpfmand/internal/registry"
	"github.com/bpfman/bpfmand/internal/store"
)

// daemonConfig holds the parsed runtime configuration for the bpfmand binary.
type daemonConfig struct {
	ConfigPath    string
	StaticDir     string
	StorePath     string
	AuditLogPath  string
	BytecodeCache string
	SigningPubKey string
	PinRoot       string
	LogLevel      string
}

func main() {
	var cfg daemonConfig

	flag.StringVar(&cfg.ConfigPath, "config", "/etc/bpfman/bpfman.toml", "Path to the TOML daemon configuration file")
	flag.StringVar(&cfg.StaticDir, "static-programs-dir", "/etc/bpfman/programs.d", "Directory of statically configured programs to load at startup")
	flag.StringVar(&cfg.StorePath, "db-path", "/var/lib/bpfman/db", "Path to the durable state store")
	flag.StringVar(&cfg.AuditLogPath, "audit-log", "/var/log/bpfman/audit.log", "Path to the tamper-evident command audit log")
	flag.StringVar(&cfg.BytecodeCache, "bytecode-cache", "/var/lib/bpfman/bytecode-cache", "Directory caching pulled bytecode images")
	flag.StringVar(&cfg.SigningPubKey, "signing-pubkey", "", "Path to a PEM public key verifying signed bytecode images (optional)")
	flag.StringVar(&cfg.PinRoot, "pin-root", "/run/bpfman/fs", "BPF virtual filesystem root bpfmand pins programs and links under")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug | info | warn | error")
	flag.Parse()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("bpfmand exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg daemonConfig, logger *slog.Logger) error {
	if err := raiseMemlock(); err != nil {
		return fmt.Errorf("raising RLIMIT_MEMLOCK: %w", err)
	}

	daemonCfg, err := config.LoadConfig(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config %q: %w", cfg.ConfigPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.Open(ctx, cfg.StorePath, daemonCfg.RetryConfig())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	xdpTemplate, err := dispatcher.Template("xdp")
	if err != nil {
		return err
	}
	tcTemplate, err := dispatcher.Template("tc")
	if err != nil {
		return err
	}

	facility := kernel.NewLinuxFacility()
	defer facility.Close()

	pins := registry.PinRoots{
		XDP:        cfg.PinRoot + "/xdp",
		TCIngress:  cfg.PinRoot + "/tc-ingress",
		TCEgress:   cfg.PinRoot + "/tc-egress",
		Single:     cfg.PinRoot + "/single",
		MapPinRoot: cfg.PinRoot + "/maps",
	}
	reg := registry.New(s, facility, pins, xdpTemplate, tcTemplate)

	for name := range daemonCfg.Interfaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			logger.Warn("configured interface not present, skipping xdp_mode override",
				slog.String("interface", name), slog.Any("error", err))
			continue
		}
		reg.SetXDPMode(iface.Index, daemonCfg.XDPModeFor(name))
	}

	if err := reg.RebuildOnStart(ctx); err != nil {
		return fmt.Errorf("rebuilding state from store: %w", err)
	}

	auditLogger, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditLogger.Close()
	logger.Info("audit log opened", slog.String("path", cfg.AuditLogPath), slog.String("run_id", auditLogger.RunID()))

	var pubKey []byte
	if cfg.SigningPubKey != "" {
		pubKey, err = os.ReadFile(cfg.SigningPubKey)
		if err != nil {
			return fmt.Errorf("reading signing public key: %w", err)
		}
	}
	provider := bytecode.NewProvider(cfg.BytecodeCache, daemonCfg.Signing.AllowUnsigned, pubKey)
	fetcher := provider.Fetcher(bytecode.PullIfNotPresent, nil)

	disp := command.New(logger, reg, facility).WithAudit(auditLogger).WithBytecode(provider)

	qdiscEvents := kernel.WatchQdiscDestroyed(ctx, 2*time.Second, reg.TrackedTCInterfaces)
	if err := disp.Start(ctx, qdiscEvents); err != nil {
		return fmt.Errorf("starting command dispatcher: %w", err)
	}
	defer disp.Stop()

	if err := loadStaticPrograms(ctx, logger, cfg.StaticDir, disp, provider); err != nil {
		return fmt.Errorf("loading static programs: %w", err)
	}

	socketPath := daemonCfg.BoundEndpoint()
	if socketPath == "" {
		socketPath = "/run/bpfman/bpfman.sock"
	}

	listener, err := listenControlSocket(socketPath)
	if err != nil {
		return fmt.Errorf("listening on control socket %q: %w", socketPath, err)
	}

	controlSrv := control.NewServer(disp, fetcher)
	httpServer := &http.Server{
		Handler:      control.NewRouter(controlSrv),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("control API listening", slog.String("socket", socketPath))
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("control API server: %w", err)
			return
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("control API server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down bpfmand")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control API shutdown error", slog.Any("error", err))
	}

	cancel()
	logger.Info("bpfmand exited cleanly")
	return nil
}

// listenControlSocket binds a Unix socket at path, removing any stale
// socket file left by a prior unclean shutdown, sets its mode to 0660 and,
// when a bpfman group exists on the host, its group to bpfman, so only the
// owner and that group can connect (spec.md §6 "mode 0660, group bpfman" —
// filesystem permissions are this daemon's only authorization boundary on
// the control API).
func listenControlSocket(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o0660); err != nil {
		l.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	if g, err := user.LookupGroup("bpfman"); err == nil {
		gid, err := strconv.Atoi(g.Gid)
		if err == nil {
			err = os.Chown(path, -1, gid)
		}
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("chown socket to group bpfman: %w", err)
		}
	}
	return l, nil
}

// loadStaticPrograms reads every *.toml file under dir and issues a Load
// (and, where configured, an Attach) command for each entry through disp,
// resolving each program's Location through provider first (spec.md §6
// "static program directory"). A failure on one program is logged and
// skipped rather than aborting startup, so one misconfigured entry does
// not keep every other static program from loading.
func loadStaticPrograms(ctx context.Context, logger *slog.Logger, dir string, disp *command.Dispatcher, provider *bytecode.Provider) error {
	programs, err := config.LoadStaticPrograms(dir)
	if err != nil {
		return err
	}

	for _, sp := range programs {
		spec, err := sp.ToProgramSpec()
		if err != nil {
			logger.Error("static program has an invalid spec, skipping", slog.String("name", sp.Name), slog.Any("error", err))
			continue
		}

		data, err := provider.Fetch(ctx, spec.Location, bytecode.PullIfNotPresent, nil)
		if err != nil {
			logger.Error("static program bytecode fetch failed, skipping", slog.String("name", sp.Name), slog.Any("error", err))
			continue
		}
		spec.Bytecode = data

		res, err := disp.Submit(ctx, &command.Command{Kind: command.KindLoad, LoadArgs: &command.LoadArgs{Spec: spec}})
		if err != nil || res.Err != nil {
			logger.Error("static program load failed, skipping", slog.String("name", sp.Name), slog.Any("error", firstNonNil(err, res.Err)))
			continue
		}
		logger.Info("loaded static program", slog.String("name", sp.Name), slog.Uint64("program_id", uint64(res.ProgramID)))

		if sp.Attach == "" && sp.NetworkAttach == nil {
			continue
		}
		attach, err := sp.ToAttachSpec()
		if err != nil {
			logger.Error("static program attach target invalid, program left unattached", slog.String("name", sp.Name), slog.Any("error", err))
			continue
		}
		attachRes, err := disp.Submit(ctx, &command.Command{Kind: command.KindAttach, AttachArgs: &command.AttachArgs{ProgramID: res.ProgramID, Attach: attach}})
		if err != nil || attachRes.Err != nil {
			logger.Error("static program attach failed", slog.String("name", sp.Name), slog.Any("error", firstNonNil(err, attachRes.Err)))
			continue
		}
		logger.Info("attached static program", slog.String("name", sp.Name), slog.Uint64("link_id", uint64(attachRes.LinkID)))
	}
	return nil
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// raiseMemlock lifts RLIMIT_MEMLOCK to unlimited, required to load BPF
// programs and maps without hitting the kernel's default memory-accounting
// limit.
func raiseMemlock() error {
	return unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY})
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
