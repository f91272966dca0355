package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"homereach/config"
	"homereach/deviceapi"
	"homereach/discovery"
	"homereach/logging"
	"homereach/metrics"
	"homereach/models"
	"homereach/netwatch"
	"homereach/probe"
	"homereach/reachability"
	"homereach/remote"
	"homereach/storage"
	"homereach/transport"
)

const usage = `usage: homereach <command> [flags]

commands:
  run       resolve devices continuously (SIGUSR1 forces a refresh)
  login     sign in with an emailed one-time code
  logout    sign out and forget cached devices
  devices   fetch, probe and print devices once
`

type app struct {
	cfg      *config.ClientConfig
	store    *storage.Store
	logger   *zap.Logger
	service  *reachability.Service
	scanner  *discovery.Scanner
	observer *netwatch.Poller
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("startup failed while loading .env: %v", err)
	}
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: "stderr"}); err != nil {
		log.Fatalf("startup failed while initialising logging: %v", err)
	}
	defer func() { _ = logging.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "run":
		err = runCommand(ctx, cfg, cfgPath, args)
	case "login":
		err = loginCommand(ctx, cfg, cfgPath, args)
	case "logout":
		err = logoutCommand(ctx, cfg, cfgPath)
	case "devices":
		err = devicesCommand(ctx, cfg, cfgPath, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logging.L().Error("command failed", zap.String("command", cmd), zap.Error(err))
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, cfg *config.ClientConfig, cfgPath string, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(cfg, cfgPath, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("shutdown error", zap.Error(err))
		}
	}()

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.logger.Info("metrics listener started", zap.String("addr", *metricsAddr))
	}

	foreground := make(chan os.Signal, 1)
	signal.Notify(foreground, syscall.SIGUSR1)
	defer signal.Stop(foreground)

	devices, unsubscribe := a.service.Subscribe()
	defer unsubscribe()
	reachable, unsubscribeReach := a.service.SubscribeReachability()
	defer unsubscribeReach()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	for {
		select {
		case <-ctx.Done():
			fmt.Println("Status:          shutting down")
			return nil
		case <-foreground:
			a.service.NotifyForeground()
		case up, ok := <-reachable:
			if !ok {
				return nil
			}
			a.logger.Info("network reachability changed", zap.Bool("reachable", up))
		case list, ok := <-devices:
			if !ok {
				return nil
			}
			printDevices(a.service, list)
		}
	}
}

func loginCommand(ctx context.Context, cfg *config.ClientConfig, cfgPath string, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*email) == "" {
		return errors.New("login: -email is required")
	}

	a, err := newApp(cfg, cfgPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	reference, err := a.service.SendEmailCode(ctx, *email)
	if err != nil {
		return fmt.Errorf("send email code: %w", err)
	}

	fmt.Printf("A code was sent to %s. Enter it: ", *email)
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read code: %w", err)
	}

	signedIn, err := a.service.ValidateEmailCode(ctx, strings.TrimSpace(code), reference)
	if err != nil {
		return fmt.Errorf("validate email code: %w", err)
	}
	fmt.Printf("Signed in as %s\n", signedIn)
	return nil
}

func logoutCommand(ctx context.Context, cfg *config.ClientConfig, cfgPath string) error {
	a, err := newApp(cfg, cfgPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.service.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}

func devicesCommand(ctx context.Context, cfg *config.ClientConfig, cfgPath string, args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	connect := fs.String("connect", "", "mark the device with this certificate common name as connected")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(cfg, cfgPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	email, err := a.service.Email(ctx)
	if err != nil {
		return err
	}
	if email == "" {
		return errors.New("not signed in; run homereach login first")
	}

	list, err := a.service.GetMergedDevices(ctx, email)
	if err != nil {
		if len(list) == 0 {
			return err
		}
		a.logger.Warn("directory unavailable, showing known devices", zap.Error(err))
	}
	printDevices(a.service, list)

	if *connect != "" {
		if err := a.service.SetConnected(ctx, *connect); err != nil {
			return fmt.Errorf("set connected: %w", err)
		}
		if u, ok := a.service.CurrentBaseURL(*connect); ok {
			fmt.Printf("Connected:       %s via %s\n", *connect, u)
		}
	}
	return nil
}

// newApp wires the store, clients and service. Local discovery and the
// network observer only run for long-lived commands.
func newApp(cfg *config.ClientConfig, cfgPath string, live bool) (*app, error) {
	logger := logging.Named("homereach")
	dataDir := filepath.Dir(cfgPath)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Debug("database opened", zap.String("path", dbPath))
	a := &app{cfg: cfg, store: store, logger: logger}

	var pinned []byte
	if cfg.PinnedRootCertPath != "" {
		pinned, err = transport.LoadPinnedRoot(cfg.PinnedRootCertPath)
		if err != nil {
			return nil, multierr.Append(err, a.Close())
		}
	}

	directoryHTTP, err := transport.NewHTTPClient(transport.Policy{
		PinnedRootPEM:      pinned,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Timeout:            cfg.DirectoryTimeoutDuration(),
		Logger:             logging.Named("transport"),
	})
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	// Device calls are bounded per probe by context, not by the client.
	deviceHTTP, err := transport.NewHTTPClient(transport.Policy{
		PinnedRootPEM:      pinned,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Logger:             logging.Named("transport"),
	})
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}

	directory, err := remote.New(remote.Options{
		BaseURL:            cfg.DirectoryURL,
		ClientID:           cfg.ClientID,
		ClientFriendlyName: cfg.ClientFriendlyName,
		HTTPClient:         directoryHTTP,
		Tokens:             store,
		Logger:             logging.Named("remote"),
	})
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}

	devices := deviceapi.New(deviceHTTP, cfg.DeviceScheme)
	engine := probe.NewEngine(devices, cfg.ProbeTimeoutDuration(), logging.Named("probe"))

	opts := reachability.Options{
		Directory:        directory,
		Prober:           engine,
		State:            store,
		Logger:           logging.Named("reachability"),
		DebounceInterval: cfg.DebounceIntervalDuration(),
		PeriodicInterval: cfg.PeriodicIntervalDuration(),
		Scheme:           cfg.DeviceScheme,
		Manual:           !live,
		OnBestURLChange: func(cn string, u *url.URL) {
			logger.Info("connected device base url changed",
				zap.String("certificate_common_name", cn),
				zap.String("url", u.String()),
			)
		},
	}

	if live {
		scanner, err := discovery.NewScanner(discovery.Config{
			Service:       cfg.ServiceType,
			WiFiInterface: cfg.WiFiInterface,
			Identifier:    devices,
			Logger:        logging.Named("discovery"),
		})
		if err != nil {
			return nil, multierr.Append(err, a.Close())
		}
		if err := scanner.Start(); err != nil {
			logger.Warn("local discovery unavailable", zap.Error(err))
		} else {
			a.scanner = scanner
			opts.Discovery = scanner
		}

		a.observer = netwatch.NewPoller(netwatch.PollerOptions{Logger: logging.Named("netwatch")})
		a.observer.Start()
		opts.Observer = a.observer
		st := a.observer.Current()
		logger.Info("network observer started",
			zap.Bool("reachable", st.Reachable),
			zap.String("interface", st.Interface),
		)
	}

	service, err := reachability.New(opts)
	if err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	a.service = service
	service.Start()
	return a, nil
}

// Close stops components in reverse start order.
func (a *app) Close() error {
	var err error
	if a.service != nil {
		err = multierr.Append(err, a.service.Close())
	}
	if a.scanner != nil {
		a.scanner.Stop()
	}
	if a.observer != nil {
		a.observer.Stop()
	}
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	return err
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func printDevices(service *reachability.Service, list []models.MergedDevice) {
	fmt.Printf("Devices:         %d\n", len(list))
	for _, d := range list {
		cn := d.CertificateCommonName()
		line := fmt.Sprintf("  %-24s %-12s", d.DisplayName(), d.Reachability())
		if u, ok := service.CurrentBaseURL(cn); ok {
			line += " " + u.String()
		}
		if d.Local != nil {
			line += " (local " + d.Local.HostPort() + ")"
		}
		fmt.Println(line)
	}
}
