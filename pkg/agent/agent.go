package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/zenduo/duod/internal/audiosvc"
	"github.com/zenduo/duod/internal/cmdsvc"
	"github.com/zenduo/duod/internal/config"
	"github.com/zenduo/duod/internal/configsvc"
	"github.com/zenduo/duod/internal/displaysvc"
	"github.com/zenduo/duod/internal/hotplug"
	"github.com/zenduo/duod/internal/idlesvc"
	"github.com/zenduo/duod/internal/keymap"
	"github.com/zenduo/duod/internal/ledger"
	"github.com/zenduo/duod/internal/state"
	"github.com/zenduo/duod/internal/suspendsvc"
	"github.com/zenduo/duod/internal/transport/btkbd"
	"github.com/zenduo/duod/internal/transport/usbkbd"
	"github.com/zenduo/duod/internal/vkbd"
	"github.com/zenduo/duod/pkg/bus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

type Agent struct {
	config Config
	log    *zap.Logger

	ledger    *ledger.Ledger
	configSvc *configsvc.Service

	running    atomic.Pointer[config.Config]
	translator atomic.Pointer[keymap.Translator]
}

// NewLogger builds the development logger used by every command.
func NewLogger(level string) (*zap.Logger, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		loggerConfig.Level = lvl
	}
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func NewAgent(cfg Config) (*Agent, error) {
	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	// TODO: run value log GC on the ledger db
	l, err := ledger.Open(logger.Named("ledger"), cfg.DataDir)
	if err != nil {
		return nil, err
	}

	return &Agent{
		config:    cfg,
		log:       logger,
		ledger:    l,
		configSvc: configsvc.New(logger.Named("config")),
	}, nil
}

func (a *Agent) Close() error {
	err := a.ledger.Close()
	_ = a.log.Sync()
	return err
}

func (a *Agent) Ledger() *ledger.Ledger {
	return a.ledger
}

// DefaultConfig is the stock configuration with the product id of this laptop's keyboard.
func DefaultConfig(log *zap.Logger) config.Config {
	cfg := config.Default()
	cfg.USBProductID = fmt.Sprintf("%04x", usbkbd.DetectProductID(log))
	return cfg
}

// Run starts the daemon and blocks until the context is cancelled.
// Startup fails if the configuration is not valid. A configuration that becomes invalid later
// is logged and the last valid one stays in effect.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.configSvc.Start(groupCtx)
	})
	err := a.run(groupCtx, group)
	if err != nil {
		cancel()
		_ = group.Wait()
		return err
	}

	err = group.Wait()
	if err != nil {
		return fmt.Errorf("agent failed: %w", err)
	}
	return nil
}

func (a *Agent) run(ctx context.Context, group *errgroup.Group) error {
	select {
	case <-a.configSvc.Ready():
	case <-ctx.Done():
		return nil
	}
	cfg, err := configsvc.RegisterWriteable(a.configSvc, a.config.ConfigPath, DefaultConfig(a.log), a.onConfigChanged)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", a.config.ConfigPath, err)
	}
	a.running.Store(&cfg)
	vendorID, _ := cfg.VendorID()
	productID, _ := cfg.ProductID()
	km, _ := cfg.Keymap()

	usb, err := usbkbd.New(a.log.Named("usb"), vendorID, productID, usbkbd.WithDevDir(cfg.HidrawDir))
	if err != nil {
		return err
	}
	attached := usb.Attached(ctx)
	a.log.Info("Probed wired keyboard", zap.Bool("attached", attached))

	events := bus.NewBus[state.Event](a.log.Named("bus"))
	store := state.NewStore(a.log.Named("state"), events, attached)

	kbd, err := vkbd.New(a.log.Named("vkbd"), vkbd.DefaultName, vendorID, productID, km.Codes())
	if err != nil {
		usb.Close()
		return err
	}
	translator := keymap.NewTranslator(a.log.Named("keymap"), km, kbd, store, nil)
	a.translator.Store(translator)

	notifier := idlesvc.NewNotifier()
	engine := idlesvc.NewEngine(a.log.Named("idle"), cfg.IdleTimeout(), notifier, store)
	monitor := idlesvc.NewMonitor(a.log.Named("idle.monitor"), cfg.KeyboardName, notifier, idlesvc.WithInputDir(cfg.InputDir))

	usbSup := hotplug.NewSupervisor(a.log.Named("hotplug.usb"), usb, store, events, translator,
		hotplug.WithAttachTracking(),
		hotplug.WithLedger(a.ledger),
	)
	bt := btkbd.New(a.log.Named("bluetooth"), cfg.KeyboardName, btkbd.WithInputDir(cfg.InputDir))
	btSup := hotplug.NewSupervisor(a.log.Named("hotplug.bluetooth"), bt, store, events, translator,
		hotplug.WithLedger(a.ledger),
	)

	cmds := cmdsvc.New(a.log.Named("cmd"), cfg.PipePath, store)
	display := displaysvc.New(a.log.Named("display"), displaysvc.Paths{
		Status:             cfg.SecondaryDisplayStatusPath,
		PrimaryBacklight:   cfg.PrimaryBacklightPath,
		SecondaryBacklight: cfg.SecondaryBacklightPath,
	}, store, events, displaysvc.WithInterval(cfg.ReconcileInterval()))

	// shared resources are released once every unit has stopped
	units, unitsCtx := errgroup.WithContext(ctx)
	start := func(fn func(context.Context) error) {
		units.Go(func() error {
			return fn(unitsCtx)
		})
	}
	start(engine.Start)
	start(monitor.Start)
	start(usbSup.Start)
	start(btSup.Start)
	start(cmds.Start)
	start(display.Start)
	if cfg.MicMuteSync {
		observer := audiosvc.NewObserver(a.log.Named("audio"), audiosvc.NewPactl(a.log.Named("pactl")), store)
		start(observer.Start)
	}
	if cfg.LogindSuspend {
		start(suspendsvc.New(a.log.Named("suspend"), store).Start)
	}

	group.Go(func() error {
		return a.notifySystemd(unitsCtx, usbSup.Ready(), btSup.Ready(), cmds.Ready(), display.Ready())
	})
	group.Go(func() error {
		err := units.Wait()
		notifier.Close()
		events.Close()
		if err := kbd.Close(); err != nil {
			a.log.Warn("Failed to close virtual keyboard", zap.Error(err))
		}
		if err := usb.Close(); err != nil {
			a.log.Warn("Failed to release hidapi", zap.Error(err))
		}
		a.log.Info("Stopped", zap.Any("state", store.Snapshot()))
		return err
	})
	return nil
}

func (a *Agent) onConfigChanged(cfg config.Config, err error) {
	if err != nil {
		a.log.Error("Failed to reload config, keeping the previous one", zap.Error(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		a.log.Error("Invalid config, keeping the previous one", zap.Error(err))
		return
	}
	translator := a.translator.Load()
	running := a.running.Load()
	if translator == nil || running == nil {
		return
	}
	if running.RestartRequired(cfg) {
		a.log.Warn("Config changes other than key bindings need a restart")
	}
	km, _ := cfg.Keymap()
	translator.SetKeymap(km)
	a.log.Info("Applied key bindings")
}

// notifySystemd reports readiness once every unit serves, then feeds the watchdog if enabled.
func (a *Agent) notifySystemd(ctx context.Context, ready ...<-chan struct{}) error {
	for _, r := range ready {
		select {
		case <-r:
		case <-ctx.Done():
			return nil
		}
	}
	a.log.Info("Daemon ready")

	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		return fmt.Errorf("notify systemd: %w", err)
	}
	if !supported {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("check watchdog: %w", err)
	}
	if interval == 0 {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return nil
		case <-time.After(interval / 2):
			_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			if err != nil {
				return fmt.Errorf("notify watchdog: %w", err)
			}
		}
	}
}
