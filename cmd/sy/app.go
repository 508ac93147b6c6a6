package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/zulandar/switchyard/internal/archive"
	"github.com/zulandar/switchyard/internal/callback"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/ledger"
	"github.com/zulandar/switchyard/internal/lock"
	"github.com/zulandar/switchyard/internal/notify"
	"github.com/zulandar/switchyard/internal/shard"
	"github.com/zulandar/switchyard/internal/telemetry"
	"github.com/zulandar/switchyard/internal/tenant"
	"github.com/zulandar/switchyard/internal/tracker"
	"gorm.io/gorm"
)

// app holds the components shared by the dispatcher-side commands.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	db       *gorm.DB
	ledger   *ledger.Ledger
	registry *shard.Registry
	tenants  *tenant.Static

	closers []func() error
}

// loadConfig loads the config file and builds the process logger.
func loadConfig(ctx context.Context, configPath string, logOut io.Writer) (*config.Config, *slog.Logger, telemetry.ShutdownFunc, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, logOut)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, shutdown, nil
}

// openApp loads the config, sets up telemetry and connects to the ledger
// database.
func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, log, shutdown, err := loadConfig(ctx, configPath, os.Stderr)
	if err != nil {
		return nil, err
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		shutdown(ctx)
		return nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	a := &app{
		cfg:      cfg,
		log:      log,
		db:       gormDB,
		ledger:   ledger.New(gormDB, log),
		registry: shard.NewRegistry(gormDB),
		tenants:  tenant.NewStatic(cfg.Tenants),
	}
	a.onClose(func() error {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(flushCtx)
	})
	a.onClose(func() error {
		sqlDB, err := gormDB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	return a, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
}

func (a *app) router() *shard.Router {
	probeTimeout := time.Duration(a.cfg.Dispatch.ProbeTimeoutSec) * time.Second
	return shard.NewRouter(a.registry, a.prober(), probeTimeout, a.log)
}

func (a *app) prober() shard.Prober {
	return shard.NewModeProber(nil)
}

func (a *app) locker() lock.Locker {
	rc := a.cfg.Redis
	if rc.Addr == "" {
		return lock.NewMemory()
	}
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	a.onClose(client.Close)
	return lock.NewRedis(client, time.Duration(rc.LockTTLSec)*time.Second, a.log)
}

// sender delivers over HTTP to API shards and, when RabbitMQ is configured,
// over AMQP to session shards.
func (a *app) sender() (dispatch.Sender, error) {
	ms := &dispatch.ModeSender{
		API: dispatch.NewHTTPSender(time.Duration(a.cfg.Dispatch.DispatchTimeoutSec) * time.Second),
	}
	if a.cfg.RabbitMQ.URL == "" {
		return ms, nil
	}
	conn, err := amqp.Dial(a.cfg.RabbitMQ.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	a.onClose(conn.Close)
	as, err := dispatch.NewAMQPSender(conn, a.cfg.RabbitMQ.Exchange)
	if err != nil {
		return nil, err
	}
	a.onClose(as.Close)
	ms.Session = as
	return ms, nil
}

func (a *app) signer() *callback.Signer {
	if a.cfg.Server.CallbackSecret == "" {
		return nil
	}
	return callback.NewSigner(a.cfg.Server.CallbackSecret, time.Duration(a.cfg.Server.CallbackTTLMin)*time.Minute)
}

// archiver returns nil when MinIO is not configured so Cleanup skips
// archiving.
func (a *app) archiver(ctx context.Context) (ledger.Archiver, error) {
	if a.cfg.Minio.Endpoint == "" {
		return nil, nil
	}
	m, err := archive.NewMinio(a.cfg.Minio)
	if err != nil {
		return nil, err
	}
	if err := m.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (a *app) dispatcher() (*dispatch.Dispatcher, error) {
	sender, err := a.sender()
	if err != nil {
		return nil, err
	}
	return dispatch.New(dispatch.Deps{
		Ledger:   a.ledger,
		Router:   a.router(),
		Tenants:  a.tenants,
		Trackers: jiraFor,
		Sender:   sender,
		Locker:   a.locker(),
		Signer:   a.signer(),
		Notifier: buildNotifier(a.cfg.Notify, a.log),
		Log:      a.log,
	}, dispatch.OptionsFrom(a.cfg)), nil
}

func jiraFor(t *config.TenantConfig) tracker.Client {
	c := t.Credentials
	return tracker.NewJira(c.TicketTrackerURL, c.TicketTrackerEmail, c.TicketTrackerToken, nil)
}

// buildNotifier fans out to every configured chat target. A target that
// fails to initialise is logged and skipped.
func buildNotifier(cfg config.NotifyConfig, log *slog.Logger) notify.Notifier {
	var ns []notify.Notifier
	if cfg.Slack.BotToken != "" {
		ns = append(ns, notify.NewSlack(cfg.Slack.BotToken, cfg.Slack.ChannelID))
	}
	if cfg.Discord.BotToken != "" {
		d, err := notify.NewDiscord(cfg.Discord.BotToken, cfg.Discord.ChannelID)
		if err != nil {
			log.Warn("discord notifications disabled", "error", err)
		} else {
			ns = append(ns, d)
		}
	}
	if len(ns) == 0 {
		return notify.Nop{}
	}
	return notify.NewMulti(log, ns...)
}
