// Package cli команды клиента ledgerkeeper.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iudanet/ledgerkeeper/internal/client/api"
	"github.com/iudanet/ledgerkeeper/internal/client/auth"
	"github.com/iudanet/ledgerkeeper/internal/client/changelog"
	"github.com/iudanet/ledgerkeeper/internal/client/config"
	"github.com/iudanet/ledgerkeeper/internal/client/device"
	"github.com/iudanet/ledgerkeeper/internal/client/envelope"
	"github.com/iudanet/ledgerkeeper/internal/client/iocli"
	"github.com/iudanet/ledgerkeeper/internal/client/ledger"
	"github.com/iudanet/ledgerkeeper/internal/client/resolve"
	"github.com/iudanet/ledgerkeeper/internal/client/storage"
	"github.com/iudanet/ledgerkeeper/internal/client/storage/boltdb"
	"github.com/iudanet/ledgerkeeper/internal/client/sync"
	"github.com/iudanet/ledgerkeeper/internal/conflict"
	"github.com/iudanet/ledgerkeeper/internal/crdt"
	"github.com/iudanet/ledgerkeeper/internal/metrics"
	"github.com/iudanet/ledgerkeeper/internal/schema"
)

// PassphraseEnv переменная окружения с парольной фразой компании
const PassphraseEnv = "LEDGERKEEPER_PASSPHRASE"

// App зависимости команд. Открывается перед выполнением команды.
type App struct {
	io             iocli.IO
	viper          *viper.Viper
	cfg            *config.Config
	logger         *slog.Logger
	store          *boltdb.Storage
	apiClient      *api.Client
	authStore      *auth.Store
	auth           auth.Service
	schemas        *schema.Registry
	configFile     string
	passphraseFile string
}

// local компоненты, работающие без сети и без парольной фразы
type local struct {
	dev      *device.Context
	engine   *crdt.Engine
	detector *conflict.Detector
	log      *changelog.Log
	ledger   ledger.Service
	bridge   *resolve.Bridge
}

// Execute выполняет команду клиента с аргументами args.
// База данных закрывается и при ошибке команды.
func Execute(ctx context.Context, io iocli.IO, version string, args []string) error {
	app, cmd := NewRootCommand(io, version)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if cerr := app.close(); err == nil {
		err = cerr
	}
	return err
}

// NewRootCommand создает корневую команду клиента
func NewRootCommand(io iocli.IO, version string) (*App, *cobra.Command) {
	app := &App{io: io, viper: config.New()}

	cmd := &cobra.Command{
		Use:           "ledgerkeeper",
		Short:         "Local-first bookkeeping with multi-device sync",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.open(cmd.Context())
		},
	}
	cmd.SetOut(io)

	flags := cmd.PersistentFlags()
	flags.StringVar(&app.configFile, "config", "", "config file (YAML)")
	flags.StringVar(&app.passphraseFile, "passphrase-file", "", "file containing the company passphrase")
	flags.String("server", "", "relay URL")
	flags.String("db", "", "path to local database")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	_ = app.viper.BindPFlag("server", flags.Lookup("server"))
	_ = app.viper.BindPFlag("db", flags.Lookup("db"))
	_ = app.viper.BindPFlag("log_level", flags.Lookup("log-level"))

	cmd.AddCommand(
		newRegisterCommand(app),
		newLoginCommand(app),
		newLogoutCommand(app),
		newStatusCommand(app),
		newEntityCommand(app),
		newConflictsCommand(app),
		newSyncCommand(app),
		newCompactCommand(app),
	)
	return app, cmd
}

func (a *App) open(ctx context.Context) error {
	cfg, err := config.Load(a.viper, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, _ := config.ParseLevel(cfg.LogLevel)
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	a.schemas, err = cfg.Schemas()
	if err != nil {
		return err
	}

	a.store, err = boltdb.New(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.apiClient = api.NewClient(strings.TrimRight(cfg.Server, "/"))
	a.authStore = auth.NewStore(a.store)
	a.auth = auth.NewService(a.apiClient, a.authStore, a.logger)
	return nil
}

func (a *App) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// local собирает компоненты устройства по сохраненной сессии.
// Токены при этом не расшифровываются.
func (a *App) local(ctx context.Context) (*local, error) {
	stored, err := a.authStore.GetAuthEncryptData(ctx)
	if errors.Is(err, storage.ErrAuthNotFound) {
		return nil, auth.ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth data: %w", err)
	}

	dev := device.New(stored.CompanyID, stored.DeviceID)
	engine := crdt.NewEngine(a.schemas)
	detector := conflict.NewDetector(a.schemas)
	log := changelog.New(a.store, dev, engine, detector, a.logger)
	return &local{
		dev:      dev,
		engine:   engine,
		detector: detector,
		log:      log,
		ledger:   ledger.NewService(a.store, log, a.schemas, a.logger),
		bridge:   resolve.NewBridge(a.store, log, a.logger),
	}, nil
}

// session расшифровывает сессию и при необходимости обновляет токены
func (a *App) session(ctx context.Context) (*auth.Session, error) {
	passphrase, err := a.passphrase()
	if err != nil {
		return nil, err
	}
	sess, err := a.auth.Unlock(ctx, passphrase)
	if err != nil {
		return nil, err
	}
	sess, err = a.auth.EnsureFresh(ctx, sess)
	if err != nil {
		return nil, err
	}
	a.apiClient.SetAccessToken(sess.AccessToken)
	return sess, nil
}

// manager собирает сессию синхронизации
func (a *App) manager(ctx context.Context) (*sync.Manager, *local, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return nil, nil, err
	}
	l, err := a.local(ctx)
	if err != nil {
		return nil, nil, err
	}
	sealer, err := envelope.NewSealer(sess.Keys.EncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	mgr := sync.NewManager(a.store, l.log, l.engine, l.detector, sealer, a.apiClient,
		metrics.NewSync(nil), a.cfg.Sync.Manager(), a.logger)
	return mgr, l, nil
}

// interactive сообщает, будет ли парольная фраза запрошена у пользователя
func (a *App) interactive() bool {
	return os.Getenv(PassphraseEnv) == "" && a.passphraseFile == ""
}

// passphrase читает парольную фразу компании. Приоритет:
// 1. переменная окружения LEDGERKEEPER_PASSPHRASE
// 2. файл --passphrase-file
// 3. интерактивный ввод
func (a *App) passphrase() (string, error) {
	if env := os.Getenv(PassphraseEnv); env != "" {
		return env, nil
	}

	if a.passphraseFile != "" {
		content, err := os.ReadFile(a.passphraseFile)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase file: %w", err)
		}
		passphrase := strings.TrimSpace(string(content))
		if passphrase == "" {
			return "", fmt.Errorf("passphrase file is empty")
		}
		return passphrase, nil
	}

	passphrase, err := a.io.ReadPassword("Company passphrase: ")
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if passphrase == "" {
		return "", fmt.Errorf("passphrase cannot be empty")
	}
	return passphrase, nil
}
