package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"v2gcharge/backend/libs/db"
	libredis "v2gcharge/backend/libs/redis"
	"v2gcharge/backend/services/v2g-node/internal/association"
	"v2gcharge/backend/services/v2g-node/internal/clients"
	"v2gcharge/backend/services/v2g-node/internal/config"
	"v2gcharge/backend/services/v2g-node/internal/events"
	"v2gcharge/backend/services/v2g-node/internal/handlers"
	"v2gcharge/backend/services/v2g-node/internal/linepower"
	redisstore "v2gcharge/backend/services/v2g-node/internal/redis"
	"v2gcharge/backend/services/v2g-node/internal/repository"
	"v2gcharge/backend/services/v2g-node/internal/trust"
	"v2gcharge/backend/services/v2g-node/internal/ws"
	"v2gcharge/backend/services/v2g-node/migrations"
)

var (
	ErrNoListener = errors.New("app: both tls and tcp listeners are disabled")
	ErrNoContract = errors.New("app: paid charging needs a contract credential")
)

// App wires all dependencies for one node role.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	line   *linepower.Line

	associator association.Associator
	flags      association.FlagsFunc

	// EV side
	credential *trust.Credential

	// EVSE side
	anchors    *trust.AnchorSet
	authorizer handlers.Authorizer
	bus        *events.Bus
	hub        *ws.Hub
	mqtt       *clients.MQTTPublisher
	db         *sql.DB
	redis      *goredis.Client
}

// New builds the application graph. Failures here are fatal startup errors.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		cfg:        cfg,
		logger:     logger.With(zap.String("role", cfg.Node.Role.String()), zap.String("iface", cfg.Node.Interface)),
		associator: association.NewLinkAssociator(cfg.Association.AttemptTimeout),
		flags:      association.InterfaceFlags,
	}

	var sw linepower.Switch = linepower.NewLogSwitch(a.logger)
	if cfg.LinePower.ControlFile != "" {
		sw = &linepower.FileSwitch{Path: cfg.LinePower.ControlFile}
	}
	a.line = linepower.NewLine(sw, cfg.Node.Interface, cfg.NodeMAC())

	var err error
	switch cfg.Node.Role {
	case config.RoleEV:
		err = a.initEV()
	case config.RoleEVSE:
		err = a.initEVSE(ctx)
	default:
		err = fmt.Errorf("app: unknown role %v", cfg.Node.Role)
	}
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// initEV loads the contract credential. A configured credential that cannot
// be read is fatal even for free charging; leaving both the bundle and the
// chain unset is allowed only when charging is free.
func (a *App) initEV() error {
	certs := a.cfg.Certs
	if certs.ContractBundle == "" && certs.ContractChain == "" {
		if !a.cfg.Features.FreeCharging {
			return ErrNoContract
		}
		a.logger.Info("no contract configured, charging must be free")
		return nil
	}

	var (
		cred *trust.Credential
		err  error
	)
	if certs.ContractBundle != "" {
		cred, err = trust.LoadContractPKCS12(certs.ContractBundle, certs.ContractBundlePassword)
	} else {
		cred, err = trust.LoadContract(certs.ContractChain, certs.ContractKey)
	}
	if err != nil {
		return fmt.Errorf("app: load contract: %w", err)
	}
	a.credential = cred
	a.logger.Info("contract loaded", zap.String("emaid", cred.EMAID))
	return nil
}

func (a *App) initEVSE(ctx context.Context) error {
	anchors, err := trust.LoadContractChain(a.cfg.Certs.ContractRoots)
	if err != nil {
		return fmt.Errorf("app: load trust anchors: %w", err)
	}
	a.anchors = anchors
	a.logger.Info("trust anchors loaded", zap.Int("count", anchors.Len()))

	a.authorizer = repository.AllowAll{}
	if a.cfg.Database.DSN != "" {
		sqlDB, err := db.Open(ctx, db.Options{DSN: a.cfg.Database.DSN, MaxOpenConns: a.cfg.Database.MaxConns})
		if err != nil {
			return fmt.Errorf("app: postgres: %w", err)
		}
		a.db = sqlDB
		if a.cfg.Database.Migrate {
			applied, err := db.Migrate(ctx, sqlDB, migrations.FS)
			if err != nil {
				return fmt.Errorf("app: %w", err)
			}
			a.logger.Info("schema applied", zap.Strings("scripts", applied))
		}
		a.authorizer = repository.NewContractRepository(sqlDB)
	}

	a.hub = ws.NewHub(0)
	a.bus = events.NewBus(a.logger, a.hub)

	if a.cfg.Redis.Addr != "" {
		client, err := libredis.NewClient(ctx, libredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("app: redis: %w", err)
		}
		a.redis = client
		a.bus.Add(redisstore.NewStore(client, a.cfg.Redis.TTL))
	}

	if a.cfg.MQTT.BrokerURL != "" {
		clientID := a.cfg.MQTT.ClientID
		if clientID == "" {
			clientID = "v2g-node-" + a.cfg.EVCCID()
		}
		publisher, err := clients.NewMQTTPublisher(a.cfg.MQTT.BrokerURL, clientID, a.cfg.MQTT.TopicPrefix, a.logger)
		if err != nil {
			return err
		}
		a.mqtt = publisher
		a.bus.Add(publisher)
	}
	return nil
}

// Run executes the configured role until it completes or ctx ends. Only
// fatal errors are returned; a failed charging session is logged.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Node.Role == config.RoleEV {
		return a.runEV(ctx)
	}
	return a.runEVSE(ctx)
}

// Close releases resources. It is safe to call more than once.
func (a *App) Close() {
	if a.credential != nil {
		a.credential.Release()
		a.credential = nil
	}
	if a.mqtt != nil {
		a.mqtt.Close()
		a.mqtt = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
		a.db = nil
	}
}
