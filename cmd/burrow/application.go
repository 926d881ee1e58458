package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/dig"
	"go.uber.org/fx"

	"github.com/burrowhq/burrow/stats"
	"github.com/burrowhq/burrow/tunnel"
	"github.com/burrowhq/burrow/tunnel/inmemory"
	"github.com/burrowhq/burrow/tunnel/postgres"
)

const (
	ConfigHTTPAddr     = "http.addr"
	ConfigApiEnabled   = "api.enabled"
	ConfigPprofEnabled = "pprof.enabled"

	ConfigSSHBinary = "ssh.binary"

	ConfigTunnelConnectionTimeout = "tunnel.connection_timeout"
	ConfigTunnelStopGracePeriod   = "tunnel.stop_grace_period"

	ConfigReconnectInitialInterval = "tunnel.reconnect.initial_interval"
	ConfigReconnectMaxInterval     = "tunnel.reconnect.max_interval"
	ConfigReconnectMultiplier      = "tunnel.reconnect.multiplier"
	ConfigReconnectJitter          = "tunnel.reconnect.jitter"
	ConfigReconnectMaxRetries      = "tunnel.reconnect.max_retries"

	ConfigStoreType = "store.type"

	ConfigPostgresUri     = "postgres.uri"
	ConfigPostgresHost    = "postgres.host"
	ConfigPostgresPort    = "postgres.port"
	ConfigPostgresUser    = "postgres.user"
	ConfigPostgresPass    = "postgres.pass"
	ConfigPostgresDbName  = "postgres.dbname"
	ConfigPostgresSslmode = "postgres.sslmode"

	ConfigLogLevel   = "log.level"
	ConfigLogFormat  = "log.format"
	ConfigStatsdAddr = "statsd.addr"
)

func initDefaults(config *viper.Viper) {
	config.SetDefault(ConfigHTTPAddr, ":8080")
	config.SetDefault(ConfigApiEnabled, true)
	config.SetDefault(ConfigSSHBinary, "ssh")
	config.SetDefault(ConfigTunnelConnectionTimeout, 10*time.Second)
	config.SetDefault(ConfigTunnelStopGracePeriod, 5*time.Second)
	config.SetDefault(ConfigReconnectInitialInterval, 1*time.Second)
	config.SetDefault(ConfigReconnectMaxInterval, 60*time.Second)
	config.SetDefault(ConfigReconnectMultiplier, 2.0)
	config.SetDefault(ConfigReconnectJitter, 0.5)
	config.SetDefault(ConfigReconnectMaxRetries, 5)
	config.SetDefault(ConfigStoreType, "in-memory")
	config.SetDefault(ConfigLogLevel, "info")
	config.SetDefault(ConfigLogFormat, "text")
}

// startApplication boots the application dependency injection framework and executes the bootFuncs
func startApplication(bootFuncs ...interface{}) error {
	app := fx.New(
		// Define dependencies.
		fx.Provide(
			// Control plane API.
			newTunnelAPI,

			// Tunnel lifecycle manager.
			newManager,
			// Durable (or in-memory) store for tunnel configs.
			newStore,
			// Expose an HTTP server for anything that needs it.
			newHTTPServer,
			// Report metrics and events to a statsd collector.
			newStats,
			// Healthcheck manager. Reports status over HTTP.
			newHealthcheck,
			// Viper configuration management.
			newConfig,
			// Logger.
			newLogger,
		),

		// Execute entrypoint functions.
		fx.Invoke(bootFuncs...),

		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	go func() {
		if err := app.Start(startCtx); err != nil {
			switch v := dig.RootCause(err).(type) {
			case configError:
				logrus.Fatalf("Config error: %v", v)
			default:
				logrus.Fatalf("Startup error: %v", v)
			}
		}

		logrus.WithField("version", version).Info("burrow started")
	}()

	<-app.Done()

	logrus.Info("burrow stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := app.Stop(stopCtx); err != nil {
		logrus.Fatalf("Shutdown error: %v", dig.RootCause(err))
	}

	return nil
}

func newTunnelAPI(manager *tunnel.Manager) tunnel.API {
	return tunnel.API{Manager: manager}
}

func newManager(
	lc fx.Lifecycle,
	config *viper.Viper,
	logger *logrus.Logger,
	st stats.Stats,
	store tunnel.Store,
) *tunnel.Manager {
	manager := tunnel.NewManager(
		logger.WithField("component", "manager"),
		st.WithPrefix("tunnel"),
		store,
		tunnel.ExecLauncher{Binary: config.GetString(ConfigSSHBinary)},
		tunnel.SystemTimer,
		tunnel.Options{
			ConnectionTimeout:        config.GetDuration(ConfigTunnelConnectionTimeout),
			StopGracePeriod:          config.GetDuration(ConfigTunnelStopGracePeriod),
			ReconnectInitialInterval: config.GetDuration(ConfigReconnectInitialInterval),
			ReconnectMaxInterval:     config.GetDuration(ConfigReconnectMaxInterval),
			ReconnectMultiplier:      config.GetFloat64(ConfigReconnectMultiplier),
			ReconnectJitter:          config.GetFloat64(ConfigReconnectJitter),
			MaxRetries:               config.GetInt(ConfigReconnectMaxRetries),
		},
	)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			// Terminate every live tunnel before the process exits.
			return manager.StopAll(ctx)
		},
	})

	return manager
}

// newStore selects the tunnel config store based on configuration
func newStore(lc fx.Lifecycle, config *viper.Viper, logger *logrus.Logger) (tunnel.Store, error) {
	switch storeType := config.GetString(ConfigStoreType); storeType {
	case "in-memory":
		return inmemory.New(), nil

	case "postgres":
		db, err := newPostgres(lc, config, logger)
		if err != nil {
			return nil, err
		}
		return postgres.NewClient(db), nil

	default:
		return nil, configError{fmt.Sprintf("unsupported store type: %s", storeType)}
	}
}

func newHTTPServer(lc fx.Lifecycle, config *viper.Viper, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()
	server := &http.Server{Addr: config.GetString(ConfigHTTPAddr), Handler: router}

	// Log every request.
	router.Use(LoggingMiddleware(logger))

	// Conditionally enable pprof profiling
	if config.GetBool(ConfigPprofEnabled) {
		router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
		router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.WithField("addr", server.Addr).Info("http server starting")
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Error("http listener")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})

	return router
}

type configError struct {
	msg string
}

func (e configError) Error() string {
	return e.msg
}

func newConfig() (*viper.Viper, error) {
	config := viper.New()
	config.AutomaticEnv()
	config.SetEnvPrefix("BURROW")
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	initDefaults(config)

	return config, nil
}

func newLogger(config *viper.Viper) (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.GetString(ConfigLogLevel))
	if err != nil {
		return nil, configError{fmt.Sprintf("invalid log level: %s", config.GetString(ConfigLogLevel))}
	}
	logger.SetLevel(level)

	switch config.GetString(ConfigLogFormat) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{})
	default:
		return nil, configError{fmt.Sprintf("invalid log format: %s", config.GetString(ConfigLogFormat))}
	}

	return logger, nil
}

// newPostgres initializes a connection to the Postgres database and runs migrations
func newPostgres(lc fx.Lifecycle, config *viper.Viper, logger *logrus.Logger) (*sqlx.DB, error) {
	config.SetDefault(ConfigPostgresHost, os.Getenv("PGHOST"))
	config.SetDefault(ConfigPostgresPort, os.Getenv("PGPORT"))
	config.SetDefault(ConfigPostgresUser, os.Getenv("PGUSER"))
	config.SetDefault(ConfigPostgresPass, os.Getenv("PGPASSWORD"))
	config.SetDefault(ConfigPostgresDbName, os.Getenv("PGDBNAME"))
	config.SetDefault(ConfigPostgresSslmode, os.Getenv("PGSSLMODE"))

	db, err := sqlx.Connect("postgres", getPostgresConnString(config))
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to postgres")
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return errors.Wrap(err, "could not ping postgres")
			}

			applied, err := postgres.ApplyMigrations(db.DB)
			if err != nil {
				return errors.Wrap(err, "could not run migrations")
			}
			if applied {
				logger.Info("database migrations applied")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return db.Close()
		},
	})

	return db, nil
}

func getPostgresConnString(config *viper.Viper) string {
	if config.IsSet(ConfigPostgresUri) {
		return config.GetString(ConfigPostgresUri)
	}

	return formatConnString(map[string]string{
		"host":     config.GetString(ConfigPostgresHost),
		"port":     config.GetString(ConfigPostgresPort),
		"user":     config.GetString(ConfigPostgresUser),
		"password": config.GetString(ConfigPostgresPass),
		"dbname":   config.GetString(ConfigPostgresDbName),
		"sslmode":  config.GetString(ConfigPostgresSslmode),
	})
}

func formatConnString(mapping map[string]string) string {
	var r string
	for key, val := range mapping {
		if val != "" {
			r = r + " " + fmt.Sprintf("%s=%s", key, val)
		}
	}
	return r
}

// newHealthcheck provides a healthcheck registry and attaches it to the HTTP server
func newHealthcheck(router *mux.Router) *healthcheckManager {
	mgr := newHealthcheckManager()
	router.Handle("/healthcheck", mgr)
	return mgr
}

// newStats initializes a Stats client for the server
func newStats(config *viper.Viper, logger *logrus.Logger) (stats.Stats, error) {
	var statsdClient statsd.ClientInterface

	if statsdAddr := config.GetString(ConfigStatsdAddr); statsdAddr != "" {
		var err error
		statsdClient, err = statsd.New(statsdAddr, statsd.WithMaxBytesPerPayload(4096))
		if err != nil {
			return stats.Stats{}, errors.Wrap(err, "could not initialize statsd client")
		}
	} else {
		statsdClient = &statsd.NoOpClient{}
	}
	st := stats.New(statsdClient, logger).WithPrefix("burrow")
	if version != "" {
		st = st.WithTags(stats.Tags{"version": version})
	}
	return st, nil
}
