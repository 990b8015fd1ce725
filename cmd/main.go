package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"termobridge/internal/handlers"
	"termobridge/internal/logger"
	"termobridge/internal/mqttpub"
	"termobridge/internal/repository"
	"termobridge/internal/server"
	"termobridge/internal/service"
	"termobridge/internal/store"
	"termobridge/internal/termoweb"

	"github.com/spf13/viper"
)

const (
	defaultHousekeepTick = 5 * time.Second
	defaultHTTPTimeout   = 30 * time.Second
)

func main() {
	// config first so log_level applies to the singleton logger
	cfgErr := loadConfig()

	log := logger.Get(viper.GetString("log_level"))
	if cfgErr != nil {
		log.Fatalw("error reading config", "err", cfgErr)
	}

	// open DB
	db, err := openDB(log)
	if err != nil {
		log.Fatalw("failed to init sqlite", "err", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Fatalw("failed to close sqlite", "err", cerr)
		}
	}()

	// wire dependencies
	repos := repository.NewRepository(db)
	st := store.New(store.DefaultFreezeTTL, log)
	cloud := newCloudClient(log)
	services := service.NewService(repos, st, cloud, log, service.Config{
		SigningKey:   viper.GetString("auth.signing_key"),
		TokenTTL:     time.Duration(viper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		PollInterval: viper.GetDuration("termoweb.poll_interval"),
	})
	apiHandler := handlers.NewHandler(services, log)

	// context for background goroutines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// start the cloud coordinator (via composed service)
	go services.Coordinator.Run(ctx, defaultHousekeepTick)

	// optional MQTT mirror
	runMQTTPublisher(ctx, st, log)

	// start HTTP server
	srv := &server.Server{}
	runHTTPServer(srv, viper.GetString("port"), apiHandler, log)

	// graceful shutdown
	waitForShutdown(cancel, srv, log)
}

func loadConfig() error {
	viper.AddConfigPath("configs") // configs/config.yml
	viper.SetConfigName("config")
	return viper.ReadInConfig()
}

// openDB initializes the SQLite database using configuration.
func openDB(log *logger.Logger) (*sql.DB, error) {
	dbPath := viper.GetString("db.path")
	if dbPath == "" {
		log.Infow("db.path not set in config; using default file", "default", "termobridge.db")
		dbPath = "termobridge.db"
	}
	return repository.InitDB(dbPath)
}

// newCloudClient builds the vendor API client with its token session.
func newCloudClient(log *logger.Logger) *termoweb.Client {
	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	session := termoweb.NewSession(httpClient,
		viper.GetString("termoweb.api_base"),
		viper.GetString("termoweb.username"),
		viper.GetString("termoweb.password"),
		viper.GetString("termoweb.basic_auth"))
	return termoweb.NewClient(httpClient, viper.GetString("termoweb.api_base"), session, log)
}

// runMQTTPublisher starts the state mirror when a broker is configured.
func runMQTTPublisher(ctx context.Context, st *store.Store, log *logger.Logger) {
	broker := viper.GetString("mqtt.broker")
	if broker == "" {
		return
	}
	pub := mqttpub.New(mqttpub.Config{
		Broker:      broker,
		TopicPrefix: viper.GetString("mqtt.topic_prefix"),
		Username:    viper.GetString("mqtt.username"),
		Password:    viper.GetString("mqtt.password"),
	}, st, log)
	go func() {
		if err := pub.Run(ctx); err != nil {
			log.Errorw("mqtt publisher stopped", "err", err)
		}
	}()
}

// runHTTPServer runs the HTTP server in a separate goroutine.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler, log *logger.Logger) {
	go func() {
		if port == "" {
			port = "8080"
		}
		if err := srv.Run(port, handler.InitRoutes()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("error starting server", "err", err)
		}
	}()
}

// waitForShutdown listens for termination signals and performs graceful shutdown.
func waitForShutdown(cancel context.CancelFunc, srv *server.Server, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server...")

	// stop background goroutines
	cancel()

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalw("server forced to shutdown", "err", err)
	}
}
