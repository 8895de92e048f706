package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/CodedInternet/canmotion/onboard"
	"github.com/CodedInternet/canmotion/onboard/battery"
	"github.com/CodedInternet/canmotion/onboard/canbus"
	"github.com/CodedInternet/canmotion/onboard/player"
	"github.com/asdine/storm/v3"
	"github.com/caarlos0/env/v6"
	"github.com/edaniels/golog"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const OPEN_TIMEOUT = 5 * time.Second

type EnvConfig struct {
	JWT_ISSUER string `env:"JWT_ISSUER" envDefault:"DEV"`
	DEBUG      bool   `env:"DEBUG" envDefault:"0"`
	SIM        bool   `env:"SIM" envDefault:"0"`
	SRCDIR     string `env:"SRCDIR" envDefault:"."`
	CONFIG     string `env:"CONFIG" envDefault:"canmotion.yaml"`
	DBFILE     string `env:"DB" envDefault:"./tmp/dev.db"`
	ACTIONDIR  string `env:"ACTIONDIR" envDefault:"./actions"`
	HTMLDIR    string `env:"HTMLDIR" envDefault:"./frontend/dist/"`
	CANIFACE   string `env:"CAN_INTERFACE"`
	DB         *storm.DB
}

var (
	ENV *EnvConfig
)

func init() {
	ENV = new(EnvConfig)
	if err := env.Parse(ENV); err != nil {
		panic(err)
	}
}

func newLogger() golog.Logger {
	if ENV.DEBUG {
		return golog.NewDevelopmentLogger("canmotion")
	}
	return golog.NewLogger("canmotion")
}

func srcPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(ENV.SRCDIR, name)
}

func main() {
	simulated := flag.Bool("sim", ENV.SIM, "Run against simulated boards")
	port := flag.String("port", "0.0.0.0:80", "Specify the ip:port to listen on")
	configFile := flag.String("config", ENV.CONFIG, "Driver configuration file")
	interactive := flag.Bool("shell", true, "Start the development shell")
	flag.Parse()

	logger := newLogger()
	if err := run(logger, *simulated, *port, srcPath(*configFile), *interactive); err != nil {
		logger.Fatalw("canmotion stopped", "error", err)
	}
}

func run(logger golog.Logger, simulated bool, addr, configFile string, interactive bool) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbFile := srcPath(ENV.DBFILE)
	if err := os.MkdirAll(filepath.Dir(dbFile), 0755); err != nil {
		return errors.Wrap(err, "database directory")
	}
	ENV.DB, err = openDb(dbFile)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, ENV.DB.Close()) }()

	config, err := onboard.LoadConfig(configFile)
	if err != nil {
		return err
	}

	var bus canbus.Transport
	if simulated {
		logger.Info("running against simulated boards")
		sim := onboard.NewSimulatorForConfig(config, logger)
		go sim.Run(ctx, 0)
		bus = sim.Bus()
	} else {
		iface := config.General.Interface
		if ENV.CANIFACE != "" {
			iface = ENV.CANIFACE
		}
		bus, err = canbus.NewCANBus(iface)
		if err != nil {
			return err
		}
	}

	openCtx, cancel := context.WithTimeout(ctx, OPEN_TIMEOUT)
	driver, err := onboard.Open(openCtx, config, bus, logger)
	cancel()
	if err != nil {
		return multierr.Append(err, bus.Close())
	}
	defer func() { err = multierr.Append(err, driver.Close()) }()

	restoreOffsets(ENV.DB, driver.AnalogSensors(), logger)

	api := &API{
		Driver:    driver,
		Player:    player.New(driver, player.Options{}, logger),
		DB:        ENV.DB,
		ActionDir: srcPath(ENV.ACTIONDIR),
		Logger:    logger,
	}
	go api.Player.Run(ctx)

	if bc := config.Battery; bc != nil {
		reader, err := battery.Open(bc.Port, bc.BaudRate, logger)
		if err != nil {
			logger.Errorw("battery monitor unavailable", "error", err)
		} else {
			api.Battery = reader
			defer reader.Close()
			go func() {
				if err := reader.Run(ctx); err != nil {
					logger.Errorw("battery monitor stopped", "error", err)
				}
			}()
		}
	}

	if interactive {
		go newShell(api).Run()
	}

	server := &http.Server{Addr: addr, Handler: newRouter(api, ENV.DEBUG, logger)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Infow("listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newRouter(api *API, debug bool, logger golog.Logger) chi.Router {
	r := chi.NewRouter()

	// A good base middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.RedirectSlashes)
	r.Use(middleware.Recoverer) // make sure this is last

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", Login)
		r.With(ValidateJWT).Get("/refresh_token", JWTRefresh)
		api.Routes(r, ValidateJWT)
	})

	r.Route("/ws", func(r chi.Router) {
		if !debug {
			r.Use(ValidateJWT)
		} else {
			logger.Warn("running in debug mode, telemetry authentication disabled")
		}
		r.Get("/telemetry", api.TelemetryHandler)
	})

	FileServer(r, "/", http.Dir(ENV.HTMLDIR))
	return r
}

// FileServer conveniently sets up a http.FileServer handler to serve
// static files from a http.FileSystem.
func FileServer(r chi.Router, path string, root http.FileSystem) {
	if strings.ContainsAny(path, "{}*") {
		panic("FileServer does not permit URL parameters.")
	}

	fs := http.StripPrefix(path, http.FileServer(root))

	if path != "/" && path[len(path)-1] != '/' {
		r.Get(path, http.RedirectHandler(path+"/", 301).ServeHTTP)
		path += "/"
	}
	path += "*"

	r.Get(path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.ServeHTTP(w, r)
	}))
}
