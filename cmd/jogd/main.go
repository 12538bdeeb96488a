package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nasa-jpl/jogstream/gcodectl"
	"github.com/nasa-jpl/jogstream/jog"
	"github.com/nasa-jpl/jogstream/motion"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "jogd.yml"

	// EnvPrefix marks environment variables which override the config file
	EnvPrefix = "JOGD_"

	k = koanf.New(".")
)

func defaults() Config {
	return Config{
		Addr:           ":8000",
		Endpoint:       "/jog",
		LogLevel:       "info",
		PollInterval:   jog.DefaultPollInterval,
		PositionPoll:   jog.DefaultPollInterval,
		PositionMaxAge: 250 * time.Millisecond,
		Controller: gcodectl.Config{
			Addr:    "localhost:23",
			Baud:    115200,
			Timeout: 3 * time.Second},
		Accelerations: map[string]float64{},
		Jog: jog.Settings{
			JogSegmentLength:    jog.DefaultSegmentLength,
			JogSegmentScale:     jog.DefaultSegmentScale,
			JogMinSegmentLength: jog.DefaultMinSegmentLength,
			JogMaxSegmentLength: jog.DefaultMaxSegmentLength,
			JogFeedRate:         jog.DefaultFeedRate},
	}
}

// loadConfig layers the defaults, the config file at path, and the
// environment into k.  A missing file is not an error.
func loadConfig(k *koanf.Koanf, path string) error {
	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return errors.Wrap(err, "loading defaults")
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) { // file missing, who cares
			return errors.Wrapf(err, "loading %s", path)
		}
	}
	// JOGD_CONTROLLER_ADDR => controller.addr, matched to the spelling of
	// the known key so JOGD_LOGLEVEL sets logLevel
	known := map[string]string{}
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "_", "."))
		if canon, ok := known[key]; ok {
			return canon
		}
		return key
	}), nil)
	return errors.Wrap(err, "loading environment")
}

func setupconfig() {
	if err := loadConfig(k, ConfigFileName); err != nil {
		fmt.Fprintln(os.Stderr, "error loading config:", err)
		os.Exit(1)
	}
}

// unmarshalConfig decodes k into a Config and validates it
func unmarshalConfig(k *koanf.Koanf) (Config, error) {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return c, err
	}
	err := c.Validate()
	return c, err
}

func mustConfig() Config {
	c, err := unmarshalConfig(k)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error parsing config:", err)
		os.Exit(1)
	}
	return c
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Str("app", "jogd").Logger()
}

func root() {
	str := `jogd streams hold-to-jog motion to a G-code controller and exposes an HTTP
interface to it, so a pendant, browser or keyboard can jog the machine by
pressing and releasing buttons.

Usage:
	jogd <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `jogd is amenable to configuration via its .yml file, jogd.yml in the working
directory.  For a primer on YAML, see https://yaml.org/start.html

Any key may be overridden by an environment variable named JOGD_ followed by
the key path with dots replaced by underscores, e.g. JOGD_CONTROLLER_ADDR or
JOGD_JOG_JOGFEEDRATE.

Routes, under Endpoint (default /jog):
	POST   /hold/{button}   {"axis":"X","dir":"+","source":"pendant"}
	DELETE /hold/{button}
	GET    /hold/{button}   {"bool":true}
	POST   /stop
	GET    /status
	GET    /positions, /axis/{axis}/pos
	GET    /feed-override, POST /feed-override {"f64":60}
	POST   /raw             {"str":"M114"}
	GET    /lock, POST /lock {"bool":true}

and /metrics for prometheus, /endpoints for a route listing.

Set Mock: true to jog an in-process simulated controller.`
	fmt.Println(str)
}

func mkconf() {
	c := mustConfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printconf() {
	c := mustConfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func pversion() {
	fmt.Printf("jogd version %v\n", Version)
}

// startSimulator serves a simulated controller on a loopback port, so mock
// mode exercises the same client and wire protocol as a real machine
func startSimulator(log zerolog.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, errors.Wrap(err, "starting simulator")
	}
	sim := gcodectl.NewSimulator()
	go sim.Serve(ln)
	log.Warn().Str("addr", ln.Addr().String()).Msg("mock mode, jogging a simulated controller")
	return ln.Addr().String(), func() { ln.Close() }, nil
}

func run() {
	c := mustConfig()
	log := newLogger(c.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Mock {
		addr, closeSim, err := startSimulator(log)
		if err != nil {
			log.Fatal().Err(err).Send()
		}
		defer closeSim()
		c.Controller.Addr = addr
		c.Controller.Serial = false
		c.Controller.PositionsInMM = false
	}

	metrics, err := jog.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal().Err(err).Send()
	}
	client := gcodectl.NewClient(c.Controller, log)
	defer client.Close()
	poller := gcodectl.NewPoller(client, c.PositionPoll, c.PositionMaxAge, log)
	go poller.Run(ctx)

	engine := jog.NewEngine(
		jog.WithLogger(log),
		jog.WithPollInterval(c.PollInterval),
		jog.WithMetrics(metrics))
	defer engine.Close()

	mux := BuildMux(c, Deps{
		Engine:    engine,
		Binding:   motion.Bind(client, poller, c.Accelerations),
		Positions: poller,
		Raw:       client,
	})
	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down, stopping all holds")
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		engine.StopAll(sctx)
		srv.Shutdown(sctx)
	}()

	log.Info().Str("addr", c.Addr).Str("controller", c.Controller.Addr).Msg("now listening for requests")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server exited")
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		os.Exit(1)
	}
}
