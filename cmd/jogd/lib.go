package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nasa-jpl/jogstream/gcodectl"
	"github.com/nasa-jpl/jogstream/generichttp"
	"github.com/nasa-jpl/jogstream/generichttp/ascii"
	jhttp "github.com/nasa-jpl/jogstream/generichttp/jog"
	gmotion "github.com/nasa-jpl/jogstream/generichttp/motion"
	"github.com/nasa-jpl/jogstream/jog"
	"github.com/nasa-jpl/jogstream/motion"
	"github.com/nasa-jpl/jogstream/server/middleware/locker"
)

// Config is a struct that holds the initialization parameters of the jog
// server.  It is populated by koanf from defaults, jogd.yml and JOGD_ env vars.
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"addr"`

	// Endpoint is the stem the jog routes are served under, e.g. "/jog"
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`

	// Mock replaces the controller with an in-process simulator
	Mock bool `koanf:"mock" yaml:"mock"`

	// LogLevel is a zerolog level name
	LogLevel string `koanf:"logLevel" yaml:"logLevel"`

	// PollInterval is the jog engine's refill cadence
	PollInterval time.Duration `koanf:"pollInterval" yaml:"pollInterval"`

	// PositionPoll is how often the controller is asked where it is, and
	// PositionMaxAge how old an answer may be before it is ignored
	PositionPoll   time.Duration `koanf:"positionPoll" yaml:"positionPoll"`
	PositionMaxAge time.Duration `koanf:"positionMaxAge" yaml:"positionMaxAge"`

	Controller gcodectl.Config `koanf:"controller" yaml:"controller"`

	// Accelerations are per-axis, in mm/s^2.  Axes without one jog with the
	// fixed segment length.  Quote the keys in YAML: a bare Y is a boolean.
	Accelerations map[string]float64 `koanf:"accelerations" yaml:"accelerations"`

	Jog jog.Settings `koanf:"jog" yaml:"jog"`
}

// Validate checks that every acceleration is keyed by an axis letter and
// upper-cases the keys
func (c *Config) Validate() error {
	accel := make(map[string]float64, len(c.Accelerations))
	for key, v := range c.Accelerations {
		axis, ok := jog.ParseAxis(key)
		if !ok {
			return errors.Errorf("accelerations: %q is not an axis, quote axis letters in YAML (\"Y\": 400)", key)
		}
		accel[string(axis)] = v
	}
	c.Accelerations = accel
	return nil
}

// Deps are the live objects BuildMux wires to routes
type Deps struct {
	Engine    jhttp.Jogger
	Binding   motion.Binding
	Positions gmotion.PositionCache
	Raw       ascii.RawCommunicator
}

// BuildMux constructs the router: the jog surface under c.Endpoint behind a
// lock, /metrics, and /endpoints which lists every jog route as JSON.
func BuildMux(c Config, d Deps) chi.Router {
	// make the root handler
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Use(middleware.Recoverer)

	httper := jhttp.NewHTTPJog(d.Engine, d.Binding, c.Jog)
	rt := httper.RT()
	if d.Positions != nil {
		gmotion.HTTPPosition(d.Positions, rt)
	}
	if d.Raw != nil {
		ascii.InjectRawComm(rt, d.Raw)
	}

	// a locked jog surface can still be stopped and inspected
	lock := locker.New()
	lock.DoNotProtect = append(lock.DoNotProtect, "/stop", "/status", "/positions", "/axis/{axis}/pos")
	lock.OnLock = func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Engine.StopAll(ctx)
	}
	locker.Inject(rt, lock)

	stem := generichttp.SubMuxSanitize(c.Endpoint)
	r := chi.NewRouter()
	rt.Bind(r)
	root.Mount(stem, r)

	root.Handle("/metrics", promhttp.Handler())
	supergraph := map[string][]string{stem: rt.Endpoints()}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
