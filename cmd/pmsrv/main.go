// pmsrv is the plasma-mirror control daemon.  It owns the fire controller,
// the stage motion supervisor, and shot-file bookkeeping, and exposes all
// of them over HTTP plus a websocket event feed.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"
	yml "gopkg.in/yaml.v2"

	"github.com/hilab/pmctl/event"
	"github.com/hilab/pmctl/finalize"
	"github.com/hilab/pmctl/fire"
	"github.com/hilab/pmctl/gpio"
	"github.com/hilab/pmctl/httpapi"
	"github.com/hilab/pmctl/kinesis"
	"github.com/hilab/pmctl/newport"
	"github.com/hilab/pmctl/preset"
	"github.com/hilab/pmctl/shotlog"
	"github.com/hilab/pmctl/stage"
	"github.com/hilab/pmctl/zaber"
)

var (
	// Version is typically injected via ldflags at build
	Version = "1"

	// ConfigFileName may be overridden with PMSRV_CONFIG in the
	// environment or a .env file
	ConfigFileName = "pmsrv.yml"

	k = koanf.New(".")
)

type fireConfig struct {
	PollMs             int  `yaml:"PollMs"`
	PulseWidthMs       int  `yaml:"PulseWidthMs"`
	PulseGapMs         int  `yaml:"PulseGapMs"`
	SingleWaitsForEdge bool `yaml:"SingleWaitsForEdge"`
}

type stageConfig struct {
	// Kind is sim, zaber, or picomotor
	Kind string `yaml:"Kind"`
	// Addr is host:port, or a serial device path when Serial is true
	Addr   string  `yaml:"Addr"`
	Serial bool    `yaml:"Serial"`
	Scale  float64 `yaml:"Scale"`
	// SpeedScale converts user-units/s to device maxspeed counts (zaber)
	SpeedScale float64 `yaml:"SpeedScale"`
	Unit       string  `yaml:"Unit"`
	PollMs     int     `yaml:"PollMs"`
}

type finalizeConfig struct {
	Dir        string   `yaml:"Dir"`
	Tokens     []string `yaml:"Tokens"`
	Experiment string   `yaml:"Experiment"`
	TimeoutMs  int      `yaml:"TimeoutMs"`
}

type config struct {
	Addr       string         `yaml:"Addr"`
	LogLevel   string         `yaml:"LogLevel"`
	Fire       fireConfig     `yaml:"Fire"`
	Stage      stageConfig    `yaml:"Stage"`
	Finalize   finalizeConfig `yaml:"Finalize"`
	ShotLog    string         `yaml:"ShotLog"`
	PresetFile string         `yaml:"PresetFile"`
}

func defaults() config {
	return config{
		Addr:     ":8700",
		LogLevel: "info",
		Fire: fireConfig{
			PollMs:       20,
			PulseWidthMs: 100,
			PulseGapMs:   50,
		},
		Stage: stageConfig{
			Kind:       "sim",
			Scale:      6400,
			SpeedScale: 10486,
			Unit:       "mm",
			PollMs:     50,
		},
		Finalize: finalizeConfig{
			Dir:        ".",
			Tokens:     []string{"ccd", "spec"},
			Experiment: "pmirror",
			TimeoutMs:  5000,
		},
		ShotLog: "shots.csv",
	}
}

func setupconfig() {
	godotenv.Load()
	if fn := os.Getenv("PMSRV_CONFIG"); fn != "" {
		ConfigFileName = fn
	}
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			logrus.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `pmsrv runs the plasma-mirror experiment control service:
fire sequencing, stage motion, and shot-file bookkeeping, over HTTP.

Usage:
	pmsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `pmsrv is configured via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  The command
mkconf generates the configuration file with the default values; conf
prints the active configuration after file overlay.

Stage.Kind selects the motion driver: sim needs no hardware, zaber speaks
the ASCII protocol to an X-series chain at Stage.Addr, picomotor drives a
Newport 8742.  Set Stage.Serial true to use a serial device path instead
of host:port.

The fire controller always starts in manual mode with outputs low; arm it
over HTTP (POST /fire/mode then /fire/fire) or from the panel client.

Set PMSRV_CONFIG (environment or .env) to point at an alternate config
file.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	if err := k.Unmarshal("", &c); err != nil {
		logrus.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		logrus.Fatal(err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(c); err != nil {
		logrus.Fatal(err)
	}
}

func printconf() {
	c := config{}
	if err := k.Unmarshal("", &c); err != nil {
		logrus.Fatal(err)
	}
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		logrus.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("pmsrv version %v\n", Version)
}

func stageController(cfg stageConfig, log logrus.FieldLogger) stage.Controller {
	switch cfg.Kind {
	case "zaber":
		if cfg.Serial {
			return zaber.NewControllerSerial(cfg.Addr, cfg.Scale, cfg.SpeedScale)
		}
		return zaber.NewControllerTCP(cfg.Addr, cfg.Scale, cfg.SpeedScale)
	case "picomotor":
		return newport.NewPicomotor(cfg.Addr, cfg.Serial)
	case "sim":
		return stage.NewSim()
	default:
		log.Warnf("unknown stage kind %q, running the simulator", cfg.Kind)
		return stage.NewSim()
	}
}

// shotWorker finalizes shots one at a time so the shared processed set
// never races; shots arrive seconds apart, the queue is slack.
func shotWorker(shots <-chan event.Event, cfg finalizeConfig, fin *finalize.Finalizer, fc *fire.Controller, slog *shotlog.Log, log logrus.FieldLogger) {
	processed := make(map[string]struct{})
	n := 0
	for ev := range shots {
		n++
		ts := time.Unix(0, int64(ev.Timestamp*1e9))
		renamed, unresolved := fin.Finalize(context.Background(), cfg.Dir, cfg.Tokens, n, cfg.Experiment, ts, processed)
		files := make([]string, 0, len(renamed))
		for _, r := range renamed {
			files = append(files, r.New)
		}
		if len(unresolved) > 0 {
			log.Warnf("shot %d: unresolved tokens %v", n, unresolved)
		}
		rec := shotlog.Record{Shot: n, Time: ts, Mode: fc.GetStatus().Mode, Files: files}
		if err := slog.Append(rec); err != nil {
			log.Errorf("shot %d: appending shot log: %v", n, err)
		}
	}
}

func run() {
	cfg := config{}
	k.Unmarshal("", &cfg)

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warnf("unknown log level %q, using info", cfg.LogLevel)
	}

	bus := event.NewBus()

	fc := fire.New(fire.Config{
		PollPeriod:         time.Duration(cfg.Fire.PollMs) * time.Millisecond,
		PulseWidth:         time.Duration(cfg.Fire.PulseWidthMs) * time.Millisecond,
		PulseGap:           time.Duration(cfg.Fire.PulseGapMs) * time.Millisecond,
		SingleWaitsForEdge: cfg.Fire.SingleWaitsForEdge,
	}, gpio.NewSim(), kinesis.NewSim(), bus, log)
	fc.Start()
	defer fc.Shutdown()
	fc.Open()

	sup := stage.New(stage.Config{
		PollPeriod: time.Duration(cfg.Stage.PollMs) * time.Millisecond,
	}, stageController(cfg.Stage, log), bus, log)
	sup.Start()
	defer sup.Shutdown()
	caps := sup.Caps()
	log.Infof("stage %s: busy flag %v, velocity %v", cfg.Stage.Kind, caps.HasBusyFlag, caps.HasVelocity)

	if cfg.PresetFile != "" {
		vals, err := preset.Lookup(cfg.PresetFile, "address", "target")
		if err != nil {
			log.Errorf("preset %s unreadable, ignored: %v", cfg.PresetFile, err)
		} else if tgt, ok := vals["target"]; ok {
			addr := fmt.Sprintf("%d", int(vals["address"]))
			log.Infof("preset: restoring axis %s to %g %s", addr, tgt, cfg.Stage.Unit)
			sup.MoveAbsolute(addr, tgt, cfg.Stage.Unit)
		}
	}

	fin := finalize.New(finalize.Config{
		Timeout: time.Duration(cfg.Finalize.TimeoutMs) * time.Millisecond,
	}, bus, log)
	slog := shotlog.New(cfg.ShotLog)

	shots := make(chan event.Event, 16)
	events, cancel := bus.Subscribe()
	defer cancel()
	go func() {
		defer close(shots)
		for ev := range events {
			if ev.Kind != event.KindShot {
				continue
			}
			select {
			case shots <- ev:
			default:
				log.Errorf("shot finalize queue full, shot dropped from bookkeeping")
			}
		}
	}()
	go shotWorker(shots, cfg.Finalize, fin, fc, slog, log)

	r := chi.NewRouter()
	fireMux := chi.NewRouter()
	httpapi.FireRoutes(fc).Bind(fireMux)
	r.Mount("/fire", fireMux)
	httpapi.StageRoutes(sup, cfg.Stage.Unit).Bind(r)
	r.Get("/events", httpapi.EventFeed(bus, log))

	log.Infof("pmsrv %s listening on %s", Version, cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, r))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		logrus.Fatal("unknown command")
	}
}
