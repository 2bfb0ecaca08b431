package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/theckman/yacspin"
	"golang.org/x/sync/errgroup"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/labauto/data"
	"github.com/nasa-jpl/labauto/experiment"
	"github.com/nasa-jpl/labauto/manager"
	"github.com/nasa-jpl/labauto/param"
	"github.com/nasa-jpl/labauto/server"
	"github.com/nasa-jpl/labauto/sweep"
	"github.com/nasa-jpl/labauto/task"
)

// shutdownGrace bounds how long an aborted procedure may take to clean up,
// e.g. to switch the supply output off, before the process exits
const shutdownGrace = 15 * time.Second

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "labauto.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `labauto queues lab experiments and runs them one at a time against the
instruments on the bench, recording every measurement to disk.  The queue is
driven over HTTP, so clients can be written in any programming language.

Usage:
	labauto <command>

Commands:
	run
	sweep [name=value ...]
	fits <file.csv> [out.fits]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `labauto is amenable to configuration via its .yaml file, labauto.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html

Run "labauto mkconf" to write the default configuration, then edit it.

Mock: true replaces the DMM and supply with in-memory fakes, which is useful
for trying out clients without hardware.

HTTP routes served by "labauto run":
	GET    /queue              list queued experiments
	POST   /queue              {"procedure": "sweep", "name": "...", "parameters": {...}}
	DELETE /queue/{id}         remove a queued experiment
	POST   /swap               {"id1": 1, "id2": 2}
	POST   /next               start the experiment at the head of the queue
	POST   /abort              abort the running experiment
	GET    /running            the running experiment, or 204
	GET    /procedures         procedures and their parameters with defaults
	GET    /continuous         {"bool": ...}, POST to set
	GET    /start-on-add       {"bool": ...}, POST to set
	GET    /lock               {"bool": ...}, POST to set; locked rejects changes
	GET    /metrics            prometheus metrics
	GET    /routes             this list

"labauto sweep" runs one voltage sweep in the foreground.  Parameters are given
as name=value, e.g. labauto sweep start=0.0 stop=5.0 points=51

"labauto fits" converts a saved data file to a FITS binary table.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("labauto version %v\n", Version)
}

func run() {
	c := loadconfig()
	defer setupLogging(c).Close()

	loop := task.NewLoop()
	defer loop.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var mgr *manager.Manager
	hooks, err := manager.NewMetrics(reg, logHooks{}, func() int { return mgr.QueueLen() })
	if err != nil {
		log.Fatal(err)
	}
	mgr = manager.New(loop, hooks)
	mgr.SetContinuous(c.Continuous)
	mgr.SetStartOnAdd(c.StartOnAdd)

	srv := server.New(mgr, loop, BuildCatalog(c), server.WithGatherer(reg))
	hs := &http.Server{Addr: c.Addr, Handler: srv.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Println("now listening for requests at ", c.Addr)
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("shutting down")
		shutdown, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return errors.Join(hs.Shutdown(shutdown), mgr.Shutdown(shutdown))
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

// parseArgs reads name=value pairs, inferring each value's type
func parseArgs(args []string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for _, a := range args {
		name, value, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("expected name=value, got %q", a)
		}
		v, err := param.Cast(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if _, isString := v.(string); isString && name != "directory" && name != "prefix" {
			// signed numbers are not inferred
			var f float64
			if _, err := fmt.Sscan(value, &f); err == nil {
				v = f
			}
		}
		out[name] = v
	}
	return out, nil
}

func runSweep(args []string) {
	c := loadconfig()
	defer setupLogging(c).Close()

	loop := task.NewLoop()
	defer loop.Close()

	dmm, psu := instruments(c)
	proc := &sweep.Sweep{DMM: dmm, Supply: psu, Directory: c.DataDir, Limits: c.SupplyLimits}
	bound := map[string]interface{}{}
	for _, p := range proc.Parameters() {
		bound[p.Name] = p.Get()
	}
	given, err := parseArgs(args)
	if err != nil {
		log.Fatal(err)
	}
	for k, v := range given {
		bound[k] = v
	}
	e, err := experiment.New(1, proc, bound, loop, experiment.WithName("sweep"))
	if err != nil {
		log.Fatal(err)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " sweeping",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	e.Connect(sweep.ProgressKeyword, func(args ...interface{}) {
		spinner.Message(fmt.Sprintf("%d of %d", args[0], args[1]))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	f, err := e.Run(nil)
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	go func() {
		select {
		case <-ctx.Done():
			f.Cancel()
		case <-f.Done():
		}
	}()
	res, err := f.Wait(context.Background())
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		select {
		case <-f.Exited():
		case <-time.After(shutdownGrace):
			log.Println("sweep did not stop in time, check the supply output")
		}
		os.Exit(1)
	}
	d := res.(*data.Data)
	spinner.StopMessage(fmt.Sprintf("%d points written to %s", d.Len(), d.AutoSaveFilename()))
	spinner.Stop()
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
	case "sweep":
		runSweep(args[2:])
		return
	case "fits":
		if len(args) < 3 {
			log.Fatal("usage: labauto fits <file.csv> [out.fits]")
		}
		out := ""
		if len(args) > 3 {
			out = args[3]
		}
		fn, err := convertFITS(args[2], out)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("wrote", fn)
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
