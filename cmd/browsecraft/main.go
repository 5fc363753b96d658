// Command browsecraft is the driving binary: it parses feature files,
// wires the BDD runtime onto the worker pool and scheduler, runs them
// against real launched browsers, and prints a text report. Settings come
// from flags, optionally layered over a YAML run-config file (-config) and
// a YAML definitions file (-definitions).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/rik9564/browsecraft/internal/aggregator"
	"github.com/rik9564/browsecraft/internal/bcerr"
	"github.com/rik9564/browsecraft/internal/bdd/executor"
	"github.com/rik9564/browsecraft/internal/bdd/gherkin"
	"github.com/rik9564/browsecraft/internal/bdd/hooks"
	"github.com/rik9564/browsecraft/internal/bdd/result"
	"github.com/rik9564/browsecraft/internal/bdd/steps"
	"github.com/rik9564/browsecraft/internal/bdd/tags"
	"github.com/rik9564/browsecraft/internal/bidi/launcher"
	"github.com/rik9564/browsecraft/internal/bidi/session"
	"github.com/rik9564/browsecraft/internal/config"
	"github.com/rik9564/browsecraft/internal/model"
	"github.com/rik9564/browsecraft/internal/pool"
	"github.com/rik9564/browsecraft/internal/scheduler"
	"github.com/rik9564/browsecraft/internal/telemetry"

	"github.com/google/uuid"
)

func main() {
	var (
		configF = flag.String("config", "", "YAML run-config file; flags given explicitly override its values")
		definitionsF = flag.String("definitions", "", "YAML file declaring custom step parameter types")
		grepF = flag.String("grep", "", "only run scenarios whose name contains this substring")
		tagF = flag.String("tag", "", "only run scenarios matching this Cucumber tag expression")
		retriesF = flag.Uint("retries", 0, "number of retries for a failing item")
		bailF = flag.Bool("bail", false, "stop dispatching new items after the first failure")
		workersF = flag.Int("workers", 1, "number of workers per browser")
		browserF = flag.String("browser", "", "single browser to run against (chrome, firefox, edge)")
		browsersF = flag.String("browsers", "chrome", "comma-separated list of browsers to run against")
		strategyF = flag.String("strategy", string(scheduler.Matrix), "execution strategy: parallel|sequential|matrix")
		headlessF = flag.Bool("headless", true, "launch browsers headless")
		headedF = flag.Bool("headed", false, "launch browsers headed (overrides -headless)")
		debugF = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	cfg := config.Default()
	if *configF != "" {
		data, err := os.ReadFile(*configF)
		if err != nil {
			fmt.Fprintf(os.Stderr, "browsecraft: %v\n", err)
			os.Exit(2)
		}
		cfg, err = config.Parse(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "browsecraft: %v\n", err)
			os.Exit(2)
		}
	}

	// An explicitly-given flag wins over the config file; an omitted flag
	// leaves the file's (or default) value alone.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "grep":
			cfg.Grep = *grepF
		case "tag":
			cfg.Tag = *tagF
		case "retries":
			cfg.Retries = *retriesF
		case "bail":
			cfg.Bail = *bailF
		case "workers":
			cfg.Workers = *workersF
		case "strategy":
			cfg.Strategy = scheduler.Strategy(*strategyF)
		case "headless":
			cfg.Headless = *headlessF
		case "debug":
			cfg.Debug = *debugF
		case "browsers":
			cfg.Browsers = strings.Split(*browsersF, ",")
		}
	})
	if *browserF != "" {
		cfg.Browsers = []string{*browserF}
	}
	for i, b := range cfg.Browsers {
		cfg.Browsers[i] = strings.TrimSpace(b)
	}
	if *headedF {
		cfg.Headless = false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "browsecraft: %v\n", err)
		os.Exit(2)
	}

	var defs config.Definitions
	if *definitionsF != "" {
		data, err := os.ReadFile(*definitionsF)
		if err != nil {
			fmt.Fprintf(os.Stderr, "browsecraft: %v\n", err)
			os.Exit(2)
		}
		defs, err = config.ParseDefinitions(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "browsecraft: %v\n", err)
			os.Exit(2)
		}
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "browsecraft: no feature files given")
		os.Exit(2)
	}

	var tagExpr tags.Expr
	if cfg.Tag != "" {
		var err error
		tagExpr, err = tags.Parse(cfg.Tag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "browsecraft: bad tag expression: %v\n", err)
			os.Exit(2)
		}
	}

	code, err := run(ctx, runConfig{
		RunConfig: cfg,
		files: files,
		tagExpr: tagExpr,
		defs: defs,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "browsecraft: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

type runConfig struct {
	config.RunConfig
	files []string
	tagExpr tags.Expr
	defs config.Definitions
}

// cliWorld is the per-scenario world built around the worker's Session, so
// the builtin step library can drive real BiDi calls: a world is created
// fresh per scenario via the world factory.
type cliWorld struct {
	sess *session.Session
	contextID string
}

func (w *cliWorld) ensureContext(ctx context.Context) (string, error) {
	if w.contextID != "" {
		return w.contextID, nil
	}
	res, err := w.sess.BrowsingContext.Create(ctx, map[string]any{"type": "tab"})
	if err != nil {
		return "", err
	}
	id, _ := res["context"].(string)
	w.contextID = id
	return id, nil
}

// run wires GherkinParser -> BddExecutor -> Scheduler -> WorkerPool ->
// ResultAggregator end to end and returns the exit code.
func run(ctx context.Context, cfg runConfig) (int, error) {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	stepRegistry := buildStepRegistry()
	if err := cfg.defs.ApplyParameterTypes(stepRegistry); err != nil {
		return 0, err
	}
	hookRegistry := hooks.New()

	var units []executor.ScenarioUnit
	for _, path := range cfg.files {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		doc := gherkin.Parse(string(data), path)
		units = append(units, executor.ExpandScenarios(doc)...)
	}

	items := make([]model.WorkItem, 0, len(units))
	unitByID := make(map[string]executor.ScenarioUnit, len(units))
	for _, u := range units {
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(u.URI+"::"+u.Scenario.Name+"::"+strconv.Itoa(u.Scenario.Line))).String()
		unitByID[id] = u
		items = append(items, model.WorkItem{
			ID:        id,
			Title:     u.Scenario.Name,
			File:      u.URI,
			SuitePath: u.FeatureName,
			Tags:      append(append(append([]string(nil), u.FeatureTags...), u.RuleTags...), u.Scenario.Tags...),
		})
	}

	var (
		undefinedCount int64
		pendingCount int64
		resMu sync.Mutex
		scenarioResults []result.ScenarioResult
	)

	exec := func(ctx context.Context, item model.WorkItem, handle any) error {
		unit := unitByID[item.ID]
		sess, _ := handle.(*session.Session)
		itemExec := executor.New(executor.Options{
			World:       func() (any, error) { return &cliWorld{sess: sess}, nil },
			Steps:       stepRegistry,
			Hooks:       hookRegistry,
			Grep:        cfg.Grep,
			TagExpr:     cfg.tagExpr,
			StepTimeout: cfg.StepTimeout,
			Logger:      logger,
			Metrics:     metrics,
		})
		sr := itemExec.RunUnit(ctx, unit)

		resMu.Lock()
		scenarioResults = append(scenarioResults, sr)
		resMu.Unlock()

		switch sr.Status {
		case result.ScenarioPassed:
			return nil
		case result.ScenarioSkipped:
			return pool.ErrSkip
		case result.ScenarioUndefined:
			incr(&undefinedCount)
			return bcerr.ErrUndefinedStep
		case result.ScenarioPending:
			incr(&pendingCount)
			return errors.New("pending: " + sr.Name)
		default:
			if sr.HookErr != nil {
				return sr.HookErr
			}
			for _, st := range sr.Steps {
				if st.Status == result.StepFailed && st.Err != nil {
					return st.Err
				}
			}
			return errors.New("scenario failed: " + sr.Name)
		}
	}

	l := launcher.New(0)
	p := pool.New(pool.Options{
		MaxRetries: cfg.Retries,
		Bail: cfg.Bail,
		Logger: logger,
		Metrics: metrics,
		Cleanup: func(ctx context.Context, handle any) error {
			sess, ok := handle.(*session.Session)
			if !ok {
				return nil
			}
			return sess.Close(ctx)
		},
	})

	var configs []pool.Config
	for _, b := range cfg.Browsers {
		configs = append(configs, pool.Config{Browser: b, Count: cfg.Workers})
	}
	p.Spawn(ctx, configs, func(ctx context.Context, w model.Worker) (any, error) {
		return session.Launch(ctx, l, session.LaunchOptions{
			Browser: launcher.Browser(w.BrowserName),
			Headless: cfg.Headless,
			CommandTimeout: cfg.CommandTimeout,
			Tracer: tracer,
		})
	})
	defer p.Terminate(ctx)

	sched := scheduler.New(p, scheduler.Options{
		Strategy: cfg.Strategy,
		Browsers: cfg.Browsers,
		Grep: cfg.Grep,
		TagExpr: cfg.tagExpr,
	})

	started := time.Now()
	execResults, runErr := sched.Run(ctx, items, exec)
	totalDuration := time.Since(started)
	if runErr != nil {
		return 0, runErr
	}

	summary := aggregator.Aggregate(execResults, string(cfg.Strategy), cfg.Browsers, totalDuration)
	fmt.Print(aggregator.FormatSummary(summary))
	fmt.Print(aggregator.FormatMatrix(summary))

	if summary.Totals.Failed == 0 && undefinedCount == 0 {
		return 0, nil
	}
	return 1, nil
}

func incr(n *int64) { *n++ }

// buildStepRegistry registers the small set of BiDi-primitive step
// definitions the driving binary ships out of the box: creating a browsing
// context, navigating it, and asserting on raw script evaluation results.
// Anything resembling the high-level page/element API (click, fill,
// expect) is an explicit Non-goal and deliberately absent.
func buildStepRegistry() *steps.StepRegistry {
	r := steps.New()

	must(r.Register(steps.Given, "I have a new browsing context", func(w any, args []any) error {
		world := w.(*cliWorld)
		_, err := world.ensureContext(context.Background())
		return err
	}, nil))

	must(r.Register(steps.When, `I navigate to {string}`, func(w any, args []any) error {
		world := w.(*cliWorld)
		url := args[0].(string)
		ctx := context.Background()
		id, err := world.ensureContext(ctx)
		if err != nil {
			return err
		}
		_, err = world.sess.BrowsingContext.Navigate(ctx, id, url, "complete")
		return err
	}, nil))

	must(r.Register(steps.Then, `the page title is {string}`, func(w any, args []any) error {
		world := w.(*cliWorld)
		want := args[0].(string)
		ctx := context.Background()
		id, err := world.ensureContext(ctx)
		if err != nil {
			return err
		}
		res, err := world.sess.Script.Evaluate(ctx, "document.title", id, false)
		if err != nil {
			return err
		}
		got := fmt.Sprintf("%v", res["result"])
		if got != want {
			return fmt.Errorf("page title %q, want %q", got, want)
		}
		return nil
	}, nil))

	must(r.Register(steps.Then, `script {string} evaluates to {string}`, func(w any, args []any) error {
		world := w.(*cliWorld)
		expr := args[0].(string)
		want := args[1].(string)
		ctx := context.Background()
		id, err := world.ensureContext(ctx)
		if err != nil {
			return err
		}
		res, err := world.sess.Script.Evaluate(ctx, expr, id, true)
		if err != nil {
			return err
		}
		got := fmt.Sprintf("%v", res["result"])
		if got != want {
			return fmt.Errorf("script %q evaluated to %q, want %q", expr, got, want)
		}
		return nil
	}, nil))

	return r
}

// must panics on a registration error: a duplicate pattern among this
// builtin set is a programming error, not a runtime condition.
func must(reg *steps.Registration, err error) {
	if err != nil {
		panic(err)
	}
}
