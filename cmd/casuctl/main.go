package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"casunet/internal/config"
	"casunet/internal/controller"
	"casunet/internal/diag"
	"casunet/internal/io"
	"casunet/internal/model"
	"casunet/internal/stats"
	"casunet/internal/storage"
	"casunet/internal/topology"
	"casunet/internal/transport"
)

const defaultLogDir = "logs"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:])
	case "sim":
		return runSim(ctx, args[1:])
	case "topology":
		return runTopology(ctx, args[1:])
	case "hub":
		return runHub(ctx, args[1:])
	case "relay":
		return runRelay(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "events":
		return runEvents(ctx, args[1:])
	case "summary":
		return runSummary(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: casuctl <run|sim|topology|hub|relay|runs|events|summary> [flags]", msg)
}

// stderrLogger carries no flags of its own; diag.Logger stamps each line.
func stderrLogger() *log.Logger {
	return log.New(os.Stderr, "", 0)
}

func newLogger(cfg config.Config, prefix string) *diag.Logger {
	return diag.New(cfg.Diag(stderrLogger(), prefix))
}

func openStore(ctx context.Context, kind, path string) (storage.Store, error) {
	store, err := storage.NewStore(kind, path)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}
	return store, nil
}

func addControllerFlags(fs *flag.FlagSet) *controllerFlags {
	def := config.Default()
	f := &controllerFlags{}
	fs.StringVar(&f.mode, "mode", def.Mode, "activation mode: peer|dual")
	fs.DurationVar(&f.interval, "interval", def.MainLoopInterval, "main loop interval")
	fs.BoolVar(&f.suppress, "suppress", def.EnableSuppressLow, "emit zero below the suppression threshold")
	fs.Float64Var(&f.exogBias, "exog-bias", def.ExogBias, "dual mode external bias")
	fs.DurationVar(&f.noHeat, "noheat", def.InitNoHeatPeriod, "initial no-heat period")
	fs.DurationVar(&f.fixHeat, "fixheat", def.InitFixHeatPeriod, "initial fixed-temperature period")
	fs.StringVar(&f.logLevel, "log-level", def.LogLevel, "log level: debug|info|warning|error")
	fs.IntVar(&f.debugLevel, "debug-level", def.DebugLevel, "debug verbosity, 0 disables")
	fs.StringVar(&f.externalInputs, "external-inputs", "", "dual mode external input weights, e.g. cam-1=0.25")
	fs.StringVar(&f.externalOutputs, "external-outputs", "", "dual mode external output ids, comma separated")
	return f
}

func visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

func loadGraph(path string, logger *diag.Logger) (*topology.Graph, error) {
	if path == "" {
		return nil, usageError("graph is required")
	}
	g, err := topology.ReadDOTFile(path)
	if err != nil {
		return nil, err
	}
	return topology.Flatten(g, logger), nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")
	graphPath := fs.String("graph", "", "DOT topology file")
	unit := fs.String("unit", "", "unit id within the topology")
	backend := fs.String("device", io.SimBackendName, "device backend: "+strings.Join(io.ListDevices(), "|"))
	hub := fs.String("hub", "ws://127.0.0.1:8765/casu", "message hub URL")
	storeKind := fs.String("store", "file", "store backend: memory|file|sqlite")
	dbPath := fs.String("db-path", defaultLogDir, "log directory or sqlite database path")
	overrides := addControllerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *unit == "" {
		return usageError("unit is required")
	}

	cfg, err := loadOrDefaultConfig(*configPath)
	if err != nil {
		return err
	}
	if err := overrideFromFlags(&cfg, visited(fs), overrides.values()); err != nil {
		return err
	}
	if !io.DeviceCompatibleWithMode(*backend, cfg.Mode) {
		return fmt.Errorf("device %q cannot run %s mode (registered: %s)", *backend, cfg.Mode, strings.Join(io.ListDevices(), ", "))
	}
	logger := newLogger(cfg, "casuctl")

	g, err := loadGraph(*graphPath, logger)
	if err != nil {
		return err
	}
	id := topology.ResolveID(*unit)
	nm, err := topology.Resolve(g, id, cfg.DefaultEdgeWeight, logger)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, *storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	dev, err := io.ResolveDevice(*backend, string(id), cfg.Mode)
	if err != nil {
		return err
	}
	if closer, ok := dev.(io.Closer); ok {
		defer func() {
			_ = closer.Close()
		}()
	}

	client, err := transport.Dial(ctx, *hub, id, transport.DefaultQueueCapacity)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	ctrl, err := controller.New(cfg, id, nm, controller.Deps{
		Device:    dev,
		Messenger: client,
		Store:     store,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if sim, ok := dev.(*io.SimDevice); ok {
		go stepSimDevice(ctx, sim, cfg.MainLoopInterval)
	}

	fmt.Printf("run_id=%s unit=%s mode=%s in=%d out=%d\n", ctrl.RunID(), id, cfg.Mode, len(nm.Inbound), len(nm.Outbound))
	err = ctrl.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	fmt.Printf("run_id=%s cycles=%d\n", ctrl.RunID(), ctrl.Engine().Cycle())
	return err
}

// stepSimDevice advances a simulated device in wall-clock time.
func stepSimDevice(ctx context.Context, dev *io.SimDevice, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dev.Step(interval)
		}
	}
}

type simUnitSummary struct {
	Unit       model.NodeID `json:"unit"`
	RunID      string       `json:"run_id"`
	Activation float64      `json:"activation"`
	State      string       `json:"state"`
	Setpoint   float64      `json:"setpoint"`
	HeaterOn   bool         `json:"heater_on"`
	Sent       int          `json:"sent"`
}

func runSim(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sim", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")
	graphPath := fs.String("graph", "", "DOT topology file")
	cycles := fs.Int("cycles", 100, "cycles to simulate")
	occupancy := fs.String("occupy", "", "occupied IR channels per unit, e.g. casu-001=3,casu-002=1")
	ambient := fs.Float64("ambient", 0, "simulated ambient temperature, 0 uses the device default")
	storeKind := fs.String("store", "memory", "store backend: memory|file|sqlite")
	dbPath := fs.String("db-path", defaultLogDir, "log directory or sqlite database path")
	jsonOut := fs.Bool("json", false, "emit the summary as JSON")
	observe := fs.String("observe", "", "dual mode observations sent to every unit each cycle, e.g. cam-1=CW,cam-2=CCW")
	observer := fs.String("observer", "", "sender id of the observations, defaults to the external route tag")
	overrides := addControllerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cycles <= 0 {
		return errors.New("cycles must be > 0")
	}

	cfg, err := loadOrDefaultConfig(*configPath)
	if err != nil {
		return err
	}
	if err := overrideFromFlags(&cfg, visited(fs), overrides.values()); err != nil {
		return err
	}
	logger := newLogger(cfg, "sim")

	g, err := loadGraph(*graphPath, logger)
	if err != nil {
		return err
	}
	occupied, err := parseOccupancy(*occupancy)
	if err != nil {
		return err
	}
	for unit := range occupied {
		if !g.HasNode(unit) {
			return fmt.Errorf("occupancy for unknown unit %s", unit)
		}
	}
	observations, err := parseObservations(*observe)
	if err != nil {
		return fmt.Errorf("observe: %w", err)
	}

	store, err := openStore(ctx, *storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	network, err := controller.NewNetwork(cfg, g, controller.NetworkOptions{
		Start:        time.Now().UTC(),
		Occupancy:    occupied,
		Sim:          io.SimOptions{Ambient: *ambient},
		Store:        store,
		Logger:       logger,
		Observations: observations,
		Observer:     model.NodeID(*observer),
	})
	if err != nil {
		return err
	}
	if err := network.Start(ctx); err != nil {
		return err
	}
	var stepErr error
	observed := 0
	for i := 0; i < *cycles; i++ {
		if _, stepErr = network.Step(ctx); stepErr != nil {
			break
		}
		observed += len(network.Observed())
	}
	if err := network.Stop(context.WithoutCancel(ctx)); err != nil && stepErr == nil {
		stepErr = err
	}
	if stepErr != nil {
		return stepErr
	}

	summaries := make([]simUnitSummary, 0, len(network.Units()))
	for _, unit := range network.Units() {
		ctrl, _ := network.Controller(unit)
		dev, _ := network.Device(unit)
		sp, on, err := dev.Setpoint(ctx)
		if err != nil && !errors.Is(err, io.ErrDeviceClosed) {
			return err
		}
		report := ctrl.LastReport()
		summaries = append(summaries, simUnitSummary{
			Unit:       unit,
			RunID:      ctrl.RunID(),
			Activation: report.Activation,
			State:      report.Thermal.State.String(),
			Setpoint:   sp,
			HeaterOn:   on,
			Sent:       report.Sent,
		})
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}
	fmt.Printf("sim cycles=%d units=%d store=%s\n", *cycles, len(summaries), *storeKind)
	if cfg.Mode == config.ModeDual {
		fmt.Printf("observer=%s observations=%d external_received=%d\n", network.Observer(), len(observations), observed)
	}
	for _, s := range summaries {
		fmt.Printf("unit=%s run_id=%s activation=%.3f state=%s setpoint=%.2f on=%t\n",
			s.Unit, s.RunID, s.Activation, s.State, s.Setpoint, s.HeaterOn)
	}
	return nil
}

func runTopology(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("topology", flag.ContinueOnError)
	graphPath := fs.String("graph", "", "DOT topology file")
	unit := fs.String("unit", "", "show one unit only")
	defaultWeight := fs.Float64("default-weight", 0, "weight for edges without one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var weight *float64
	if visited(fs)["default-weight"] {
		weight = defaultWeight
	}
	logger := diag.New(diag.Config{Logger: stderrLogger(), Level: diag.LevelWarning, Prefix: "topology"})

	g, err := loadGraph(*graphPath, logger)
	if err != nil {
		return err
	}
	units := g.Nodes()
	if *unit != "" {
		units = []model.NodeID{topology.ResolveID(*unit)}
	}
	for _, id := range units {
		nm, err := topology.Resolve(g, id, weight, logger)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", id)
		for _, src := range nm.InboundIDs() {
			in := nm.Inbound[src]
			fmt.Printf("  in  %s weight=%g label=%s\n", src, in.Weight, labelOrDash(in.Label))
		}
		for _, dst := range nm.OutboundIDs() {
			fmt.Printf("  out %s label=%s\n", dst, labelOrDash(nm.Outbound[dst]))
		}
	}
	return nil
}

func labelOrDash(label *string) string {
	if label == nil {
		return "-"
	}
	return *label
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	storeKind := fs.String("store", "file", "store backend: memory|file|sqlite")
	dbPath := fs.String("db-path", defaultLogDir, "log directory or sqlite database path")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	store, err := openStore(ctx, *storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	runs, err := store.ListRuns(ctx)
	if err != nil {
		return err
	}
	if len(runs) > *limit {
		runs = runs[:*limit]
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("run_id=%s unit=%s mode=%s started_at=%s\n", r.ID, r.Unit, r.Mode, r.StartedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func runEvents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	storeKind := fs.String("store", "file", "store backend: memory|file|sqlite")
	dbPath := fs.String("db-path", defaultLogDir, "log directory or sqlite database path")
	runID := fs.String("run-id", "", "run id")
	kind := fs.String("kind", "", "only events of this kind")
	fromCycle := fs.Uint64("from-cycle", 0, "first cycle to show")
	limit := fs.Int("limit", 0, "max events, 0 for all")
	jsonOut := fs.Bool("json", false, "emit events as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return usageError("run-id is required")
	}
	if *limit < 0 {
		return errors.New("limit must be >= 0")
	}

	store, err := openStore(ctx, *storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	if _, ok, err := store.GetRun(ctx, *runID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("run not found: %s", *runID)
	}
	events, err := store.Events(ctx, *runID, storage.EventFilter{Kind: *kind, FromCycle: *fromCycle, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}
	for _, e := range events {
		fmt.Printf("%s;%d;%s;%s", e.Time.UTC().Format("2006-01-02T15:04:05.000Z"), e.Cycle, e.Unit, e.Kind)
		for _, field := range e.Fields {
			fmt.Printf(";%s", field)
		}
		fmt.Println()
	}
	return nil
}

func runSummary(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	storeKind := fs.String("store", "file", "store backend: memory|file|sqlite")
	dbPath := fs.String("db-path", defaultLogDir, "log directory or sqlite database path")
	runID := fs.String("run-id", "", "run id")
	outDir := fs.String("out", "", "also write <out>/<run id>/summary.json")
	jsonOut := fs.Bool("json", false, "emit the summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return usageError("run-id is required")
	}

	store, err := openStore(ctx, *storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	info, ok, err := store.GetRun(ctx, *runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run not found: %s", *runID)
	}
	events, err := store.Events(ctx, *runID, storage.EventFilter{})
	if err != nil {
		return err
	}
	summary := stats.Summarize(info, events)
	if *outDir != "" {
		if _, err := stats.WriteRunSummary(*outDir, summary); err != nil {
			return err
		}
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Printf("run_id=%s unit=%s mode=%s cycles=%d finished=%t\n", summary.RunID, summary.Unit, summary.Mode, summary.Cycles, summary.Finished)
	if summary.Activation.Count > 0 {
		fmt.Printf("activation mean=%.3f std=%.3f min=%.3f max=%.3f\n",
			summary.Activation.Mean, summary.Activation.Std, summary.Activation.Min, summary.Activation.Max)
		fmt.Printf("heater on=%d duty=%.3f setpoint_max=%.2f sync_flashes=%d\n",
			summary.HeaterOnCycles, summary.HeaterDuty, summary.Setpoint.Max, summary.SyncFlashes)
	}
	for _, st := range summary.States {
		fmt.Printf("state cycle=%d %s\n", st.Cycle, st.State)
	}
	for _, route := range summary.RelayRoutes() {
		fmt.Printf("route=%s relayed=%d\n", route, summary.Relayed[route])
	}
	return nil
}
