package cellapp

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/xiaonanln/cellworld/engine/binutil"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/config"
	"github.com/xiaonanln/cellworld/engine/directory"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/post"
	"github.com/xiaonanln/cellworld/engine/storage"
	"github.com/xiaonanln/cellworld/engine/transport/stream"
)

var (
	args struct {
		cellappid       uint16
		configFile      string
		logLevel        string
		runInDaemonMode bool
	}
	signalChan = make(chan os.Signal, 1)
)

func parseArgs() {
	var cellappIdArg int
	flag.IntVar(&cellappIdArg, "cid", 0, "set cellappid")
	flag.StringVar(&args.configFile, "configfile", "", "set config file path")
	flag.StringVar(&args.logLevel, "log", "", "set log level, will override log level in config")
	flag.BoolVar(&args.runInDaemonMode, "d", false, "run in daemon mode")
	flag.Parse()
	args.cellappid = uint16(cellappIdArg)
}

// Start runs the cellapp selected by the command line until SIGINT or SIGTERM.
//
// onReady is called on the tick goroutine before the first tick; entities may be created there.
func Start(onReady func(app *CellApp)) {
	parseArgs()

	if args.runInDaemonMode {
		daemoncontext := binutil.Daemonize()
		defer daemoncontext.Release()
	}

	if args.configFile != "" {
		config.SetConfigFile(args.configFile)
	}

	if args.cellappid <= 0 {
		gwlog.Errorf("cellappid %d is not valid, should be positive", args.cellappid)
		os.Exit(1)
	}

	cfg := config.Get()
	appConfig := config.GetCellApp(args.cellappid)
	if appConfig == nil {
		gwlog.Errorf("cellapp%d is not found in %s", args.cellappid, config.GetConfigFilePath())
		os.Exit(1)
	}
	if appConfig.GoMaxProcs > 0 {
		gwlog.Infof("SET GOMAXPROCS = %d", appConfig.GoMaxProcs)
		runtime.GOMAXPROCS(appConfig.GoMaxProcs)
	}
	logLevel := args.logLevel
	if logLevel == "" {
		logLevel = appConfig.LogLevel
	}
	name := fmt.Sprintf("cellapp%d", args.cellappid)
	binutil.SetupGWLog(name, logLevel, appConfig.LogFile, appConfig.LogStderr)
	gwlog.Infof("Read cellapp %d config: \n%s", args.cellappid, config.DumpPretty(appConfig))

	sim := cfg.Simulation
	dir := directory.New(sim.GhostDistance + sim.GhostHysteresis)
	if err := dir.LoadFromConfig(cfg); err != nil {
		gwlog.Fatalf("load cells failed: %v", err)
	}

	tr := stream.New(stream.Config{
		Name:      name,
		LocalAddr: common.Addr(appConfig.Addr),
		Network:   appConfig.Transport,
		Compress:  appConfig.CompressConnection,
	})

	postQueue := post.NewQueue()
	st, err := storage.Open(&cfg.Storage, postQueue)
	if err != nil {
		gwlog.Fatalf("open storage failed: %v", err)
	}

	app, err := New(Options{
		Name:      name,
		Config:    cfg,
		Directory: dir,
		Transport: tr,
		Storage:   st,
		Post:      postQueue,
	})
	if err != nil {
		gwlog.Fatalf("create %s failed: %v", name, err)
	}
	if err := app.Start(); err != nil {
		gwlog.Fatalf("start %s failed: %v", name, err)
	}

	binutil.SetupHTTPServer(appConfig.HTTPIp, appConfig.HTTPPort, binutil.NewDebugRouter(app))

	ctx, cancel := context.WithCancel(context.Background())
	setupSignals(cancel)

	if onReady != nil {
		app.Post(func() {
			onReady(app)
		})
	}

	if err := app.Run(ctx); err != nil {
		gwlog.Errorf("%s stopped: %v", name, err)
		os.Exit(1)
	}
	gwlog.Infof("%s terminated gracefully.", name)
}

func setupSignals(cancel context.CancelFunc) {
	gwlog.Infof("Setup signals ...")
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		gwlog.Infof("Terminating cellapp on %s ...", sig)
		cancel()
	}()
}
