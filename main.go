// Command tunerhub sits between HDHomeRun appliances on the LAN and the
// players in the house: it discovers the appliances, mirrors their
// recordings and guide data into sqlite, transcodes recordings to HLS on
// demand, and brokers live tuner streams so many viewers can share one
// tuner.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/net/netutil"
	"gopkg.in/natefinch/lumberjack.v2"

	"tunerhub/config"
	"tunerhub/handlers"
	"tunerhub/internal/database"
	"tunerhub/services/discovery"
	"tunerhub/services/dvr"
	"tunerhub/services/guide"
	"tunerhub/services/hdhr"
	"tunerhub/services/livetv"
	"tunerhub/services/scheduler"
	"tunerhub/services/transcode"
)

func main() {
	manager, err := config.NewManager("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg := manager.Get()

	if cfg.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}))
	}
	log.Printf("tunerhub starting (data=%s)", cfg.DataDir)

	db, err := database.NewDB(database.Config{DatabasePath: cfg.DatabasePath()})
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	conn := db.Connection()
	deviceRepo := database.NewDeviceRepository(conn)
	seriesRepo := database.NewSeriesRepository(conn)
	episodeRepo := database.NewEpisodeRepository(conn)
	guideRepo := database.NewGuideRepository(conn)
	ruleRepo := database.NewRuleRepository(conn)
	tunerRepo := database.NewTunerRepository(conn)

	appliance := hdhr.NewApplianceClient()
	authSource := hdhr.NewDeviceAuthSource(deviceRepo, appliance)
	cloud := hdhr.NewCloudClient(hdhr.DefaultCloudURL, authSource)

	engine, err := transcode.NewEngine(transcode.Config{
		CacheRoot:       cfg.CachePath(),
		FFmpegPath:      cfg.FFmpegPath,
		SegmentSeconds:  cfg.SegmentDuration,
		MaxConcurrent:   cfg.MaxConcurrentTranscodes,
		MaxAge:          cfg.MaxCacheAge(),
		CleanupInterval: cfg.CleanupInterval(),
	}, afero.NewOsFs())
	if err != nil {
		log.Fatalf("transcode engine: %v", err)
	}

	allocator, err := livetv.NewAllocator(livetv.Config{
		LiveRoot:           cfg.LivePath(),
		FFmpegPath:         cfg.FFmpegPath,
		SegmentSeconds:     cfg.LiveSegmentDuration,
		MaxViewersPerTuner: cfg.MaxViewersPerTuner,
		Cooldown:           cfg.TunerCooldown(),
		ViewerTimeout:      cfg.ViewerTimeout(),
		BufferWindow:       cfg.LiveBuffer(),
	}, appliance, tunerRepo, afero.NewOsFs())
	if err != nil {
		log.Fatalf("live allocator: %v", err)
	}

	disc := discovery.NewService(appliance, cloud, deviceRepo, allocator)
	dvrService := dvr.NewService(appliance, deviceRepo, seriesRepo, episodeRepo, engine)
	guideService := guide.NewService(cloud, appliance, guideRepo, ruleRepo, deviceRepo)

	sched := scheduler.NewService()
	register := func(task scheduler.Task) {
		if err := sched.Register(task); err != nil {
			log.Fatalf("register task %s: %v", task.Name, err)
		}
	}
	register(scheduler.Task{
		Name:       "discovery",
		Schedule:   fmt.Sprintf("@every %dm", cfg.DiscoveryIntervalMinutes),
		Timeout:    2 * time.Minute,
		StartupRun: true,
		Run: func(ctx context.Context) error {
			_, err := disc.Run(ctx)
			return err
		},
	})
	register(scheduler.Task{
		Name:       "dvr-sync",
		Schedule:   fmt.Sprintf("@every %dh", cfg.SyncIntervalHours),
		Timeout:    10 * time.Minute,
		StartupRun: true,
		Run: func(ctx context.Context) error {
			_, err := dvrService.Sync(ctx)
			return err
		},
	})
	register(scheduler.Task{
		Name:     "guide-refresh",
		Schedule: fmt.Sprintf("@every %dh", cfg.GuideRefreshHours),
		Timeout:  10 * time.Minute,
		Run:      guideService.Refresh,
	})
	sched.Start()

	router := handlers.NewRouter(handlers.Deps{
		Streams:  handlers.NewStreamsHandler(engine, dvrService),
		Live:     handlers.NewLiveHandler(allocator),
		Series:   handlers.NewSeriesHandler(dvrService),
		Episodes: handlers.NewEpisodesHandler(dvrService),
		Guide:    handlers.NewGuideHandler(guideService),
		Rules:    handlers.NewRulesHandler(guideService),
		Devices:  handlers.NewDevicesHandler(deviceRepo, disc),
		Artwork:  handlers.NewArtworkHandler(),
		System:   handlers.NewSystemHandler(sched, disc, dvrService, engine, allocator, deviceRepo),
	})

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("listen %s: %v", cfg.ListenAddr, err)
	}
	listener = netutil.LimitListener(listener, cfg.MaxConnections)

	srv := &http.Server{
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Playlist requests block while a transcode spins up and segment
		// responses stream; no write deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	sched.Stop(ctx)
	allocator.Shutdown()
	engine.Shutdown()
}
