package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vk74/admincore/internal/account"
	"github.com/vk74/admincore/internal/config"
	"github.com/vk74/admincore/internal/events"
	"github.com/vk74/admincore/internal/httpapi"
	"github.com/vk74/admincore/internal/migrate"
	"github.com/vk74/admincore/internal/obs"
	"github.com/vk74/admincore/internal/password"
	"github.com/vk74/admincore/internal/ratelimit"
	"github.com/vk74/admincore/internal/settings"
	"github.com/vk74/admincore/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PGDSN == "" {
		log.Fatal("missing DSN: set ADMINCORE_PG_DSN")
	}

	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if cfg.MigrateOnBoot {
		upCtx, cancelUp := context.WithTimeout(context.Background(), 60*time.Second)
		if err := migrate.NewManager(db, cfg.MigrationsDir).Up(upCtx); err != nil {
			cancelUp()
			log.Fatalf("migrate up: %v", err)
		}
		cancelUp()
	}

	// Шина событий: лог, долговременное хранилище аудита, live-поток
	stream := events.NewStreamSink()
	bus := events.NewBus(events.Config{
		BufferSize: cfg.EventBufferSize,
		DropIfFull: cfg.EventDropIfFull,
	}, events.LogSink{}, events.NewPGAuditSink(db), stream)

	// Кэш настроек: неполный старт хуже падения — без политик паролей
	// сервис бесполезен
	cache := settings.NewCache(settings.NewPGSource(db))
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
	if err := cache.Load(loadCtx); err != nil {
		cancelLoad()
		log.Fatalf("load settings: %v", err)
	}
	cancelLoad()
	log.Printf("settings cache loaded: %d entries", cache.Len())
	bus.Publish(context.Background(), events.New("settings.cache.loaded", "admincore",
		events.TypeSystem, events.SeverityInfo, "settings cache loaded",
		map[string]string{"settings": strconv.Itoa(cache.Len())}))

	store := token.NewPGStore()
	cleanup := token.NewCleanupEngine(cache, store, bus)
	validator := password.NewValidator(cache)
	svc := account.NewService(db, validator, cleanup, bus,
		account.WithAttemptLimiter(ratelimit.New(cfg.AttemptsPerMinute, cfg.AttemptsBurst)))

	apiOpts := []httpapi.Option{httpapi.WithAccounts(svc), httpapi.WithPublisher(bus)}
	if cfg.AuthSecret != "" {
		issuer, err := token.NewIssuer(cfg.AuthSecret, "admincore", store)
		if err != nil {
			log.Fatalf("token issuer: %v", err)
		}
		apiOpts = append(apiOpts, httpapi.WithSessions(issuer, db))
	} else {
		log.Print("ADMINCORE_AUTH_SECRET is not set, login endpoint disabled")
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, cache, stream, apiOpts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting admincore %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// gRPC health для оркестраторов, которые не умеют HTTP-пробы
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("admincore", healthpb.HealthCheckResponse_SERVING)
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	healthSrv.SetServingStatus("admincore", healthpb.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	grpcServer.GracefulStop()

	// Дослать накопленные события аудита перед выходом
	bus.Close()

	_ = db.Close()
	log.Println("Stopped")
}
