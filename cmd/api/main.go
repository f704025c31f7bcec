package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	accountrepo "github.com/ovaphlow/pitchfork/service-auth-core/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/audit"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth-core/internal/router"
	sessionrepo "github.com/ovaphlow/pitchfork/service-auth-core/internal/session/repo"
	"github.com/ovaphlow/pitchfork/service-auth-core/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth-core/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-auth-core")

	authCfg := auth.ConfigFromEnv()
	if err := authCfg.Validate(); err != nil {
		sugar.Fatalf("auth config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	accounts := accountrepo.NewAccountRepo(db)
	sessions := sessionrepo.NewSessionRepo(db)
	if err := accounts.EnsureTable(ctx); err != nil {
		sugar.Fatalf("ensure accounts table: %v", err)
	}
	if err := sessions.EnsureTable(ctx); err != nil {
		sugar.Fatalf("ensure sessions table: %v", err)
	}

	// security events: always logged, optionally streamed to redis
	auditCfg := audit.ConfigFromEnv()
	sinks := audit.MultiSink{audit.NewZapSink(sugar.Named("security"))}
	if auditCfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: auditCfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			sugar.Warnw("audit redis unreachable, events will only be logged", "addr", auditCfg.RedisAddr, "err", err)
		} else {
			sinks = append(sinks, audit.NewRedisStreamSink(rdb, auditCfg.RedisStream, auditCfg.RedisStreamMax, sugar))
		}
	}
	events := audit.NewDispatcher(auditCfg, sinks)

	policy := auth.NewPasswordPolicy(authCfg.Policy, authCfg.Token.AnswerPepper)
	issuer := auth.NewTokenIssuer(authCfg.Token, sessions, nil)
	deps := auth.Deps{
		Credentials: accounts,
		Policy:      policy,
		Guard:       auth.NewLockoutGuard(authCfg.Policy, nil),
		Issuer:      issuer,
		Events:      events,
		Logger:      sugar,
	}
	authSvc := auth.NewAuthenticationService(deps)
	recoverySvc := auth.NewRecoveryService(deps, authSvc)

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.RegisterRoutes(sugar, auth.NewHandler(authSvc, recoverySvc, issuer, sugar)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Infow("service is running", "addr", addr)

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}
	if err := events.Close(doneCtx); err != nil {
		sugar.Warnw("security event flush incomplete", "err", err)
	}
	if n := events.Dropped(); n > 0 {
		sugar.Warnw("security events dropped", "count", n, "delivered", events.Delivered())
	}

	sugar.Info("goodbye")
}
