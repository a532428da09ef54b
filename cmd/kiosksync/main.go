// Command kiosksync runs kiosk replication with failover until interrupted.
//
//	kiosksync -config /etc/kiosk/kiosksync.yaml
//	kiosksync -config kiosk.yaml -check
//	kiosksync -config kiosk.yaml -issue-token ops-oncall -token-ttl 2h
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kioskworks/kiosksync"
	"github.com/kioskworks/kiosksync/pkg/config"
	"github.com/kioskworks/kiosksync/pkg/statusapi"
)

func main() {
	var (
		configFile = flag.String("config", "kiosksync.yaml", "Configuration file")
		listen     = flag.String("listen", "", "Status API address, overrides status_api.listen")
		logLevel   = flag.String("log-level", "", "Log level, overrides log.level")
		check      = flag.Bool("check", false, "Validate the configuration and exit")
		stopWait   = flag.Duration("shutdown-timeout", 15*time.Second, "How long to wait for sessions to stop on shutdown")
		issue      = flag.String("issue-token", "", "Print a status API operator token for this subject and exit")
		tokenTTL   = flag.Duration("token-ttl", time.Hour, "Lifetime of a token printed by -issue-token")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.StatusAPI.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *check {
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid config: %v", err)
		}
		fmt.Printf("%s: %d collections, primary %s, secondary %s\n",
			*configFile, len(cfg.Collections), cfg.Endpoints.Primary.HTTP, cfg.Endpoints.Secondary.HTTP)
		return
	}

	if *issue != "" {
		if cfg.StatusAPI.TokenSecret == "" {
			log.Fatal("status_api.token_secret is not set")
		}
		token, err := statusapi.IssueToken([]byte(cfg.StatusAPI.TokenSecret), *issue, *tokenTTL)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, *stopWait); err != nil {
		log.Fatal(err)
	}
}

func run(cfg config.Config, stopWait time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := kiosksync.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		_ = client.Close(context.Background())
		return fmt.Errorf("failed to start: %w", err)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopWait)
	defer cancel()
	return client.Close(shutdownCtx)
}
