package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/harshasoftware/tarotforge/internal/config"
	"github.com/harshasoftware/tarotforge/internal/relay"
	"github.com/harshasoftware/tarotforge/internal/remote"
	"github.com/harshasoftware/tarotforge/internal/sim"
	"github.com/harshasoftware/tarotforge/internal/storage/sqlite"
)

func main() {
	demoMode := flag.Bool("demo", false, "Run a scripted demo reading against this relay")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	genToken := flag.Bool("gen-token", false, "Generate a relay auth token and exit")
	flag.Parse()

	if *genToken {
		token, err := config.GenerateToken()
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		fmt.Println(token)
		return
	}

	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open session store at %s: %v", cfg.Storage.Path, err)
	}
	defer store.Close()

	stats := relay.NewStats()
	hub := relay.NewHub(stats, cfg.Relay.SendBuffer, cfg.Relay.IdleAfter)
	tokens := relay.NewTokenIssuer(cfg.Relay.JWTSecret, cfg.Relay.TokenTTL)
	if tokens == nil {
		log.Println("No relay.jwt_secret configured, channels are open")
	}

	server := relay.NewServer(hub, store, stats, cfg.Privacy.NewPrivacyFilter(),
		tokens, cfg.Relay.AllowedOrigins, cfg.Relay.AuthToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweepDone := make(chan struct{})
	go hub.Sweep(sweepDone)

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	if *demoMode {
		go startDemo(ctx, cfg)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		close(sweepDone)
		store.Close()
		os.Exit(0)
	}()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go watchConfig(hupCh, cfg, *configPath, *port)

	if err := relay.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// watchConfig re-reads the config on SIGHUP and logs what changed.
// Settings are baked into the hub and server at startup, so changes take
// effect on restart; the log tells the operator whether one is needed.
func watchConfig(hupCh <-chan os.Signal, cfg *config.Config, path string, portOverride int) {
	for range hupCh {
		next, err := config.LoadOrDefault(path)
		if err != nil {
			log.Printf("Config reload failed, keeping current config: %v", err)
			continue
		}
		if portOverride > 0 {
			next.Server.Port = portOverride
		}
		changes := config.Diff(cfg, next)
		if len(changes) == 0 {
			log.Println("Config reload: no changes")
			continue
		}
		for _, change := range changes {
			log.Printf("Config reload: %s", change)
		}
		log.Printf("Config reload: %d change(s) pending restart", len(changes))
	}
}

// startDemo drives a scripted reading through the relay's own public
// endpoints, so the demo exercises the same path real clients use.
func startDemo(ctx context.Context, cfg *config.Config) {
	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)

	// Wait for the listener before creating the demo session.
	for {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	client := remote.NewClient(baseURL, cfg.Relay.AuthToken)
	driver := sim.NewDriver(client, client, 0)
	if err := driver.Start(ctx); err != nil {
		log.Printf("demo: %v", err)
	}
}
