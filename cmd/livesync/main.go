package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/crewboard/livesync/internal/config"
	"github.com/crewboard/livesync/internal/feed"
	"github.com/crewboard/livesync/internal/httpapi"
	"github.com/crewboard/livesync/internal/livesync"
	"github.com/crewboard/livesync/internal/remote"
)

func main() {
	configDir := flag.String("config-dir", strings.TrimSpace(os.Getenv("LIVESYNC_CONFIG_DIR")), "directory containing livesync.yaml")
	remoteDSN := flag.String("remote-dsn", "", "remote store DSN (overrides config)")
	feedURL := flag.String("feed", "", "change feed URL (overrides config)")
	continuityDSN := flag.String("continuity", "", "continuity backend DSN (overrides config)")
	selfID := flag.String("self", "", "local user identity (overrides config)")
	grace := flag.Duration("grace", 0, "watermark grace delay (overrides config)")
	open := flag.String("open", "", "conversation to open on start (team or dm:<user>)")
	resume := flag.Bool("resume", false, "reopen the conversation from the previous session")
	listen := flag.String("listen", "", "loopback address for the local status API (e.g. 127.0.0.1:7411)")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	applyOverride(&cfg.RemoteDSN, *remoteDSN)
	applyOverride(&cfg.FeedURL, *feedURL)
	applyOverride(&cfg.ContinuityDSN, *continuityDSN)
	applyOverride(&cfg.SelfID, *selfID)
	if *grace > 0 {
		cfg.GraceDelay = *grace
	}
	if cfg.RemoteDSN == "" {
		log.Fatalf("remote DSN is required (--remote-dsn or LIVESYNC_REMOTE_DSN)")
	}
	if cfg.SelfID == "" {
		log.Fatalf("identity is required (--self or LIVESYNC_SELF_ID)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := remote.NewPostgresStore(cfg.RemoteDSN)
	if err != nil {
		log.Fatalf("connecting to remote store: %v", err)
	}
	defer store.Close()

	source, err := buildFeedSource(ctx, cfg.FeedURL)
	if err != nil {
		log.Fatalf("opening change feed: %v", err)
	}
	defer source.Close()

	backend, err := livesync.BuildContinuityBackendFromDSN(cfg.ContinuityDSN)
	if err != nil {
		log.Fatalf("opening continuity backend %s: %v", cfg.ContinuityDSN, err)
	}

	engine, err := livesync.NewEngine(livesync.EngineOptions{
		SelfID:     cfg.SelfID,
		Source:     source,
		Fetcher:    store,
		ReadMarker: store,
		Backend:    backend,
		Logger:     log.Default(),
		GraceDelay: cfg.GraceDelay,
	})
	if err != nil {
		log.Fatalf("building engine: %v", err)
	}
	defer engine.Close()

	// A second window sharing the state file advances watermarks too;
	// pick those up as they land.
	if fileBackend, ok := backend.(*livesync.JSONFileContinuityBackend); ok {
		if err := fileBackend.Watch(engine.ReloadContinuity); err != nil {
			log.Printf("continuity file watch unavailable: %v", err)
		}
	}

	engine.OnBadges(printBadges)

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("starting engine: %v", err)
	}
	log.Printf("livesync watching as %s", cfg.SelfID)

	if *listen != "" {
		api := &http.Server{Addr: *listen, Handler: httpapi.NewServer(engine)}
		go func() {
			if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("status api: %v", err)
			}
		}()
		defer api.Close()
		log.Printf("status api on %s", *listen)
	}

	conv, ok := startConversation(*open, *resume, engine)
	if ok {
		if err := engine.OpenConversation(ctx, conv); err != nil {
			log.Printf("opening conversation: %v", err)
		} else {
			log.Printf("conversation %s open", conv.Category())
		}
	}

	<-ctx.Done()
	log.Printf("livesync stopping: %v", ctx.Err())
}

func buildFeedSource(ctx context.Context, feedURL string) (feed.Source, error) {
	parsed, err := url.Parse(feedURL)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return feed.NewPostgresSource(feedURL, log.Default())
	case "ws", "wss":
		source, err := feed.NewWebsocketSource(feedURL, log.Default())
		if err != nil {
			return nil, err
		}
		source.Start(ctx)
		return source, nil
	default:
		return nil, fmt.Errorf("unsupported change feed scheme: %s", parsed.Scheme)
	}
}

func startConversation(open string, resume bool, engine *livesync.Engine) (livesync.Conversation, bool) {
	if open != "" {
		return livesync.ParseConversationCategory(open)
	}
	if resume {
		conv := engine.LastConversation()
		return conv, conv.Kind != livesync.ConversationNone
	}
	return livesync.Conversation{}, false
}

func printBadges(badges []livesync.Badge) {
	if len(badges) == 0 {
		log.Printf("badges: none")
		return
	}
	parts := make([]string, 0, len(badges))
	for _, b := range badges {
		parts = append(parts, fmt.Sprintf("%s=%d", b.Category, b.Count))
	}
	log.Printf("badges: %s", strings.Join(parts, " "))
}

func applyOverride(target *string, value string) {
	value = strings.TrimSpace(value)
	if value != "" {
		*target = value
	}
}
