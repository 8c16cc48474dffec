// Command pairsync-chat runs a terminal chat client for one two-party
// conversation. Lines typed on stdin are sent as messages; inbound
// messages, presence and typing changes are printed as they arrive.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairsync"
	"github.com/opd-ai/pairsync/cache"
	"github.com/opd-ai/pairsync/config"
	"github.com/opd-ai/pairsync/storage"
	"github.com/opd-ai/pairsync/store"
	"github.com/opd-ai/pairsync/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	metricsAddr := flag.String("metrics", "", "address for the /metrics endpoint (empty disables)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	if err := run(*configPath, *metricsAddr); err != nil {
		logrus.WithError(err).Fatal("pairsync-chat failed")
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()
	if err := pg.EnsureSchema(ctx); err != nil {
		return err
	}

	broadcast, presenceCh, err := buildTransport(ctx, cfg)
	if err != nil {
		return err
	}

	deviceCache, err := cache.Open(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("open device cache: %w", err)
	}
	defer deviceCache.Close()

	media, err := storage.NewLocalMediaStore(cfg.MediaDir, cfg.MediaBaseURL)
	if err != nil {
		return fmt.Errorf("open media store: %w", err)
	}

	opts := pairsync.NewOptions()
	opts.SelfID = cfg.SelfID
	opts.PeerID = cfg.PeerID
	opts.Broadcast = broadcast
	opts.Presence = presenceCh
	opts.Feed = storage.NewListener(cfg.DatabaseURL)
	opts.Durable = pg
	opts.Media = media
	opts.Cache = deviceCache
	opts.TypingTimeout = cfg.TypingTimeout
	opts.SendTimeout = cfg.SendTimeout
	opts.ConnectingDebounce = cfg.ConnectingDebounce

	conv, err := pairsync.New(opts)
	if err != nil {
		return err
	}
	defer conv.Close()

	wireOutput(conv)

	if err := conv.Attach(ctx); err != nil {
		return fmt.Errorf("attach conversation: %w", err)
	}

	fmt.Printf("chatting with %s (room %s); type to send, /quit to exit\n", conv.PeerID(), conv.Room())
	go readInput(ctx, conv, stop)

	<-ctx.Done()
	fmt.Println("\nbye")
	return nil
}

// buildTransport picks the broadcast and presence implementation: Redis
// when a Redis URL is configured, otherwise the websocket relay.
func buildTransport(ctx context.Context, cfg *config.Config) (transport.Broadcast, transport.Presence, error) {
	if cfg.RedisURL != "" {
		rt, err := transport.NewRedisTransport(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return rt, rt, nil
	}
	if cfg.RelayURL != "" {
		wt := transport.NewWSTransport(cfg.RelayURL)
		return wt, wt, nil
	}
	return nil, nil, fmt.Errorf("either redis_url or relay_url is required")
}

func wireOutput(conv *pairsync.Conversation) {
	conv.OnMessagesChanged(func() {
		// A real interface would re-render here; the terminal client prints
		// only the tail on change.
		msgs := conv.VisibleMessages()
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		marker := " "
		if last.DeliveryState.String() != "sent" {
			marker = "(" + last.DeliveryState.String() + ")"
		}
		fmt.Printf("\r[%s] %s: %s %s\n> ", last.CreatedAt, last.SenderID, renderBody(last), marker)
	})
	conv.OnSyncStatus(func(s pairsync.SyncStatus) {
		fmt.Printf("\r-- %s --\n> ", s)
	})
	conv.OnPresence(func(online bool, lastActive time.Time) {
		if online {
			fmt.Printf("\r-- %s is online --\n> ", conv.PeerID())
		} else if !lastActive.IsZero() {
			fmt.Printf("\r-- %s last seen %s --\n> ", conv.PeerID(), lastActive.Format(time.Kitchen))
		}
	})
	conv.OnTyping(func(typing bool) {
		if typing {
			fmt.Printf("\r-- %s is typing --\n> ", conv.PeerID())
		}
	})
}

func renderBody(m store.Message) string {
	switch {
	case m.Text != "":
		return m.Text
	case m.ImageURL != "":
		return "[image] " + m.ImageURL
	case m.AudioURL != "":
		return "[audio] " + m.AudioURL
	default:
		return "[empty]"
	}
}

func readInput(ctx context.Context, conv *pairsync.Conversation, stop func()) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			stop()
			return
		case line == "/read":
			if err := conv.MarkRead(ctx); err != nil {
				fmt.Printf("mark read failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/hide "):
			if err := conv.HideMessage(strings.TrimPrefix(line, "/hide ")); err != nil {
				fmt.Printf("hide failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/image "):
			sendFile(ctx, conv, strings.TrimPrefix(line, "/image "), conv.SendImage)
		case strings.HasPrefix(line, "/audio "):
			sendFile(ctx, conv, strings.TrimPrefix(line, "/audio "), conv.SendAudio)
		default:
			conv.Typing(ctx)
			if _, err := conv.SendText(ctx, line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
			conv.StopTyping(ctx)
		}
		fmt.Print("> ")
	}
	stop()
}

type mediaSendFunc func(ctx context.Context, name string, data []byte) (store.Message, error)

func sendFile(ctx context.Context, conv *pairsync.Conversation, path string, send mediaSendFunc) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("read %s: %v\n", path, err)
		return
	}
	if _, err := send(ctx, path, data); err != nil {
		fmt.Printf("send failed: %v\n", err)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logrus.WithError(err).Warn("Metrics endpoint stopped")
	}
}
