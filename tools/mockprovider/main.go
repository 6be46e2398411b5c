package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SkynetNext/mktdata-gateway/internal/transport/wsclient"
)

var (
	listen       = flag.String("listen", ":8194", "Listen address")
	path         = flag.String("path", "/ws", "Websocket endpoint path")
	tickRate     = flag.Float64("rate", 2.0, "Updates per second per subscription")
	failServices = flag.String("fail-services", "", "Comma separated services answered with ServiceOpenFailure")
	startupFail  = flag.Bool("startup-failure", false, "Answer every connection with SessionStartupFailure")
	partials     = flag.Int("partials", 1, "Partial responses sent before each final response")
	verbose      = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	Connections   int64
	Subscriptions int64
	Updates       int64
	Requests      int64
	WriteErrors   int64
}

var stats Stats

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// session is one gateway connection
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	failed  map[string]bool

	mu   sync.Mutex
	subs map[string]wsclient.WireSubscription
}

func main() {
	flag.Parse()

	failed := make(map[string]bool)
	for _, name := range strings.Split(*failServices, ",") {
		if name = strings.TrimSpace(name); name != "" {
			failed[name] = true
		}
	}

	fmt.Printf("=== Mock Market Data Provider ===\n")
	fmt.Printf("Listen: %s%s\n", *listen, *path)
	fmt.Printf("Rate: %.2f updates/s per subscription\n", *tickRate)
	fmt.Printf("\n")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.HandleFunc(*path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			fmt.Printf("upgrade failed: %v\n", err)
			return
		}
		s := &session{conn: conn, failed: failed, subs: make(map[string]wsclient.WireSubscription)}
		s.run(ctx)
	})
	server := &http.Server{Addr: *listen, Handler: mux}

	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Printf("server error: %v\n", err)
		os.Exit(1)
	}
	<-statsDone
	printStats()
	fmt.Printf("\n")
}

func (s *session) run(ctx context.Context) {
	defer s.conn.Close()
	atomic.AddInt64(&stats.Connections, 1)

	if *startupFail {
		s.send(event("SESSION_STATUS", message("SessionStartupFailure", "", "", map[string]string{"reason": "mock startup failure"})))
		return
	}
	s.send(event("SESSION_STATUS",
		message("SessionConnectionUp", "", "", nil),
		message("SessionStarted", "", "", nil),
	))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.tick(ctx)

	for {
		var f wsclient.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if *verbose {
				fmt.Printf("connection closed: %v\n", err)
			}
			return
		}
		s.handle(f)
	}
}

func (s *session) handle(f wsclient.Frame) {
	switch f.Op {
	case wsclient.OpOpenService:
		msgType := "ServiceOpened"
		if s.failed[f.Service] {
			msgType = "ServiceOpenFailure"
		}
		s.send(event("SERVICE_STATUS", message(msgType, "", f.Service, nil)))

	case wsclient.OpSubscribe:
		msgs := make([]wsclient.WireMessage, 0, len(f.Subscriptions))
		s.mu.Lock()
		for _, sub := range f.Subscriptions {
			s.subs[sub.CorrelationID] = sub
			msgs = append(msgs, message("SubscriptionStarted", sub.CorrelationID, "", nil))
		}
		s.mu.Unlock()
		atomic.AddInt64(&stats.Subscriptions, int64(len(f.Subscriptions)))
		s.send(wsclient.WireEvent{Event: "SUBSCRIPTION_STATUS", Messages: msgs})

	case wsclient.OpRequest:
		atomic.AddInt64(&stats.Requests, 1)
		if f.Request == nil {
			s.send(event("REQUEST_STATUS", message("RequestFailure", f.CorrelationID, "", map[string]string{"reason": "missing request"})))
			return
		}
		for i := 0; i < *partials; i++ {
			s.send(event("PARTIAL_RESPONSE", message("Response", f.CorrelationID, f.Request.Service, map[string]any{
				"operation": f.Request.Operation,
				"sequence":  i,
			})))
		}
		s.send(event("RESPONSE", message("Response", f.CorrelationID, f.Request.Service, map[string]any{
			"operation": f.Request.Operation,
			"params":    f.Request.Params,
		})))

	default:
		if *verbose {
			fmt.Printf("unknown op %q\n", f.Op)
		}
	}
}

// tick streams random updates for every subscription
func (s *session) tick(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / *tickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			msgs := make([]wsclient.WireMessage, 0, len(s.subs))
			for id, sub := range s.subs {
				values := make(map[string]float64, len(sub.Fields))
				for _, field := range sub.Fields {
					values[field] = 100 + rand.Float64()*10
				}
				msgs = append(msgs, message("MarketDataEvents", id, "", values))
			}
			s.mu.Unlock()

			if len(msgs) == 0 {
				continue
			}
			if err := s.send(wsclient.WireEvent{Event: "SUBSCRIPTION_DATA", Messages: msgs}); err != nil {
				return
			}
			atomic.AddInt64(&stats.Updates, int64(len(msgs)))
		}
	}
}

func (s *session) send(ev wsclient.WireEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteJSON(ev); err != nil {
		atomic.AddInt64(&stats.WriteErrors, 1)
		return err
	}
	return nil
}

func event(name string, msgs ...wsclient.WireMessage) wsclient.WireEvent {
	return wsclient.WireEvent{Event: name, Messages: msgs}
}

func message(msgType, correlationID, service string, payload any) wsclient.WireMessage {
	m := wsclient.WireMessage{Type: msgType, CorrelationID: correlationID, Service: service}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			m.Payload = data
		}
	}
	return m
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	fmt.Printf("\r[Stats] Conns: %d | Subs: %d | Updates: %d | Requests: %d | Write errors: %d",
		atomic.LoadInt64(&stats.Connections),
		atomic.LoadInt64(&stats.Subscriptions),
		atomic.LoadInt64(&stats.Updates),
		atomic.LoadInt64(&stats.Requests),
		atomic.LoadInt64(&stats.WriteErrors),
	)
}
