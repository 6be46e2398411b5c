package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/SkynetNext/mktdata-gateway/internal/config"
	"github.com/SkynetNext/mktdata-gateway/internal/redis"
)

var (
	configPath = flag.String("config", "config/config.yaml", "Gateway configuration file")
	securities = flag.String("securities", "", "Comma separated securities to follow, defaults to the configured universe")
	showStatus = flag.Bool("status", false, "Print the last stored gateway status and exit")
	verbose    = flag.Bool("verbose", false, "Print update payloads")
)

var received int64

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Redis.Addr == "" {
		fmt.Printf("redis.addr is not configured\n")
		os.Exit(1)
	}

	client := redis.NewClient(&cfg.Redis)
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *showStatus {
		if err := printStatus(ctx, client); err != nil {
			fmt.Printf("%v\n", err)
			os.Exit(1)
		}
		return
	}

	names := cfg.Subscriptions.Securities
	if *securities != "" {
		names = nil
		for _, name := range strings.Split(*securities, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		fmt.Printf("no securities to follow\n")
		os.Exit(1)
	}

	fmt.Printf("=== Market Data Tail ===\n")
	fmt.Printf("Redis: %s\n", cfg.Redis.Addr)
	fmt.Printf("Securities: %s\n", strings.Join(names, ", "))
	fmt.Printf("\n")

	start := time.Now()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(security string) {
			defer wg.Done()
			follow(ctx, client, security)
		}(name)
	}
	wg.Wait()

	fmt.Printf("\nReceived %d updates in %v\n", atomic.LoadInt64(&received), time.Since(start).Round(time.Second))
}

func printStatus(ctx context.Context, client *redis.Client) error {
	status, err := client.LoadStatus(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	fmt.Printf("%s\n", data)
	return nil
}

// follow prints every update published for security until ctx ends
func follow(ctx context.Context, client *redis.Client, security string) {
	sub := client.SubscribeUpdates(ctx, security)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			line, err := formatUpdate(msg.Payload, *verbose)
			if err != nil {
				fmt.Printf("[%s] malformed update: %v\n", security, err)
				continue
			}
			atomic.AddInt64(&received, 1)
			fmt.Println(line)
		}
	}
}

func formatUpdate(payload string, withPayload bool) (string, error) {
	var u redis.Update
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		return "", err
	}
	line := fmt.Sprintf("[%s] %s %s", u.ReceivedAt.Format(time.RFC3339Nano), u.Security, u.MessageType)
	if withPayload && len(u.Payload) > 0 {
		line += " " + string(u.Payload)
	}
	return line, nil
}
