package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"switchboard"
	"switchboard/internal/configwatch"
)

func main() {
	var (
		configPath  string
		prompt      string
		sessionID   string
		metrics     bool
		metricsKind string
		watch       bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to the deployment list YAML file")
	flag.StringVar(&prompt, "prompt", "hi", "Prompt to send as a demo completion")
	flag.StringVar(&sessionID, "session", "", "Optional session id for affinity")
	flag.BoolVar(&metrics, "metrics", false, "Enable metrics wiring")
	flag.StringVar(&metricsKind, "metrics-backend", "prom", "Metrics backend: prom, otel, noop")
	flag.BoolVar(&watch, "watch", false, "Watch the deployment list and publish change events")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("switchboard demo CLI")
		return
	}

	if configPath == "" {
		fmt.Println("A deployment list is required. Use -config path/to/deployments.yaml")
		os.Exit(1)
	}

	file, err := configwatch.Load(configPath)
	if err != nil {
		log.Fatalf("load deployment list: %v", err)
	}
	if len(file.Deployments) == 0 {
		log.Fatalf("no deployments found in %s", configPath)
	}

	cfg := switchboard.Defaults()
	cfg.MetricsEnabled = metrics
	cfg.MetricsBackend = metricsKind
	for _, d := range file.Deployments {
		cfg.Deployments = append(cfg.Deployments, switchboard.Deployment{
			Name:                d.Name,
			APIBase:             d.APIBase,
			APIKey:              d.APIKey,
			APIVersion:          d.APIVersion,
			Timeout:             time.Duration(d.TimeoutSeconds) * time.Second,
			TPMRatelimit:        d.TPMRatelimit,
			RPMRatelimit:        d.RPMRatelimit,
			HealthcheckInterval: time.Duration(d.HealthcheckInterval) * time.Second,
			CooldownPeriod:      time.Duration(d.CooldownPeriod) * time.Second,
		})
	}

	var opts []switchboard.Option
	if watch {
		opts = append(opts, switchboard.WithConfigPath(configPath))
	}

	sb, err := switchboard.New(cfg, opts...)
	if err != nil {
		log.Fatalf("create switchboard: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; shutting down")
		cancel()
	}()

	if err := sb.Start(ctx); err != nil {
		log.Fatalf("start switchboard: %v", err)
	}
	defer func() { _ = sb.Stop() }()

	resp, err := sb.Create(ctx, switchboard.Request{
		Model:     "gpt-4o-mini",
		Messages:  []switchboard.Message{{Role: "user", Content: prompt}},
		SessionID: sessionID,
	})
	if err != nil {
		log.Fatalf("create completion: %v", err)
	}

	snap := sb.HealthSnapshot(ctx)
	fmt.Printf("deployment=%s content=%q\n", resp.Deployment, resp.Content)
	fmt.Printf("health: overall=%s probes=%d\n", snap.Overall, len(snap.Probes))
}
