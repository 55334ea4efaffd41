package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zenibako/stagedit/remote"
	"github.com/zenibako/stagedit/review"
	"github.com/zenibako/stagedit/staging"
)

type endpoint struct {
	host       string
	port       int
	collection string
	passcode   string
}

func endpointFrom(opts docopt.Opts) (endpoint, error) {
	var ep endpoint
	var err error
	ep.host, _ = opts.String("--host")
	ep.collection, _ = opts.String("--collection")
	ep.passcode, _ = opts.String("--passcode")
	if ep.port, err = opts.Int("--port"); err != nil {
		return ep, fmt.Errorf("invalid --port: %w", err)
	}
	return ep, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func serve(opts docopt.Opts) error {
	ep, err := endpointFrom(opts)
	if err != nil {
		return err
	}
	if driver, _ := opts.String("--driver"); driver != "" {
		if err := os.Setenv(remote.EnvStoreDriver, driver); err != nil {
			return err
		}
	}

	var seed []staging.Entity
	if path, _ := opts.String("--seed"); path != "" {
		if err := readJSON(path, &seed); err != nil {
			return err
		}
	}

	ctx := context.Background()
	store, err := remote.OpenStore(ctx, seed)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	server := remote.NewServer(ep.host, ep.port, ep.collection, store)
	server.SetPasscode(ep.passcode)
	if err := server.Start(); err != nil {
		return err
	}
	log.Info("Serving collection", "collection", ep.collection, "addr", server.Addr())

	if addr, _ := opts.String("--metrics"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server stopped", "error", err)
			}
		}()
		defer func() { _ = metricsServer.Close() }()
		log.Info("Serving metrics", "addr", addr)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info("Shutting down")
	return server.Stop()
}

func connect(ctx context.Context, opts docopt.Opts) (*remote.Client, error) {
	ep, err := endpointFrom(opts)
	if err != nil {
		return nil, err
	}
	client := remote.NewClient(ep.host, ep.port, ep.collection)
	if err := client.Start(); err != nil {
		return nil, err
	}
	client.OnDisconnect(func() {
		log.Warn("Lost connection to server", "host", ep.host, "port", ep.port)
	})
	if err := client.Connect(ctx, ep.passcode); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func list(opts docopt.Opts) error {
	ctx := context.Background()
	pageSize, err := opts.Int("--page-size")
	if err != nil {
		return fmt.Errorf("invalid --page-size: %w", err)
	}
	client, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	entities, err := staging.FetchAll(ctx, client, pageSize, staging.DefaultMaxPages)
	if err != nil {
		return err
	}
	for _, e := range entities {
		number := "-"
		if e.Number != nil {
			number = fmt.Sprintf("%g", *e.Number)
		}
		fmt.Printf("%6d  %-6s  %s  %v\n", e.ID, number, e.Name, e.Members)
	}
	return nil
}

func apply(opts docopt.Opts) error {
	path, _ := opts.String("<file>")
	var descriptors []staging.OperationDescriptor
	if err := readJSON(path, &descriptors); err != nil {
		return err
	}

	ctx := context.Background()
	client, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	continueOnError, _ := opts.Bool("--continue-on-error")
	editor := staging.NewEditor(client,
		staging.WithContinueOnError(continueOnError),
		staging.OnProgress(func(phase string) { log.Debug("Commit progress", "phase", phase) }),
	)
	if err := editor.Load(ctx); err != nil {
		return err
	}

	session := editor.Enter()
	session.StartBatch("apply " + path)
	for i, d := range descriptors {
		op, ok := d.Operation()
		if !ok {
			return fmt.Errorf("operation %d: unknown type %q", i, d.Type)
		}
		session.Stage(op, fmt.Sprintf("%s (%s #%d)", d.Type, path, i))
	}
	session.EndBatch()

	if dryRun, _ := opts.Bool("--dry-run"); dryRun {
		fmt.Println(review.FormatSummary(editor.Summary()))
		result := editor.Validate(ctx)
		for _, issue := range result.Issues {
			fmt.Printf("  [%s] operation %d: %s\n", issue.Severity, issue.OperationIndex, issue.Message)
		}
		if result.Err != nil {
			return result.Err
		}
		fmt.Println("Validation passed")
		return nil
	}

	if yes, _ := opts.Bool("--yes"); yes {
		fmt.Println(review.FormatSummary(editor.Summary()))
		return reportCommit(editor.Commit(ctx))
	}

	accessible, _ := opts.Bool("--accessible")
	outcome, err := review.NewReviewer(review.TerminalPrompter{Accessible: accessible}).Review(ctx, editor)
	if err != nil {
		return err
	}
	if outcome.Result != nil {
		return reportCommit(*outcome.Result)
	}
	fmt.Printf("No changes committed (%s)\n", outcome.Decision)
	return nil
}

func reportCommit(result staging.CommitResult) error {
	fmt.Printf("%s: %d applied, %d failed\n", result.Message, result.Applied, result.Failed)
	for _, e := range result.Errors {
		fmt.Printf("  operation %d (%s): %s\n", e.OperationIndex, e.Type, e.Message)
	}
	for temp, id := range result.TempIDMap {
		fmt.Printf("  created %d as %d\n", temp, id)
	}
	if result.Err != nil {
		return result.Err
	}
	return nil
}
