package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/danshapiro/scc/internal/artifacts"
	"github.com/danshapiro/scc/internal/board"
	"github.com/danshapiro/scc/internal/config"
	"github.com/danshapiro/scc/internal/events"
	"github.com/danshapiro/scc/internal/gates"
	"github.com/danshapiro/scc/internal/jobstore"
	"github.com/danshapiro/scc/internal/lifecycle"
	"github.com/danshapiro/scc/internal/mapref"
	"github.com/danshapiro/scc/internal/pack"
	"github.com/danshapiro/scc/internal/scheduler"
	"github.com/danshapiro/scc/internal/server"
	"github.com/danshapiro/scc/internal/statestore"
	"github.com/danshapiro/scc/internal/worker"
)

func serve(args []string) {
	var configPath string
	var root string
	port := 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--port":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--port requires a value")
				os.Exit(1)
			}
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "--port: %v\n", err)
				os.Exit(1)
			}
			port = n
		case "--root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--root requires a value")
				os.Exit(1)
			}
			root = args[i]
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	logger := log.New(os.Stderr, "[scc-gateway] ", log.LstdFlags)
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if port != 0 {
		cfg.Port = port
	}
	if root != "" {
		cfg.Root = root
	}

	srv, err := buildGateway(cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := srv.ListenAndServe(fmt.Sprintf("127.0.0.1:%d", cfg.Port)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildGateway wires the stores, scheduler, gate pipeline, and lifecycle
// controller under the configured root.
func buildGateway(cfg *config.Config, logger *log.Logger) (*server.Server, error) {
	root := cfg.Root
	for _, dir := range []string{
		filepath.Join(root, "state"),
		filepath.Join(root, "artifacts"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	mapReader := mapref.NewReader(filepath.Join(root, "map"))
	mapHash := func() (string, bool) {
		hash, ok, err := mapReader.CurrentHash()
		if err != nil {
			logger.Printf("map: %v", err)
			return "", false
		}
		return hash, ok
	}

	ss := statestore.New(logger)
	artifactStore := artifacts.NewStore(filepath.Join(root, "artifacts"))
	evLog := events.NewLog(filepath.Join(root, "artifacts", "events.jsonl"), artifactStore.Root(), logger)
	jobs := jobstore.New(ss, filepath.Join(root, "state", "jobs_state.json"))
	broker := scheduler.NewBroker()

	ctrl := lifecycle.New(lifecycle.Controller{
		Board:   board.New(ss, filepath.Join(root, "state", "board.json")),
		Jobs:    jobs,
		Workers: worker.NewRegistry(cfg.SeenWindow()),
		Packs:   pack.NewService(filepath.Join(root, "artifacts", "packs")),
		Gates: &gates.Pipeline{
			Strict:     cfg.ContextPackV1Required,
			MapHash:    mapHash,
			Artifacts:  artifactStore,
			Events:     evLog,
			Logger:     logger,
			MaxRetries: cfg.MaxRetries,
		},
		Events:    evLog,
		Sched:     scheduler.New(jobs, broker, cfg.ConcurrencyFor),
		Artifacts: artifactStore,
		Config:    cfg,
		MapHash:   mapHash,
		Logger:    logger,
	})

	return server.New(cfg, ctrl, logger), nil
}
