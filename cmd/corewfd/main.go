// Command corewfd is a local command-line harness for exercising the
// engine: it wires a storage backend, the emit fan-out, and engine tuning
// from engine/config into an engine.Engine and starts (or, with
// -workflow-id, resumes) a single noop workflow. It does not wait for the
// run to finish: after a start it sleeps 500ms and exits, and after a
// resume it exits as soon as the run is scheduled. Transport (how a workflow
// body gets defined and invoked over the network) is out of scope; this
// is the thing you run on a box, not a service you call into.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/distflow/corewf/engine"
	"github.com/distflow/corewf/engine/config"
	"github.com/distflow/corewf/engine/emit"
	"github.com/distflow/corewf/engine/store"
)

func main() {
	var (
		backend    = flag.String("backend", "memory", "persistence backend: memory, sqlite, mysql")
		sqlitePath = flag.String("sqlite-path", "corewf.db", "path for the sqlite backend")
		mysqlDSN   = flag.String("mysql-dsn", "", "DSN for the mysql backend")
		configPath = flag.String("config", "", "path to a corewf config file (optional)")
		workflowID = flag.String("workflow-id", "", "resume this workflow instead of starting a new one")
	)
	flag.Parse()

	if err := run(*backend, *sqlitePath, *mysqlDSN, *configPath, *workflowID); err != nil {
		log.Fatalf("corewfd: %v", err)
	}
}

func run(backend, sqlitePath, mysqlDSN, configPath, workflowID string) error {
	ctx := context.Background()

	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	journal, snapshots, leases, idempotency, blobs, err := openBackend(ctx, backend, sqlitePath, mysqlDSN)
	if err != nil {
		return fmt.Errorf("open backend %s: %w", backend, err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	emitter := emit.Multi{
		emit.NewLogEmitter(logger),
		emit.NewMetricsEmitter(prometheus.DefaultRegisterer),
	}

	eng, err := engine.New(journal, snapshots, leases, idempotency, blobs, emitter, settings.Options()...)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	ownerID := fmt.Sprintf("corewfd-%d", os.Getpid())

	if workflowID != "" {
		logger.Infof("resuming workflow %s", workflowID)
		return eng.Resume(ctx, workflowID, "", ownerID, noopWorkflow)
	}

	id, err := eng.Start(ctx, "noop", nil, engine.StartConfig{OwnerID: ownerID}, noopWorkflow)
	if err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}
	logger.Infof("started workflow %s", id)

	time.Sleep(500 * time.Millisecond)
	return nil
}

// noopWorkflow is a placeholder body used only to exercise the harness end
// to end; real deployments supply their own WorkflowFunc.
func noopWorkflow(wc *engine.WorkflowContext) error {
	return wc.Step("noop", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
		return vars, nil
	}, engine.StepPolicy{})
}

func openBackend(ctx context.Context, backend, sqlitePath, mysqlDSN string) (engine.JournalStore, engine.SnapshotStore, engine.LeaseStore, engine.IdempotencyStore, engine.BlobStore, error) {
	switch backend {
	case "memory":
		mem := store.NewMemoryStore()
		return mem, mem, mem, mem, mem.Blobs(), nil
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, sqlitePath)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		return s, s, s, s, nil, nil
	case "mysql":
		if mysqlDSN == "" {
			return nil, nil, nil, nil, nil, fmt.Errorf("-mysql-dsn is required for the mysql backend")
		}
		s, err := store.NewMySQLStore(ctx, mysqlDSN)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		return s, s, s, s, nil, nil
	default:
		return nil, nil, nil, nil, nil, fmt.Errorf("unknown backend %q", backend)
	}
}
