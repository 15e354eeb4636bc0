package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"

	"github.com/labforge/labforge/internal/db"
	"github.com/labforge/labforge/internal/events"
	"github.com/labforge/labforge/internal/imagesync"
	"github.com/labforge/labforge/internal/jobs"
	"github.com/labforge/labforge/internal/messaging"
	"github.com/labforge/labforge/internal/reconciler"
	labserver "github.com/labforge/labforge/internal/server"
	"github.com/labforge/labforge/internal/supervisor"
	"github.com/labforge/labforge/internal/topology"
	"github.com/labforge/labforge/internal/webhooks"
)

func main() {
	cmd := &cli.Command{
		Name:  "labforge-server",
		Usage: "The lab orchestration control plane.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the labforge server and embedded NATS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "http-addr", Value: "0.0.0.0:8080", Usage: "HTTP server bind address"},
					&cli.StringFlag{Name: "db-path", Value: "labforge.db", Usage: "Path to the SQLite database file"},
					&cli.StringFlag{Name: "nats-addr", Value: "0.0.0.0:4222", Usage: "NATS server bind address (host:port)"},
					&cli.StringFlag{Name: "log-dir", Value: "logs", Usage: "Directory for job logs"},
					&cli.DurationFlag{Name: "reconcile-interval", Value: 30 * time.Second, Usage: "Link reconciliation polling interval"},
					&cli.DurationFlag{Name: "host-stale-after", Value: 90 * time.Second, Usage: "Heartbeat silence before a host is marked unknown"},
				},
				Action: runServer,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	log.Println("Starting labforge server...")

	// 1. Initialize Database
	dbPath := cmd.Value("db-path").(string)
	gormDB, err := db.NewDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	store := db.NewStore(gormDB)

	logDir := cmd.Value("log-dir").(string)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}

	// 2. Start Embedded NATS Server
	natsAddr := cmd.Value("nats-addr").(string)
	natsHost, natsPort, err := net.SplitHostPort(natsAddr)
	if err != nil {
		return fmt.Errorf("invalid nats-addr format: %w", err)
	}
	natsPortInt, _ := strconv.Atoi(natsPort)
	ns, err := server.NewServer(&server.Options{Host: natsHost, Port: natsPortInt})
	if err != nil {
		return fmt.Errorf("could not start embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		return fmt.Errorf("embedded NATS server did not become ready")
	}
	log.Printf("Embedded NATS server started on %s", natsAddr)

	// 3. Connect to our own embedded NATS
	nc, err := messaging.Connect(ns.ClientURL())
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	// 4. Subscribe to agent heartbeats
	if _, err := nc.Subscribe(messaging.SubjectAgentHeartbeat, heartbeatHandler(store)); err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	log.Println("Subscribed to agent heartbeats.")

	// 5. Wire the control plane components
	bus := events.NewBus()
	defer bus.Close()

	dispatcher := webhooks.NewDispatcher(store)
	dispatcher.Attach(bus)

	hostClient := messaging.NewHostClient(nc)
	detector, err := imagesync.NewDetector(nil)
	if err != nil {
		return err
	}
	coordinator := imagesync.NewCoordinator(store, hostClient, detector)

	loader := func(lab *db.Lab) (*topology.Topology, error) {
		return topology.Load(filepath.Join(lab.WorkspaceDir, "topology.yml"))
	}
	orch := jobs.NewOrchestrator(store, bus, hostClient, coordinator, loader, logDir)

	// 6. Start background loops under one supervisor
	reconcileInterval := cmd.Value("reconcile-interval").(time.Duration)
	rec := reconciler.New(store, hostClient, bus, reconcileInterval)

	staleAfter := cmd.Value("host-stale-after").(time.Duration)
	sup := supervisor.New()
	sup.Register("link-reconciler", rec.Run)
	sup.Register("host-staleness", func(ctx context.Context) {
		staleHostLoop(ctx, store, staleAfter)
	})
	sup.Start(ctx)
	defer sup.Stop()

	// 7. Start Chi HTTP Server
	api := labserver.New(store, orch)
	httpAddr := cmd.Value("http-addr").(string)
	log.Printf("HTTP server listening on %s", httpAddr)
	return http.ListenAndServe(httpAddr, api.Router())
}

func heartbeatHandler(store *db.Store) nats.MsgHandler {
	return func(m *nats.Msg) {
		var hb messaging.Heartbeat
		if err := json.Unmarshal(m.Data, &hb); err != nil {
			log.Printf("[ERROR] Unmarshalling heartbeat: %v", err)
			return
		}

		host := db.Host{
			HostID:        hb.HostID,
			Address:       hb.Address,
			Status:        db.HostHealthy,
			CPUPercent:    hb.CPUPercent,
			MemPercent:    hb.MemPercent,
			DiskPercent:   hb.DiskPercent,
			StartedAt:     hb.StartedAt,
			Local:         hb.Local,
			LastHeartbeat: hb.Timestamp,
		}
		if err := store.UpsertHost(&host); err != nil {
			log.Printf("[ERROR] Upserting host: %v", err)
		}
	}
}

// staleHostLoop flags hosts whose heartbeats stopped. The controller never
// assumes a silent host is still consistent with its last report.
func staleHostLoop(ctx context.Context, store *db.Store, staleAfter time.Duration) {
	ticker := time.NewTicker(staleAfter / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.MarkStaleHosts(time.Now().Add(-staleAfter))
			if err != nil {
				log.Printf("[ERROR] Marking stale hosts: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[INFO] Marked %d host(s) unknown after heartbeat silence", n)
			}
		}
	}
}
