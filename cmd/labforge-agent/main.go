package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/labforge/labforge/internal/agent"
	"github.com/labforge/labforge/internal/agent/docker"
	"github.com/labforge/labforge/internal/messaging"
)

func main() {
	cmd := &cli.Command{
		Name:  "labforge-agent",
		Usage: "Host agent serving the labforge control plane.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the agent and register with the controller",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "host-id", Usage: "Unique identifier of this host", Required: true},
					&cli.StringFlag{Name: "address", Usage: "Address the controller can reach this host on"},
					&cli.StringFlag{Name: "nats-url", Value: "nats://127.0.0.1:4222", Usage: "Controller NATS URL"},
					&cli.StringFlag{Name: "data-dir", Value: "/var/lib/labforge", Usage: "Directory holding lab artifacts"},
					&cli.BoolFlag{Name: "local", Usage: "This host is co-located with the controller"},
					&cli.DurationFlag{Name: "heartbeat-interval", Value: 15 * time.Second, Usage: "Heartbeat publish interval"},
				},
				Action: runAgent,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runAgent(ctx context.Context, cmd *cli.Command) error {
	log.Println("Starting labforge agent...")

	runtime, err := docker.NewRuntime()
	if err != nil {
		return fmt.Errorf("failed to initialize container runtime: %w", err)
	}

	nc, err := messaging.Connect(cmd.Value("nats-url").(string))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	a := agent.New(
		cmd.Value("host-id").(string),
		cmd.Value("address").(string),
		cmd.Value("local").(bool),
		cmd.Value("data-dir").(string),
		nc,
		runtime,
	)
	return a.Start(ctx, cmd.Value("heartbeat-interval").(time.Duration))
}
