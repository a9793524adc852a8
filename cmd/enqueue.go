package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/osaproject/osa/internal/config"
	"github.com/osaproject/osa/internal/taskqueue"
)

func enqueueCmd() *cobra.Command {
	var agentID string
	var taskID string
	var maxAttempts int

	cmd := &cobra.Command{
		Use:   "enqueue [payload-json]",
		Short: "Add a task to the durable queue",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runEnqueue(agentID, taskID, maxAttempts, args)
		},
	}
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent the task is for (required)")
	cmd.Flags().StringVar(&taskID, "id", "", "task id (default: random)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "failures before the task is terminal")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func runEnqueue(agentID, taskID string, maxAttempts int, args []string) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var payload map[string]interface{}
	if len(args) > 0 && args[0] != "" {
		if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
			fmt.Fprintf(os.Stderr, "payload is not a JSON object: %v\n", err)
			os.Exit(1)
		}
	}
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if maxAttempts <= 0 {
		maxAttempts = cfg.Queue.MaxAttempts
	}

	queue, err := taskqueue.Open(cfg.QueuePath(), nil)
	if err != nil {
		slog.Error("task queue open failed", "path", cfg.QueuePath(), "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	task, err := queue.Enqueue(context.Background(), taskID, agentID, payload,
		taskqueue.EnqueueOptions{MaxAttempts: maxAttempts})
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("enqueued %s for %s\n", task.ID, task.AgentID)
}
