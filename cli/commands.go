package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/evalgo/gasoline/db/kv"
	"github.com/evalgo/gasoline/workflow"
)

// openClient opens the configured store/registry as a bare workflow.Client
// with no bus or cache, for one-shot CLI commands that only dispatch,
// signal, or read instance state — never drive a workflow body.
func openClient() (*workflow.Client, func(), error) {
	cfg := loadEngineConfig()

	store, err := kv.Open(cfg.KVPath)
	if err != nil {
		return nil, nil, fmt.Errorf("cli: open store: %w", err)
	}

	registry, err := buildRegistry()
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("cli: build registry: %w", err)
	}

	client := workflow.NewClient(store, registry, nil, nil, nil, nil)
	return client, func() { store.Close() }, nil
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <workflow-name> <json-input>",
	Short: "dispatch a new workflow instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient()
		if err != nil {
			return err
		}
		defer closeFn()

		var input any
		if err := json.Unmarshal([]byte(args[1]), &input); err != nil {
			return fmt.Errorf("cli: parse json input: %w", err)
		}

		tags, _ := cmd.Flags().GetStringToString("tag")
		id, err := client.Dispatch(args[0], input, tags)
		if err != nil {
			return err
		}

		wait, _ := cmd.Flags().GetBool("wait")
		if !wait {
			fmt.Println(id)
			return nil
		}

		output, err := client.WaitForWorkflow(context.Background(), id, 0)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", id, string(output))
		return nil
	},
}

var signalCmd = &cobra.Command{
	Use:   "signal <signal-name> <json-body>",
	Short: "send a signal to a workflow or a tag-set",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient()
		if err != nil {
			return err
		}
		defer closeFn()

		var body any
		if err := json.Unmarshal([]byte(args[1]), &body); err != nil {
			return fmt.Errorf("cli: parse json body: %w", err)
		}

		workflowID, _ := cmd.Flags().GetString("workflow-id")
		tags, _ := cmd.Flags().GetStringToString("tag")

		var target workflow.SignalTarget
		switch {
		case workflowID != "":
			target = workflow.ToWorkflow(workflowID)
		case len(tags) > 0:
			target = workflow.ToTags(tags)
		default:
			return fmt.Errorf("cli: one of --workflow-id or --tag is required")
		}

		return client.Signal(target, args[0], body)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "print a workflow instance's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := openClient()
		if err != nil {
			return err
		}
		defer closeFn()

		inst, err := client.GetInstance(args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(inst, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	dispatchCmd.Flags().StringToString("tag", nil, "tag=value pairs attached to the new instance")
	dispatchCmd.Flags().Bool("wait", false, "block until the workflow completes and print its output")

	signalCmd.Flags().String("workflow-id", "", "target a specific workflow instance")
	signalCmd.Flags().StringToString("tag", nil, "target any workflow listening on these tag=value pairs")
}
