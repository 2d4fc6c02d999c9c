package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// taskCmd represents the task command
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
	Long:  `Submit tasks to the orchestrator and check their status.`,
}

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit [task-type] [params-json]",
	Short: "Submit a task for asynchronous execution",
	Long: `Submit a task with a JSON parameter payload.

Example:
  pilotctl task submit report.generate '{"quarter":"Q3","year":2026}' --session sess_42 --secret dev`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskType := args[0]
		paramsJSON := args[1]

		timeoutSeconds, _ := cmd.Flags().GetInt("timeout-seconds")
		priority, _ := cmd.Flags().GetInt("priority")

		var params json.RawMessage
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return fmt.Errorf("invalid params JSON: %w", err)
		}

		resp, err := makeRequest(http.MethodPost, "/v1/tasks", map[string]interface{}{
			"task_type":       taskType,
			"params":          params,
			"timeout_seconds": timeoutSeconds,
			"priority":        priority,
		})
		if err != nil {
			return err
		}

		var out struct {
			TaskID string `json:"task_id"`
			Status string `json:"status"`
		}
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
		} else {
			fmt.Printf("Submitted task: %s\n", out.TaskID)
			fmt.Printf("  Status: %s\n", out.Status)
		}
		return nil
	},
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show the current status or result of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(http.MethodGet, "/v1/tasks/"+url.PathEscape(args[0]), nil)
		if err != nil {
			return err
		}

		var view map[string]interface{}
		if err := decodeResponse(resp, &view); err != nil {
			return err
		}

		if outputJSON {
			printOutput(view)
		} else {
			fmt.Printf("Task %v: %v\n", view["task_id"], view["status"])
			if r, ok := view["result"]; ok {
				b, _ := json.MarshalIndent(r, "  ", "  ")
				fmt.Printf("  Result: %s\n", b)
			}
			if e, ok := view["error"]; ok {
				b, _ := json.MarshalIndent(e, "  ", "  ")
				fmt.Printf("  Error: %s\n", b)
			}
			if ms, ok := view["elapsed_ms"]; ok {
				fmt.Printf("  Elapsed: %vms\n", ms)
			}
		}
		return nil
	},
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the session's tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		path := "/v1/tasks"
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		resp, err := makeRequest(http.MethodGet, path, nil)
		if err != nil {
			return err
		}

		var out struct {
			Tasks []map[string]interface{} `json:"tasks"`
		}
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
		} else {
			if len(out.Tasks) == 0 {
				fmt.Println("No tasks")
				return nil
			}
			for _, t := range out.Tasks {
				fmt.Printf("%v  %-10v  %v\n", t["task_id"], t["status"], t["task_type"])
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(submitCmd)
	taskCmd.AddCommand(statusCmd)
	taskCmd.AddCommand(listCmd)

	// Flags for submit
	submitCmd.Flags().Int("timeout-seconds", 0, "task timeout in seconds (0 uses the server default)")
	submitCmd.Flags().Int("priority", 0, "task priority (0-9)")

	// Flags for list
	listCmd.Flags().String("status", "", "filter by status (PENDING, PROCESSING, COMPLETED, FAILED, TIMEOUT)")
}
