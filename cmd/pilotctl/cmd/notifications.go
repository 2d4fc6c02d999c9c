package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// notificationsCmd represents the notifications command
var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Drain pending notifications for the session",
	Long: `Fetch and clear the session's deferred notifications. This is the
same call the conversational front end makes on every user interaction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(http.MethodGet, "/v1/notifications", nil)
		if err != nil {
			return err
		}

		var out struct {
			Notifications []struct {
				TaskID    string `json:"task_id"`
				Status    string `json:"status"`
				CreatedAt string `json:"created_at"`
			} `json:"notifications"`
		}
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
		} else {
			if len(out.Notifications) == 0 {
				fmt.Println("No pending notifications")
				return nil
			}
			for _, n := range out.Notifications {
				fmt.Printf("%s  %-10s  %s\n", n.TaskID, n.Status, n.CreatedAt)
			}
		}
		return nil
	},
}

// heartbeatCmd represents the heartbeat command
var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Mark the session live in the connection registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(http.MethodPost, "/v1/sessions/heartbeat", nil)
		if err != nil {
			return err
		}
		if err := decodeResponse(resp, nil); err != nil {
			return err
		}
		fmt.Println("Session heartbeat recorded")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(heartbeatCmd)
}
