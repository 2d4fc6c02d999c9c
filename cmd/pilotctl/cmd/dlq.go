package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead-letter archive",
	Long:  `List events that could not be processed and were moved to the dead-letter archive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(http.MethodGet, "/v1/dlq", nil)
		if err != nil {
			return err
		}

		var out struct {
			DeadLetters []struct {
				EventID   string `json:"event_id"`
				EventType string `json:"event_type"`
				Reason    string `json:"reason"`
				Attempts  int    `json:"attempts"`
				CreatedAt string `json:"created_at"`
			} `json:"dead_letters"`
		}
		if err := decodeResponse(resp, &out); err != nil {
			return err
		}

		if outputJSON {
			printOutput(out)
		} else {
			if len(out.DeadLetters) == 0 {
				fmt.Println("Dead-letter archive is empty")
				return nil
			}
			for _, dl := range out.DeadLetters {
				fmt.Printf("%s  %-16s  attempts=%d  %s\n", dl.EventID, dl.EventType, dl.Attempts, dl.Reason)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
}
