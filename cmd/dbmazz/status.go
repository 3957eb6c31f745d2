package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the running engine's control facade",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.ControlAPI.Port)

	for _, path := range []string{"/get_stage", "/get_lsns", "/get_counters", "/get_last_error"} {
		resp, err := client.Get(base + path)
		if err != nil {
			return fmt.Errorf("querying %s: %w", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("reading %s response: %w", path, err)
		}

		var pretty map[string]any
		if err := json.Unmarshal(body, &pretty); err != nil {
			fmt.Printf("%s: %s\n", path, body)
			continue
		}
		indented, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("%s:\n%s\n", path, indented)
	}
	return nil
}
