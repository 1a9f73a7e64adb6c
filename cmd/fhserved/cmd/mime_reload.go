package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var mimeReloadAddr string

var mimeReloadCmd = &cobra.Command{
	Use:   "mime-reload",
	Short: "Trigger a running server to hot-reload its MIME registry",
	Long: `Sends a POST /admin/mime/reload request to a running fhserved
instance, the out-of-process equivalent of the original's SIGHUP-driven
MIME rescan.`,
	RunE: runMimeReload,
}

func init() {
	rootCmd.AddCommand(mimeReloadCmd)
	mimeReloadCmd.Flags().StringVar(&mimeReloadAddr, "addr", "http://127.0.0.1:8080", "base URL of the running server's admin API")
}

func runMimeReload(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mimeReloadAddr+"/admin/mime/reload", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reaching %s: %w", mimeReloadAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	fmt.Println("mime registry reloaded")
	return nil
}
