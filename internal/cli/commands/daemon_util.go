package commands

import (
	"fmt"

	"driveforest/internal/daemon"
)

// withClient connects to the running daemon and calls fn.
func withClient(fn func(*daemon.Client) error) error {
	client, err := daemon.Connect()
	if err != nil {
		return fmt.Errorf("daemon not running (start it with: driveforest daemon start)")
	}
	defer client.Close()
	return fn(client)
}

// notifyReload asks a running daemon to re-read settings. It reports
// instead of failing, as the settings are saved either way.
func notifyReload() {
	if !daemon.IsDaemonRunning() {
		return
	}
	err := withClient(func(c *daemon.Client) error {
		resp, err := c.ReloadConfig()
		if resp != nil && resp.Message != "" {
			fmt.Println(resp.Message)
		}
		return err
	})
	if err != nil {
		fmt.Printf("Note: daemon reported: %v\n", err)
		return
	}
	fmt.Println("Daemon notified to reload configuration")
}
