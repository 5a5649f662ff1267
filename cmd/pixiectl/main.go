// Command pixiectl is the admin CLI for a running pixie-server: set a
// selector's next action, list images, and watch fleet status, all over
// the HTTP admin control plane.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var server string

	root := &cobra.Command{
		Use:   "pixiectl",
		Short: "Admin CLI for a Pixie fleet server",
	}
	root.PersistentFlags().StringVar(&server, "server", "http://127.0.0.1:80", "pixie-server admin base URL")

	root.AddCommand(
		newActionCmd(&server),
		newImageCmd(&server),
		newStatusCmd(&server),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newActionCmd(server *string) *cobra.Command {
	var image string

	cmd := &cobra.Command{
		Use:   "action <selector> <store|flash|reboot|register|wait>",
		Short: "Set the next action for units matching a selector",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, action := args[0], args[1]
			path := fmt.Sprintf("/admin/curr_action/%s/%s", url.PathEscape(selector), url.PathEscape(action))
			if image != "" {
				path += "?image=" + url.QueryEscape(image)
			}
			return postAndPrint(*server + path)
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "image name, for store/flash actions")
	return cmd
}

func newImageCmd(server *string) *cobra.Command {
	cmd := &cobra.Command{Use: "image", Short: "Inspect stored images"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List images with human-readable chunk byte counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(*server + "/admin/images")
		},
	})
	return cmd
}

func newStatusCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a one-shot fleet status snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(*server + "/admin/status")
		},
	}
}

func getAndPrint(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(resp)
}

func postAndPrint(url string) error {
	resp, err := http.Post(url, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printJSON(resp)
}

func printJSON(resp *http.Response) error {
	var v interface{}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
