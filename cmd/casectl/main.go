// Command casectl is the operator CLI for a casedesk server.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// cli holds the global flags and the streams commands write to.
type cli struct {
	server string
	token  string
	json   bool

	in     io.Reader
	out    io.Writer
	reader *bufio.Reader
}

func (c *cli) client() *apiClient {
	return newAPIClient(c.server, c.token)
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "casectl",
		Short:         "Operate on insurance cases through casedesk",
		Long:          "Inspect applications, complete workflow steps manually and submit review actions against a casedesk server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(c.in)
	root.SetOut(c.out)

	root.PersistentFlags().StringVar(&c.server, "server", envOr("CASEDESK_SERVER", "http://localhost:8080"), "casedesk server URL")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv("CASEDESK_TOKEN"), "bearer token")
	root.PersistentFlags().BoolVar(&c.json, "json", false, "Output in JSON format")

	root.AddCommand(newCaseCmd(c))
	root.AddCommand(newQueueCmd(c))
	root.AddCommand(newClaimsCmd(c))
	root.AddCommand(newReviewCmd(c))
	root.AddCommand(newWorkflowCmd(c))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.out, "casectl %s (%s)\n", version, commit)
		},
	})
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	c := &cli{in: os.Stdin, out: os.Stdout}
	if err := newRootCmd(c).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
