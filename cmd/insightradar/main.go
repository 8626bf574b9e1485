package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "insightradar",
		Short:         "Collect channel posts and comments and analyze them with an LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(channelsCmd())
	root.AddCommand(collectCmd())
	root.AddCommand(commentsCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(analyzeCmd())

	return root
}

func idArg(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, false)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler, job workers and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port, true)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func channelsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List and manage monitored channels",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsList(jsonOutput)
		},
	}
	list.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Register a public channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsAdd(args[0])
		},
	}

	toggle := func(use string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <channel-id>",
			Short: use + " collection for a channel",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := idArg(args[0])
				if err != nil {
					return err
				}
				return runChannelsToggle(id, active)
			},
		}
	}

	cmd.AddCommand(list, add, toggle("enable", true), toggle("disable", false))
	return cmd
}

func collectCmd() *cobra.Command {
	var (
		mode     string
		dateFrom string
		dateTo   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "collect <channel-id>",
		Short: "Collect posts of one channel and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := idArg(args[0])
			if err != nil {
				return err
			}
			var lim *int
			if cmd.Flags().Changed("limit") {
				lim = &limit
			}
			return runCollect(id, mode, dateFrom, dateTo, lim)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "get_new", "get_new, initial or historical")
	cmd.Flags().StringVar(&dateFrom, "from", "", "first day for historical mode (YYYY-MM-DD)")
	cmd.Flags().StringVar(&dateTo, "to", "", "last day for historical mode (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max posts to store")
	return cmd
}

func commentsCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "comments <post-id>",
		Short: "Collect comments of one post and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := idArg(args[0])
			if err != nil {
				return err
			}
			return runComments(id, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "re-walk the whole comment thread")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <post-id>",
		Short: "Refresh the counters of one post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := idArg(args[0])
			if err != nil {
				return err
			}
			return runStats(id)
		},
	}
}

func analyzeCmd() *cobra.Command {
	var (
		force      bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <post-id>",
		Short: "Analyze one post with the configured LLM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := idArg(args[0])
			if err != nil {
				return err
			}
			return runAnalyze(id, force, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "replace an existing analysis")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
