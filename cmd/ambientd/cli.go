package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ambientlabs/ambientd/pkg/memory"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ambientd",
		Short: "Ambient developer-activity capture with tiered memory",
		Long: strings.TrimSpace(`ambientd observes raw activity signals (file edits, terminal commands,
VCS hooks, editor polls), debounces them into units of work, groups those
into bounded sessions, and keeps a capacity-limited working memory plus a
confidence-scored pattern store for downstream mining.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringP("config", "c", "", "Path to JSON or YAML config file")

	root.AddCommand(newRunCommand())
	root.AddCommand(newSessionsCommand())
	root.AddCommand(newSearchCommand())
	root.AddCommand(newStatsCommand())
	root.AddCommand(newPruneCommand())

	return root
}

func newRunCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the capture daemon",
		Example: "  ambientd run\n  ambientd run --metrics-addr :9137",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runDaemon(configPath, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address")
	return cmd
}

func newSessionsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent capture sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			svc, _, err := openService(configPath)
			if err != nil {
				return err
			}
			defer svc.Stop()

			sessions, err := svc.RecentSessions(context.Background(), limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions captured yet")
				return nil
			}

			fmt.Println(headerStyle.Render(fmt.Sprintf("Sessions (%d)", len(sessions))))
			for _, ses := range sessions {
				status := string(ses.Status)
				if ses.Status == memory.StatusActive {
					status = activeStyle.Render(status)
				}
				span := dateStyle.Render(ses.StartedAt.Format(time.DateTime))
				if !ses.EndedAt.IsZero() {
					span += dateStyle.Render(" → " + ses.EndedAt.Format(time.TimeOnly))
				}
				fmt.Printf("%s  %s  %s  %d messages\n", idStyle.Render(ses.ID), status, span, ses.MessageCount)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to list")
	return cmd
}

func newSearchCommand() *cobra.Command {
	var (
		namespace string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search stored patterns (interactive without a query)",
		Example: strings.Join([]string{
			"  ambientd search \"sqlite busy timeout\"",
			"  ambientd search --namespace backend",
			"  ambientd search",
		}, "\n"),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			svc, _, err := openService(configPath)
			if err != nil {
				return err
			}
			defer svc.Stop()

			if len(args) == 0 {
				return interactiveSearch(svc, namespace, limit)
			}
			results, err := svc.SearchPatterns(context.Background(), args[0], namespace, limit)
			if err != nil {
				return err
			}
			printPatterns(results)
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "Restrict search to one namespace tag")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum patterns to return")
	return cmd
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pattern store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			svc, _, err := openService(configPath)
			if err != nil {
				return err
			}
			defer svc.Stop()

			stats, err := svc.PatternStats(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(headerStyle.Render("Pattern store"))
			fmt.Printf("patterns: %d (%d pinned)\n", stats.Total, stats.Pinned)
			fmt.Printf("mean confidence: %.0f%%\n", stats.MeanConfidence*100)
			for t, n := range stats.ByType {
				if t == "" {
					t = "(untyped)"
				}
				fmt.Printf("  %s: %d\n", t, n)
			}
			return nil
		},
	}
}

func newPruneCommand() *cobra.Command {
	var (
		minConfidence float64
		maxAgeDays    int
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stale low-confidence patterns now",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			svc, cfg, err := openService(configPath)
			if err != nil {
				return err
			}
			defer svc.Stop()

			if minConfidence <= 0 {
				minConfidence = cfg.PruneMinConfidence
			}
			if maxAgeDays <= 0 {
				maxAgeDays = cfg.PruneMaxAgeDays
			}
			pruned, err := svc.Patterns().Prune(context.Background(), minConfidence, time.Duration(maxAgeDays)*24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d patterns\n", pruned)
			return nil
		},
	}
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "Confidence threshold (default from config)")
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "Age threshold in days (default from config)")
	return cmd
}
