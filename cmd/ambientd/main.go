package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/ambientlabs/ambientd/pkg/capture"
	"github.com/ambientlabs/ambientd/pkg/config"
	"github.com/ambientlabs/ambientd/pkg/patterns"
)

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

func openService(configPath string) (*capture.Service, config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, config.Config{}, err
	}
	log := newLogger(cfg.LogLevel)
	svc, err := capture.New(cfg, log)
	if err != nil {
		return nil, config.Config{}, err
	}
	return svc, cfg, nil
}

// runDaemon starts the pipeline and blocks until SIGINT/SIGTERM.
func runDaemon(configPath, metricsAddr string) error {
	svc, cfg, err := openService(configPath)
	if err != nil {
		return err
	}
	defer svc.Stop()

	if err := svc.Start(); err != nil {
		return err
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", svc.Metrics().Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics listener: %v\n", err)
			}
		}()
	}

	fmt.Printf("ambientd capturing into %s (Ctrl+C to stop)\n", cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")
	return svc.Stop()
}

// interactiveSearch runs a readline loop over the pattern store.
func interactiveSearch(svc *capture.Service, namespace string, limit int) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pattern> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".ambientd_search_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Interactive pattern search (exit or Ctrl+C to quit)")
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		query := strings.TrimSpace(line)
		if query == "" {
			continue
		}
		if query == "exit" || query == "quit" {
			return nil
		}

		results, err := svc.SearchPatterns(context.Background(), query, namespace, limit)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		printPatterns(results)
	}
}

func printPatterns(results []patterns.Pattern) {
	if len(results) == 0 {
		fmt.Println("no matches")
		return
	}
	for _, p := range results {
		fmt.Printf("%s  %s [%s, %d%%]\n", p.ID, p.Title, patterns.Label(p.Confidence), patterns.Percent(p.Confidence))
		if content := strings.TrimSpace(p.Content); content != "" {
			if len(content) > 160 {
				content = content[:160] + "..."
			}
			fmt.Printf("    %s\n", content)
		}
	}
}
