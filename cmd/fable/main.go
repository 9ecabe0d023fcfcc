package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fable/internal/config"
	"fable/internal/mcp"
	"fable/internal/nodes"
	"fable/internal/reason"
	"fable/internal/server"
	"fable/internal/task"
	"fable/internal/utils"
	"fable/pkg/types"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "fable",
		Short: "Story workflow engine",
		Long:  "fable runs LLM-driven story workflows: research, outline, draft and edit, with task tracking over HTTP.",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default fable-config.yaml)")

	root.AddCommand(serveCmd(), runCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		viper.SetConfigName("fable-config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		if err := viper.ReadInConfig(); err == nil {
			path = viper.ConfigFileUsed()
		}
	}
	return config.Load(path)
}

func buildRunner(cfg *config.Config) task.Runner {
	var reasoner reason.Client = reason.NewHTTPClient(cfg.ReasonerURL, cfg.ReasonTimeout,
		reason.WithAPIKey(os.Getenv("FABLE_API_KEY")))
	reasoner = reason.NewRetryClient(reasoner, cfg.RetryPolicy())
	tools := mcp.NewClient()

	return task.RunnerFunc(func(ctx context.Context, goal string, reporter nodes.ProgressReporter) (*types.Story, error) {
		return nodes.Run(ctx, cfg, reasoner, tools, reporter, goal)
	})
}

func serveCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Host = host
			}
			if port != 0 {
				cfg.Port = port
			}

			manager := task.NewManager(cfg, buildRunner(cfg))
			srv := server.New(cfg, manager)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			utils.GetLogger().Info("fable server starting")
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host")
	cmd.Flags().IntVar(&port, "port", 0, "listen port")
	return cmd
}

func runCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Run one story workflow and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			runner := buildRunner(cfg)
			story, err := runner.Run(ctx, args[0], progressPrinter{})
			if err != nil {
				return err
			}

			fmt.Printf("# %s\n\n%s\n", story.Title, story.Content)
			if len(story.Suggestions) > 0 {
				fmt.Println("\nSuggestions:")
				for _, s := range story.Suggestions {
					fmt.Printf("- %s\n", s)
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall run timeout")
	return cmd
}

type progressPrinter struct{}

func (progressPrinter) Progress(percent int, message string, _ ...types.Artifact) {
	fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", percent, message)
}
