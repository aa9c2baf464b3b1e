// Command calagent runs the calendar agent orchestrator, either as an HTTP
// service or as a one-shot query from the terminal.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fitsched/calagent/pkg/models"
	"github.com/fitsched/calagent/pkg/provider"
	"github.com/fitsched/calagent/pkg/runtime"
)

var (
	configPath string
	backend    string
	modelName  string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "calagent",
		Short:         "Calendar agent orchestrator over MCP tool providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to providers YAML (defaults to the built-in calendar + datetime pair)")
	root.PersistentFlags().StringVar(&backend, "backend", "openai", "Model backend: openai, anthropic, or ollama")
	root.PersistentFlags().StringVar(&modelName, "model", "", "Model name override for the chosen backend")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	root.AddCommand(newServeCmd(), newQueryCmd())
	return root
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildRuntime assembles the runtime from flags: provider configs, the chat
// model, and, when the backend supports it, the structured extraction model.
func buildRuntime(log *slog.Logger) (*runtime.Runtime, error) {
	providers := provider.DefaultConfigs()
	if configPath != "" {
		loaded, err := provider.LoadConfigs(configPath)
		if err != nil {
			return nil, err
		}
		providers = loaded
	}

	name := modelName
	if name == "" {
		name = os.Getenv("REASONING_MODEL_NAME")
	}
	if name == "" {
		name = os.Getenv("OPENAI_MODEL")
	}

	var model models.ToolCaller
	var err error
	switch backend {
	case "openai":
		model, err = models.NewOpenAILLM(name)
	case "anthropic":
		model, err = models.NewAnthropicLLM(name)
	case "ollama":
		model, err = models.NewOllamaLLM(name)
	default:
		err = fmt.Errorf("unknown backend %q", backend)
	}
	if err != nil {
		return nil, err
	}

	structured, _ := model.(models.StructuredCaller)
	return runtime.New(runtime.Options{
		Providers:       providers,
		Model:           model,
		StructuredModel: structured,
		Logger:          log,
	})
}
