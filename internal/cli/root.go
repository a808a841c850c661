package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"delver/internal/config"
	"delver/internal/events"
	"delver/internal/listener"
	"delver/internal/model"
	"delver/internal/orchestrator"
)

const maxCliHistory = 3

// turn is one completed direct-answer exchange, kept for follow-up context.
type turn struct {
	Query  string
	Answer string
}

// App bundles the wired dependencies the command loop drives.
type App struct {
	Orchestrator *orchestrator.Orchestrator
	Stream       *events.Stream
	Config       *config.Config
	Log          *zap.Logger
}

var flagMode string

func Execute(app *App) error {
	rootCmd := &cobra.Command{
		Use:   "delver [query]",
		Short: "A deep-research assistant CLI",
		Long:  `An assistant that answers simple questions directly and dispatches open-ended ones to a team of background research agents.`,
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := model.ParseMode(flagMode)
			if len(args) > 0 {
				return runOnce(app, strings.Join(args, " "), mode)
			}
			return runInteractive(app, mode)
		},
	}
	rootCmd.Flags().StringVarP(&flagMode, "mode", "m", "balanced", "research mode: speed, balanced, or quality")
	return rootCmd.Execute()
}

// runOnce handles the non-interactive form: one query, full research, exit.
func runOnce(app *App, query string, mode model.Mode) error {
	ch := app.Stream.Subscribe(64)
	defer app.Stream.Unsubscribe(ch)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renderEvents(ch)
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	_, err := app.Orchestrator.Research(ctx, query, mode)
	wg.Wait()
	return err
}

func runInteractive(app *App, mode model.Mode) error {
	if err := listener.Init(); err != nil {
		return fmt.Errorf("init terminal input: %w", err)
	}
	defer listener.Close()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("\nGoodbye!")
		os.Exit(0)
	}()

	// One renderer covers all sessions so concurrent research jobs don't
	// print twice.
	ch := app.Stream.Subscribe(256)
	go renderAll(ch)
	defer app.Stream.Unsubscribe(ch)

	var history []turn
	var running sync.WaitGroup

	listener.AsyncPrintln(fmt.Sprintf(
		"Hello! Ask me anything. Mode: %s (change with /mode, type 'exit' or press Ctrl+C to quit)", mode))

	for {
		input := listener.GetInput()
		if strings.TrimSpace(strings.ToLower(input)) == "exit" {
			fmt.Println("Goodbye!")
			break
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(input, "/mode"); ok {
			mode = model.ParseMode(strings.TrimSpace(rest))
			listener.AsyncPrintln("Mode set to " + string(mode))
			continue
		}

		routeCtx, cancelRoute := context.WithTimeout(context.Background(), 20*time.Second)
		route := app.Orchestrator.ClassifyQuery(routeCtx, input)
		cancelRoute()

		switch route {
		case orchestrator.RouteDirect:
			history = answerInline(app, input, history, app.Orchestrator.AnswerDirect)
		case orchestrator.RouteWebSearch:
			listener.AsyncPrintln("Checking the web...")
			history = answerInline(app, input, history, app.Orchestrator.WebSearch)
		case orchestrator.RouteDeepResearch:
			if mode == model.ModeQuality && !listener.AskYesNo("Quality mode runs a long, multi-agent investigation. Start it?") {
				listener.AsyncPrintln("Okay, skipping it. Rephrase or switch modes with /mode if you'd like a lighter answer.")
				continue
			}
			listener.AsyncPrintln(fmt.Sprintf("Starting deep research (%s mode). I'll report back here; you can keep asking in the meantime.", mode))
			running.Add(1)
			go func(query string, mode model.Mode) {
				defer running.Done()
				if _, err := app.Orchestrator.Research(context.Background(), query, mode); err != nil {
					app.Log.Warn("research session ended with error", zap.Error(err))
				}
			}(input, mode)
		}
	}

	running.Wait()
	return nil
}

// answerInline runs a synchronous answer path with recent-turn context and
// records the exchange.
func answerInline(app *App, input string, history []turn, answer func(context.Context, string) (string, error)) []turn {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	out, err := answer(ctx, withHistory(history, input))
	if err != nil {
		listener.AsyncPrintln(fmt.Sprintf("[Answer FAILED] %v", err))
		return history
	}
	listener.AsyncPrintln(out)

	history = append(history, turn{Query: input, Answer: out})
	if len(history) > maxCliHistory {
		history = history[1:]
	}
	return history
}

// withHistory prefixes the query with the last few exchanges so follow-ups
// like "and in euros?" resolve.
func withHistory(history []turn, query string) string {
	if len(history) == 0 {
		return query
	}
	var sb strings.Builder
	sb.WriteString("Recent conversation:\n")
	for _, t := range history {
		sb.WriteString("User: " + t.Query + "\n")
		sb.WriteString("Assistant: " + t.Answer + "\n")
	}
	sb.WriteString("\nCurrent question: " + query)
	return sb.String()
}
