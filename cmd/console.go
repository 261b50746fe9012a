package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"groundwave/pkg/config"
	"groundwave/pkg/gateway"
	"groundwave/pkg/link"
	"groundwave/pkg/link/loopback"
	"groundwave/pkg/logger"
	"groundwave/pkg/ui/console"
)

const (
	consoleLinkName = "console"
	consoleLocalID  = "!00c0a5e1"
)

var (
	consoleNodeID  string
	consolePaced   bool
	consoleLogFile string
	consolePlain   bool
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Talk to the gateway as a simulated mesh node",
	Long:  "Runs the full message pipeline against an in-process loopback link and lets you send commands and chat as a mesh node.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}
		if !consolePaced {
			cfg.Transmit.ChunkDelayMillis = -1
		}

		appLogger, closeLog, err := consoleLogger(cfg.Logging, consoleLogFile)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		defer closeLog()
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.console")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lb := loopback.New(consoleLinkName, consoleLocalID, cfg.Links.Meshtastic.MaxPayload)
		svc, err := gateway.NewService(ctx, cfg, []link.Adapter{lb}, log, gateway.WithoutStatusServer())
		if err != nil {
			fmt.Printf("failed to initialize gateway: %v\n", err)
			return
		}

		runCtx, cancel := context.WithCancel(ctx)
		events, unsubscribe := svc.Events().SubscribeEvents(runCtx, 128)
		defer unsubscribe()

		done := make(chan error, 1)
		go func() {
			done <- svc.Run(runCtx)
		}()

		if consolePlain {
			err = runPlain(runCtx, lb, consoleNodeID, os.Stdin, os.Stdout)
		} else {
			err = console.Run(runCtx, lb, consoleInfo(cfg, consoleNodeID), events)
		}
		if err != nil {
			fmt.Printf("console failed: %v\n", err)
		}

		cancel()
		if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
			log.Error("Gateway runtime failed", "error", runErr)
		}
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVar(&consoleNodeID, "node", "!c0ffee01", "node ID to send as")
	consoleCmd.Flags().BoolVar(&consolePaced, "paced", false, "keep the configured delay between reply chunks")
	consoleCmd.Flags().StringVar(&consoleLogFile, "log-file", "", "write logs to this file instead of stderr")
	consoleCmd.Flags().BoolVar(&consolePlain, "plain", false, "use a line-based prompt instead of the full-screen UI")
}

func consoleLogger(cfg config.LoggingConfig, path string) (*slog.Logger, func(), error) {
	if strings.TrimSpace(path) == "" {
		// The full-screen UI owns the terminal, so stderr logs stay quiet by default.
		if !consolePlain && strings.TrimSpace(cfg.Level) == "" {
			cfg.Level = "error"
		}
		l, err := logger.New(cfg)
		return l, func() {}, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	l, err := logger.NewWithWriter(cfg, file)
	if err != nil {
		_ = file.Close()
		return nil, nil, err
	}
	return l, func() { _ = file.Close() }, nil
}

func consoleInfo(cfg *config.Config, nodeID string) console.Info {
	assistantLabel := "off"
	if cfg.Assistant.Enabled {
		assistantLabel = cfg.Assistant.Provider + "/" + cfg.Assistant.Model
	}

	return console.Info{
		NodeID:    nodeID,
		Link:      consoleLinkName,
		Community: cfg.Community.Name,
		Assistant: assistantLabel,
		Prefix:    cfg.Dispatch.CommandPrefix,
	}
}

// runPlain reads one message per line and prints frames addressed to nodeID
// or the channel as they are sent. A "/all " prefix broadcasts the line.
func runPlain(ctx context.Context, lb *loopback.Adapter, nodeID string, in io.Reader, out io.Writer) error {
	var outMu sync.Mutex
	lb.OnSend(func(f link.Frame) {
		if f.Destination != nodeID && f.Destination != link.Broadcast {
			return
		}
		outMu.Lock()
		defer outMu.Unlock()
		printReply(out, f)
	})
	defer lb.OnSend(nil)

	scanner := bufio.NewScanner(in)
	for {
		if ctx.Err() != nil {
			return nil
		}

		outMu.Lock()
		fmt.Fprint(out, "📻 ")
		outMu.Unlock()

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if isExitCommand(text) {
			return nil
		}

		direct := true
		if rest, ok := strings.CutPrefix(text, "/all "); ok {
			text = strings.TrimSpace(rest)
			direct = false
		}
		if err := lb.InjectText(nodeID, text, direct); err != nil {
			outMu.Lock()
			fmt.Fprintf(out, "send failed: %v\n", err)
			outMu.Unlock()
		}
	}
}

func printReply(out io.Writer, frame link.Frame) {
	label := "📡"
	if frame.Destination == link.Broadcast {
		label = fmt.Sprintf("📢 ch%d", frame.Channel)
	}
	if frame.Total > 1 {
		label += fmt.Sprintf(" %d/%d", frame.Seq, frame.Total)
	}

	for _, line := range replyLines(frame.Text) {
		fmt.Fprintf(out, "%s %s\n", label, line)
	}
}

func replyLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
