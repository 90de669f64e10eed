// Command agentchat submits a single prompt to a conversation backend and
// streams the agent's reply to stdout. It exercises the full client path:
// turn submission, frame decoding, tool/sub-agent correlation, interrupt
// approval from the terminal, and run-id persistence.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"draftpilot.dev/agentstream/config"
	"draftpilot.dev/agentstream/conversation"
	"draftpilot.dev/agentstream/resume"
	"draftpilot.dev/agentstream/runstate"
	"draftpilot.dev/agentstream/runstate/inmem"
	redisslot "draftpilot.dev/agentstream/runstate/redis"
	"draftpilot.dev/agentstream/transport"
	"draftpilot.dev/agentstream/turn"
)

func main() {
	var (
		configF  = flag.String("config", "agentstream.yaml", "Path to YAML config file")
		threadF  = flag.String("thread", "", "Thread ID to continue (default: new thread)")
		messageF = flag.String("message", "", "Prompt to submit")
		strictF  = flag.Bool("strict", false, "Validate frames against the envelope schema")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if *messageF == "" {
		fmt.Fprintln(os.Stderr, "usage: agentchat -message <prompt> [-thread <id>]")
		os.Exit(2)
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}

	var slot runstate.Slot = inmem.New()
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		slot = redisslot.New(client, 0)
	}

	backend := transport.NewClient(cfg.BackendURL, transport.WithHTTPClient(transport.NoTimeout()))
	store := conversation.NewStore()

	var copts []turn.ControllerOption
	if *threadF != "" {
		copts = append(copts, turn.WithThreadID(*threadF))
	}
	if *strictF {
		copts = append(copts, turn.WithStrictFrames())
	}
	ctrl := turn.NewController(backend, store, slot, copts...)

	if *threadF != "" {
		if id, ok, err := ctrl.DetectOrphan(ctx); err == nil && ok {
			log.Printf(ctx, "thread %s has a possibly in-flight run %s from a previous session", *threadF, id)
		}
	}

	// Ctrl-C aborts the stream; the partial reply is kept.
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		ctrl.Stop()
	}()

	unsubscribe := store.Subscribe(renderProgress(store))
	defer unsubscribe()

	outcome, err := ctrl.Submit(ctx, *messageF, turn.Options{
		WorkspaceID:     cfg.WorkspaceID,
		ModelID:         cfg.ModelID,
		EnableReasoning: cfg.EnableReasoning,
	})
	if err != nil {
		log.Errorf(ctx, err, "turn failed")
	}

	fmt.Println()
	if outcome.State == turn.StatePaused {
		handleInterrupt(ctx, ctrl, backend, store)
		return
	}
	printTranscript(store, outcome)
}

// renderProgress prints newly streamed content as it replaces the previous
// value. Content frames carry the full text, so only the suffix beyond what
// was already printed is written.
func renderProgress(store *conversation.Store) func() {
	var printed int
	return func() {
		last, ok := store.Last()
		if !ok || last.Role != conversation.RoleAssistant {
			return
		}
		if len(last.Content) > printed {
			fmt.Print(last.Content[printed:])
			printed = len(last.Content)
		} else if len(last.Content) < printed {
			// The server rewrote the message (for example into an error
			// carrier); reprint it on a fresh line.
			fmt.Printf("\n%s", last.Content)
			printed = len(last.Content)
		}
	}
}

// handleInterrupt prompts the operator for a decision and resumes the run.
func handleInterrupt(ctx context.Context, ctrl *turn.Controller, backend *transport.Client, store *conversation.Store) {
	last, _ := store.Last()
	if last.Activity != "" {
		fmt.Printf("agent paused: %s\n", last.Activity)
	} else {
		fmt.Println("agent paused and awaits a decision")
	}
	fmt.Print("approve? [y/N/text]: ")
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.TrimSpace(line)
	var value any
	switch strings.ToLower(line) {
	case "y", "yes":
		value = true
	case "", "n", "no":
		value = false
	default:
		value = line
	}

	gw := resume.NewGateway(backend, store, resume.NewProjectionRefresh(backend, store, ctrl.ThreadID))
	if err := ctrl.Resume(ctx, gw, value); err != nil {
		log.Errorf(ctx, err, "resume failed")
		return
	}
	fmt.Println("resumed; refresh the thread to see the continued run")
}

func printTranscript(store *conversation.Store, outcome turn.Outcome) {
	snap := store.Snapshot()
	for _, m := range snap.Messages {
		if m.Role != conversation.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			fmt.Printf("  [tool %s %s: %s]\n", tc.Name, tc.Status, tc.Result)
		}
		for _, sa := range m.SubAgents {
			fmt.Printf("  [agent %s %s]\n", sa.Name, sa.Status)
		}
	}
	fmt.Printf("turn %s (%s)\n", outcome.State, outcome.RunID)
}
