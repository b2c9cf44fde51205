package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/larkgate/larkgate/internal/bus"
	"github.com/larkgate/larkgate/internal/channel"
	"github.com/larkgate/larkgate/internal/channel/feishu"
	"github.com/larkgate/larkgate/internal/config"
	"github.com/larkgate/larkgate/internal/logger"
)

var (
	serveConfigPath string
	serveEcho       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long:  "Connects to the Feishu event stream and forwards normalized messages to the bus. With --echo, inbound messages are answered with an echo reply.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.Load(serveConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger.Init(cfg.Log.Level, cfg.Log.Format)
		log := logger.L

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		messageBus := bus.NewMessageBus()
		defer messageBus.Close()

		feishuChannel := feishu.New(feishu.Config{
			AppID:             cfg.Feishu.AppID,
			AppSecret:         cfg.Feishu.AppSecret,
			EncryptKey:        cfg.Feishu.EncryptKey,
			VerificationToken: cfg.Feishu.VerificationToken,
			Region:            cfg.Feishu.Region,
		}, log, messageBus, cfg.Workspace)

		manager := channel.NewManager(log, messageBus)
		manager.Register(feishuChannel)

		go consumeInbound(runCtx, log, messageBus, serveEcho)

		log.Info("gateway starting", slog.String("workspace", cfg.Workspace), slog.Bool("echo", serveEcho))
		if err := manager.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		return nil
	},
}

// consumeInbound drains the inbound side of the bus. In echo mode every
// message is answered in its originating chat, otherwise it is only logged
// for an external consumer to take over.
func consumeInbound(ctx context.Context, log *slog.Logger, messageBus *bus.MessageBus, echo bool) {
	for {
		msg, ok := messageBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		log.Info("inbound message",
			slog.String("session", msg.SessionKey()),
			slog.String("sender", msg.SenderID),
			slog.Int("media", len(msg.Media)),
		)
		if !echo {
			continue
		}
		reply := bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: msg.Content,
		}
		if !messageBus.PublishOutbound(ctx, reply) {
			return
		}
	}
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to the config file (default \"config.toml\")")
	serveCmd.Flags().BoolVar(&serveEcho, "echo", false, "echo inbound messages back to their chat")
	rootCmd.AddCommand(serveCmd)
}
