package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/internal/admin"
	"github.com/qiminjie89/guildbot/internal/api"
	"github.com/qiminjie89/guildbot/internal/breaker"
	"github.com/qiminjie89/guildbot/internal/dispatch"
	"github.com/qiminjie89/guildbot/internal/forward"
	"github.com/qiminjie89/guildbot/internal/gateway"
	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/internal/store"
	"github.com/qiminjie89/guildbot/pkg/auth"
	"github.com/qiminjie89/guildbot/pkg/config"
	"github.com/qiminjie89/guildbot/pkg/kafka"
	"github.com/qiminjie89/guildbot/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/guildbot.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadBotConfig(*configPath)
	if err != nil {
		panic("load config failed: " + err.Error())
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting guildbot",
		zap.String("config", *configPath),
		zap.String("app_id", cfg.Bot.AppID),
		zap.Int("shard", cfg.Bot.ShardIndex),
		zap.Bool("sandbox", cfg.Bot.Sandbox),
	)

	if err := run(cfg); err != nil {
		logger.Error("guildbot exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("guildbot stopped")
}

func run(cfg *config.BotConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := breaker.New(breaker.Config{
		InitialBackoff: cfg.Breaker.InitialBackoff,
		MaxBackoff:     cfg.Breaker.MaxBackoff,
	}, nil)

	client := api.New(api.Config{
		BaseURL:         cfg.APIBaseURL(),
		AppID:           cfg.Bot.AppID,
		Token:           cfg.Bot.Token,
		Timeout:         cfg.API.Timeout,
		RateLimit:       cfg.API.RateLimit,
		RateBurst:       cfg.API.RateBurst,
		StructuralCodes: cfg.Breaker.StructuralCodes,
	}, b)

	opts := []gateway.Option{
		gateway.WithReplier(client),
	}
	// 进程内存储无法跨重启，不启用，退出时按正常关闭处理
	if cfg.Store.Persistent() {
		sessions, err := store.Open(cfg)
		if err != nil {
			return err
		}
		if c, ok := sessions.(io.Closer); ok {
			defer c.Close()
		}
		opts = append(opts, gateway.WithStore(sessions))
	}

	var (
		wg       sync.WaitGroup
		producer *kafka.Producer
	)
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.EventTopic != "" {
		producer = kafka.NewProducer(&kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.EventTopic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
		defer producer.Close()

		fw := forward.NewForwarder(producer, cfg.Bot.ShardIndex, 0, cfg.Kafka.BatchSize)
		opts = append(opts, gateway.WithForwarder(fw))
		wg.Add(1)
		go func() {
			defer wg.Done()
			fw.Run(ctx)
		}()
	}

	if consumer := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.OutboxTopic,
		ConsumerGroup: cfg.Kafka.GroupID,
	}); consumer != nil {
		defer consumer.Close()
		outbox := forward.NewOutbox(client)
		wg.Add(1)
		go func() {
			defer wg.Done()
			outbox.Run(ctx, consumer)
		}()
	}

	bot, err := gateway.New(cfg, client, opts...)
	if err != nil {
		return err
	}
	if err := registerCommands(bot); err != nil {
		return err
	}

	if cfg.Admin.Addr != "" {
		var validator *auth.JWTValidator
		if cfg.Admin.JWTSecret != "" {
			validator = auth.NewJWTValidator(cfg.Admin.JWTSecret)
		}
		srv := admin.NewServer(cfg.Admin.Addr, bot, b, validator)
		if producer != nil {
			srv.WithKafka(producer)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Run(ctx)
		}()
	}

	err = bot.Run(ctx)
	stop()
	wg.Wait()
	return err
}

// registerCommands 内置指令
func registerCommands(bot *gateway.Client) error {
	err := bot.AddCommand("ping", dispatch.Word("ping"), false, func(ctx context.Context, cmd *dispatch.Command) error {
		if cmd.Args != "" {
			return cmd.Reply(ctx, "pong "+cmd.Args)
		}
		return cmd.Reply(ctx, "pong")
	})
	if err != nil {
		return fmt.Errorf("register ping: %w", err)
	}

	err = bot.AddCommand("guilds", dispatch.Word("guilds"), true, func(ctx context.Context, cmd *dispatch.Command) error {
		return cmd.Reply(ctx, "joined guilds: "+strconv.Itoa(len(bot.Guilds())))
	})
	if err != nil {
		return fmt.Errorf("register guilds: %w", err)
	}

	bot.OnReady(func(ev *protocol.ReadyEvent) {
		logger.Info("bot online", zap.String("bot", ev.User.Username), zap.Int("guilds", len(bot.Guilds())))
	})
	return nil
}
