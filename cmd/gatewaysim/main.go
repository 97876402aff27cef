package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/internal/gatewaysim"
	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/logger"
)

var (
	addr      = flag.String("addr", ":8089", "listen address")
	appID     = flag.String("app-id", "102000000", "bot app id")
	token     = flag.String("token", "replace-me", "bot token")
	botID     = flag.String("bot-id", "42", "bot user id")
	heartbeat = flag.Duration("heartbeat", 30*time.Second, "heartbeat interval sent in hello")
	guilds    = flag.Int("guilds", 3, "number of joined guilds")
)

func main() {
	flag.Parse()

	if err := logger.Init(logger.Config{Level: "info", Format: "console", Output: "stderr"}); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Sync()

	joined := make([]protocol.Guild, 0, *guilds)
	for i := 1; i <= *guilds; i++ {
		joined = append(joined, protocol.Guild{ID: "g" + strconv.Itoa(i), Name: "guild " + strconv.Itoa(i)})
	}

	sim := gatewaysim.NewServer(gatewaysim.Config{
		AppID:             *appID,
		Token:             *token,
		HeartbeatInterval: *heartbeat,
		Bot:               protocol.User{ID: *botID, Username: "guildbot", Bot: true},
		Guilds:            joined,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: *addr, Handler: sim.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("gateway simulator listening", zap.String("addr", *addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("simulator server error", zap.Error(err))
			stop()
		}
	}()

	go interactive(sim, stop)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}

// interactive 从标准输入读取指令推送事件
func interactive(sim *gatewaysim.Server, quit func()) {
	printHelp()
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")

	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			fmt.Print("> ")
			continue
		}

		switch parts[0] {
		case "at", "msg", "dm":
			if len(parts) < 4 {
				fmt.Println("usage: " + parts[0] + " <guild_id> <channel_id> <text...>")
				break
			}
			t, content := protocol.EventMessageCreate, strings.Join(parts[3:], " ")
			msg := protocol.Message{
				ID:        uuid.NewString(),
				GuildID:   parts[1],
				ChannelID: parts[2],
				Author:    &protocol.User{ID: "u1", Username: "tester"},
				Member:    &protocol.Member{Roles: []string{"1"}},
				Timestamp: time.Now().Format(time.RFC3339),
			}
			switch parts[0] {
			case "at":
				t = protocol.EventAtMessageCreate
				content = "<@!" + *botID + "> " + content
				msg.Mentions = []*protocol.User{{ID: *botID, Bot: true}}
			case "dm":
				t = protocol.EventDirectMessageCreate
			}
			msg.Content = content
			fmt.Printf("dispatched %s to %d connection(s)\n", t, sim.Dispatch(t, msg))

		case "kick":
			code := protocol.CloseCodeResume
			if len(parts) > 1 {
				if n, err := strconv.Atoi(parts[1]); err == nil {
					code = n
				}
			}
			sim.Kick(code)
			fmt.Printf("kicked with %d (%s)\n", code, protocol.CloseReason(code))

		case "posted":
			for _, p := range sim.Posted() {
				fmt.Printf("direct=%v target=%s reply_to=%s content=%q\n", p.Direct, p.Target, p.MsgID, p.Content)
			}

		case "conns":
			fmt.Printf("%d connection(s)\n", sim.Connections())

		case "help":
			printHelp()

		case "quit", "exit":
			quit()
			return

		default:
			fmt.Println("unknown command, type 'help'")
		}
		fmt.Print("> ")
	}
}

func printHelp() {
	fmt.Println(`commands:
  at <guild> <channel> <text>    @bot message (AT_MESSAGE_CREATE)
  msg <guild> <channel> <text>   plain guild message (MESSAGE_CREATE)
  dm <guild> <channel> <text>    direct message (DIRECT_MESSAGE_CREATE)
  kick [code]                    close all connections (default 4009)
  posted                         messages the bot sent through the API
  conns                          connection count
  quit`)
}
