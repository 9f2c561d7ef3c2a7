package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/GoPolymarket/cluster-trader/internal/config"
	"github.com/GoPolymarket/cluster-trader/internal/notify"
)

// chat-id lists the chats that recently messaged the bot, so the operator
// can copy the right TELEGRAM_CHAT_ID. Add the bot to the group and send
// any message there first.
func main() {
	envPath := flag.String("env", ".env", "path to .env file with TELEGRAM_BOT_TOKEN")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		logrus.WithError(err).Fatal("load .env")
	}
	token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if token == "" {
		logrus.Fatal("set TELEGRAM_BOT_TOKEN (or put it in .env)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	updates, err := notify.NewNotifier(token, "").GetUpdates(ctx, 0, 0)
	if err != nil {
		logrus.WithError(err).Fatal("getUpdates failed")
	}

	chats := make(map[int64]notify.Chat)
	for _, u := range updates {
		if u.Message != nil {
			chats[u.Message.Chat.ID] = u.Message.Chat
		}
	}
	if len(chats) == 0 {
		fmt.Println("No messages yet. Send a message to the bot (or in the group) and run again.")
		return
	}

	ids := make([]int64, 0, len(chats))
	for id := range chats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		c := chats[id]
		fmt.Printf("%-16d %-10s %s\n", id, c.Type, c.Name())
	}
	fmt.Println()
	fmt.Printf("export TELEGRAM_CHAT_ID=\"%d\"\n", ids[0])
}
