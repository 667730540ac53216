// versehub-watch 连接实时通道，加入房间并在每次状态变化时打印对账后的仪表盘。
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"versehub/internal/client"
	"versehub/internal/event"
	clog "versehub/internal/log"
	"versehub/internal/reconcile"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "versehub-watch",
	Short: "Watch the versehub dashboard in real time",
	Long: `Connects to the versehub websocket endpoint, authenticates when a token is
given, joins the requested rooms and logs the reconciled dashboard state
every time an event changes it.

Send SIGHUP to reconnect manually after the client has gone offline.`,
	RunE:         runWatch,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().String("url", "ws://localhost:8080/ws", "websocket endpoint")
	rootCmd.Flags().Uint("user-id", 0, "user id to authenticate as")
	rootCmd.Flags().String("token", "", "access token for --user-id")
	rootCmd.Flags().StringSlice("rooms", []string{"dashboard"}, "rooms to join")
	rootCmd.Flags().Duration("retry-delay", client.DefaultRetryDelay, "fixed delay between reconnect attempts")
	rootCmd.Flags().Int("max-attempts", client.DefaultMaxAttempts, "failed attempts before going offline")
	rootCmd.Flags().String("log-level", "info", "zerolog level")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	url, _ := cmd.Flags().GetString("url")
	userID, _ := cmd.Flags().GetUint("user-id")
	token, _ := cmd.Flags().GetString("token")
	rooms, _ := cmd.Flags().GetStringSlice("rooms")
	retryDelay, _ := cmd.Flags().GetDuration("retry-delay")
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
	level, _ := cmd.Flags().GetString("log-level")

	if (userID == 0) != (token == "") {
		return fmt.Errorf("--user-id and --token must be given together")
	}
	clog.Init("dev", level)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := reconcile.NewStore(reconcile.Limits{}, printState)
	var m *client.Manager
	m = client.New(client.Options{
		URL:         url,
		RetryDelay:  retryDelay,
		MaxAttempts: maxAttempts,
		OnMessage: func(raw []byte) {
			store.Apply(raw)
		},
		OnState: func(_, to client.State) {
			store.SetConnection(to.String())
			switch to {
			case client.Connected:
				// 回调运行在事件循环里，发送必须异步。
				go func() { _ = m.Send(event.RequestStats{}) }()
			case client.Offline:
				log.Warn().Msg("offline, send SIGHUP to reconnect")
			}
		},
	})

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	if userID != 0 {
		if err := m.Authenticate(userID, token); err != nil {
			return err
		}
	}
	for _, room := range rooms {
		if err := m.Join(room); err != nil {
			return err
		}
	}
	if userID != 0 {
		if err := m.Send(event.SubscribeNotifications{}); err != nil {
			return err
		}
	}
	if err := m.Connect(); err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-hup:
			log.Info().Msg("manual reconnect")
			if err := m.Reconnect(); err != nil {
				return err
			}
		case <-done:
			return nil
		}
	}
}

func printState(name event.Name, prev, next reconcile.State) {
	e := log.Info().
		Str("event", string(name)).
		Str("connection", next.Connection).
		Int("unread", next.Unread()).
		Int("online_users", len(next.ActiveUsers))
	for k, v := range next.Stats {
		e = e.Float64("stat_"+k, v.Value)
	}
	if len(next.Feed) > 0 && (len(prev.Feed) == 0 || prev.Feed[0] != next.Feed[0]) {
		top := next.Feed[0]
		e = e.Str("latest", top.Type+": "+top.Title)
	}
	if len(next.Alerts) > 0 && (len(prev.Alerts) == 0 || prev.Alerts[0] != next.Alerts[0]) {
		a := next.Alerts[0]
		e = e.Str("alert", a.Level+": "+a.Message).Time("alert_at", a.Timestamp.Local().Truncate(time.Second))
	}
	e.Msg("dashboard")
}
