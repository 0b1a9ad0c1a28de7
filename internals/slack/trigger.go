package slack

import (
	"context"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// Trigger lets people request a pipeline scan by mentioning the bot or
// messaging it directly over Socket Mode.
type Trigger struct {
	client  *slack.Client
	socket  *socketmode.Client
	botID   string
	trigger func()
	log     *slog.Logger
}

type command int

const (
	commandUnknown command = iota
	commandScan
	commandHelp
)

const helpText = "Mention me with `scan` to re-check the issue queue now."

func NewTrigger(ctx context.Context, botToken, appToken string, trigger func(), log *slog.Logger) (*Trigger, error) {
	api := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)

	socket := socketmode.New(
		api,
		socketmode.OptionLog(slog.NewLogLogger(log.Handler(), slog.LevelDebug)),
	)

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return nil, err
	}

	return &Trigger{
		client:  api,
		socket:  socket,
		botID:   auth.UserID,
		trigger: trigger,
		log:     log,
	}, nil
}

func (t *Trigger) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- t.socket.RunContext(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case evt, ok := <-t.socket.Events:
			if !ok {
				return nil
			}
			t.handle(ctx, evt)
		}
	}
}

func (t *Trigger) handle(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			t.socket.Ack(*evt.Request)
		}
		payload, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || payload.Type != slackevents.CallbackEvent {
			return
		}
		t.handleCallback(ctx, payload.InnerEvent)
	case socketmode.EventTypeConnected:
		t.log.Info("connected to slack")
	case socketmode.EventTypeConnectionError:
		t.log.Warn("slack connection error")
	}
}

func (t *Trigger) handleCallback(ctx context.Context, inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		t.dispatch(ctx, ev.Channel, threadTS(ev.ThreadTimeStamp, ev.TimeStamp), ev.User, stripMention(ev.Text, t.botID))
	case *slackevents.MessageEvent:
		// Bot messages, including our own replies, would loop.
		if ev.BotID != "" || ev.SubType == "bot_message" || ev.ChannelType != "im" {
			return
		}
		t.dispatch(ctx, ev.Channel, threadTS(ev.ThreadTimeStamp, ev.TimeStamp), ev.User, ev.Text)
	}
}

func (t *Trigger) dispatch(ctx context.Context, channel, thread, user, text string) {
	reply := helpText
	switch parseCommand(text) {
	case commandScan:
		t.log.Info("scan requested from slack", "user", user, "channel", channel)
		t.trigger()
		reply = ":mag: Scan requested."
	case commandUnknown:
		reply = "Sorry, I didn't understand that. " + helpText
	}

	_, _, err := t.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(reply, false),
		slack.MsgOptionTS(thread),
	)
	if err != nil {
		t.log.Error("failed to post slack reply", "err", err)
	}
}

func parseCommand(text string) command {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return commandHelp
	}
	switch fields[0] {
	case "scan", "rescan", "poke":
		return commandScan
	case "help":
		return commandHelp
	default:
		return commandUnknown
	}
}

func stripMention(text, botID string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "<@"+botID+">"))
}

func threadTS(threadTS, msgTS string) string {
	if threadTS != "" {
		return threadTS
	}
	return msgTS
}
