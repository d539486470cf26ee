package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/livechat/pkg/chatapi"
	"github.com/go-go-golems/livechat/pkg/history"
	"github.com/go-go-golems/livechat/pkg/livechat"
	"github.com/go-go-golems/livechat/pkg/persistence/chatstore"
	"github.com/go-go-golems/livechat/pkg/redisstream"
	"github.com/go-go-golems/livechat/pkg/wspool"
)

type chatFlags struct {
	name     string
	email    string
	message  string
	pageURL  string
	noPrompt bool
}

func newChatCommand(a *app) *cobra.Command {
	var flags chatFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start a chat session and talk to support",
		Long: `Start a chat session and talk to support.

Lines typed on stdin are sent as messages. Commands:
  /read     mark every message read
  /history  reload the full history
  /status   show the support availability
  /end      end the chat and exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), a, flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.name, "name", "", "guest name")
	f.StringVar(&flags.email, "email", "", "guest email")
	f.StringVar(&flags.message, "message", "", "initial message")
	f.StringVar(&flags.pageURL, "page-url", "", "page the chat is started from")
	f.BoolVar(&flags.noPrompt, "no-prompt", false, "never ask for guest details interactively")
	return cmd
}

func runChat(ctx context.Context, a *app, flags chatFlags, in io.Reader, out io.Writer) error {
	s := a.settings
	client, err := a.client()
	if err != nil {
		return err
	}

	guest := livechat.GuestInfo{
		Name:           firstNonEmpty(flags.name, s.Guest.Name),
		Email:          firstNonEmpty(flags.email, s.Guest.Email),
		PageURL:        firstNonEmpty(flags.pageURL, s.Guest.PageURL),
		UserAgent:      s.Guest.UserAgent,
		InitialMessage: flags.message,
	}
	if !flags.noPrompt && flags.name == "" && isTerminal(in) {
		if err := askGuestDetails(in, out, &guest); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := chatstore.OpenTranscriptStore(s.TranscriptPath)
	if err != nil {
		return errors.Wrap(err, "open transcript store")
	}
	defer func() { _ = store.Close() }()

	bus, err := redisstream.BuildBus(ctx, s.Redis, log.Logger)
	if err != nil {
		return errors.Wrap(err, "event bus")
	}
	defer func() { _ = bus.Close() }()

	// subscribe before the session starts so no event is missed
	events, err := redisstream.Events(ctx, bus.Subscriber, bus.Topic, log.Logger)
	if err != nil {
		return err
	}

	pool := wspool.New(
		wspool.WithDialer(wspool.NewWebsocketDialer(s.ConnectTimeout)),
		wspool.WithConnectTimeout(s.ConnectTimeout),
		wspool.WithLogger(log.With().Str("component", "wspool").Logger()),
	)
	defer pool.CloseAll()

	ctrl, err := livechat.NewController(livechat.Options{
		API:               client,
		Pool:              pool,
		Quota:             livechat.NewLocalQuota(s.Plan.Limits(), 0),
		Sink:              redisstream.NewEventSink(bus.Publisher, bus.Topic),
		Recorder:          store,
		BaseContext:       ctx,
		Reconnect:         s.Reconnect.Policy(),
		TypingTimeout:     s.TypingTimeout,
		HeartbeatInterval: s.HeartbeatInterval,
	})
	if err != nil {
		return err
	}
	poller := livechat.NewStatusPoller(client, s.WidgetPollInterval, nil)
	term := &terminal{out: out}

	if st, err := client.WidgetStatus(ctx); err == nil {
		term.status(*st)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for ev := range events {
			term.event(ev)
		}
		return nil
	})
	eg.Go(func() error {
		return ignoreCanceled(poller.Run(ctx))
	})
	eg.Go(func() error {
		defer stop()
		defer ctrl.EndChat()

		sess, err := ctrl.StartSession(ctx, guest)
		if err != nil {
			if errors.Is(err, livechat.ErrQuotaExceeded) {
				var qerr *livechat.QuotaExceededError
				if errors.As(err, &qerr) && qerr.UpgradeURL != "" {
					term.printf("! chat is not included in your plan, upgrade at %s\n", qerr.UpgradeURL)
				}
			}
			return err
		}
		term.printf("* chat session %s started, type /end to leave\n", sess.ExternalID)
		return readInput(ctx, ctrl, poller, in, term)
	})
	return ignoreCanceled(eg.Wait())
}

// chatSession is the part of the controller the input loop drives.
type chatSession interface {
	Keystroke()
	SendMessage(ctx context.Context, text string) error
	MarkRead() int
	LoadHistory(ctx context.Context) error
	Messages() []history.Message
}

type statusSnapshot interface {
	Status() (chatapi.WidgetStatus, bool)
}

func readInput(ctx context.Context, ctrl chatSession, poller statusSnapshot, in io.Reader, term *terminal) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "/end", "/quit":
				return nil
			case "/read":
				term.printf("* %d messages marked read\n", ctrl.MarkRead())
			case "/history":
				if err := ctrl.LoadHistory(ctx); err != nil {
					term.printf("! %v\n", err)
					continue
				}
				for _, m := range ctrl.Messages() {
					term.message(m)
				}
			case "/status":
				if st, ok := poller.Status(); ok {
					term.status(st)
				} else {
					term.printf("* no status yet\n")
				}
			default:
				if strings.TrimSpace(line) == "" {
					continue
				}
				// input arrives a line at a time, so typing is reported once per line;
				// SendMessage clears it again
				ctrl.Keystroke()
				if err := ctrl.SendMessage(ctx, line); err != nil {
					term.printf("! message not delivered: %v\n", err)
					if errors.Is(err, livechat.ErrNoSession) {
						return nil
					}
				}
			}
		}
	}
}

func askGuestDetails(in io.Reader, out io.Writer, guest *livechat.GuestInfo) error {
	ui := &input.UI{Writer: out, Reader: in}
	name, err := ui.Ask("Your name", &input.Options{Default: guest.Name, HideOrder: true})
	if err != nil {
		return errors.Wrap(err, "failed to get user input")
	}
	guest.Name = name
	email, err := ui.Ask("Your email (optional)", &input.Options{
		Default:   guest.Email,
		HideOrder: true,
		ValidateFunc: func(s string) error {
			if s != "" && !strings.Contains(s, "@") {
				return errors.Errorf("%q is not an email address", s)
			}
			return nil
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to get user input")
	}
	guest.Email = email
	return nil
}

// terminal serializes writes from the event renderer and the input loop.
type terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) event(ev livechat.Event) {
	switch ev.Kind {
	case livechat.EventMessage:
		if ev.Message != nil && ev.Message.SenderType != history.SenderUser {
			t.message(*ev.Message)
		}
	case livechat.EventTyping:
		if ev.Typing {
			t.printf("* support is typing...\n")
		}
	case livechat.EventReconnectScheduled:
		t.printf("* connection lost, reconnecting in %s (attempt %d)\n", ev.Delay.Round(10*time.Millisecond), ev.Attempt)
	case livechat.EventStateChanged:
		if ev.State == livechat.StateActive {
			t.printf("* connected\n")
		}
	case livechat.EventSessionUpdated:
		t.printf("* session is %s\n", ev.Status)
	case livechat.EventSessionEnded:
		t.printf("* session %s (%s)\n", ev.SessionID, ev.Status)
	case livechat.EventReconnectAbandoned, livechat.EventServerError, livechat.EventDeliveryFailed:
		t.printf("! %s: %s\n", ev.Kind, ev.Error)
	}
}

func (t *terminal) message(m history.Message) {
	name := m.SenderName
	if name == "" {
		name = string(m.SenderType)
	}
	t.printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), name, m.Content)
}

func (t *terminal) status(st chatapi.WidgetStatus) {
	switch {
	case !st.IsAvailable:
		t.printf("* support is currently unavailable\n")
	case st.AdminOnline && st.EstimatedResponseTime != nil:
		t.printf("* support is online, usual reply within %ds\n", *st.EstimatedResponseTime)
	case st.AdminOnline:
		t.printf("* support is online\n")
	case st.BotEnabled:
		t.printf("* the assistant will answer first\n")
	}
	if st.QueuePosition != nil {
		t.printf("* position in queue: %d\n", *st.QueuePosition)
	}
	if st.GreetingMessage != "" {
		t.printf("%s\n", st.GreetingMessage)
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
