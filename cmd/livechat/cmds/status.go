package cmds

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/livechat/pkg/chatapi"
	"github.com/go-go-golems/livechat/pkg/livechat"
)

func newStatusCommand(a *app) *cobra.Command {
	var watch bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether support is available",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			term := &terminal{out: cmd.OutOrStdout()}
			if interval <= 0 {
				interval = a.settings.WidgetPollInterval
			}
			poller := livechat.NewStatusPoller(client, interval, nil)

			if !watch {
				if err := poller.PollOnce(cmd.Context()); err != nil {
					return errors.Wrap(err, "widget status")
				}
				st, _ := poller.Status()
				term.status(st)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			poller.OnUpdate = func(st chatapi.WidgetStatus) {
				term.printf("-- %s\n", time.Now().Format(time.TimeOnly))
				term.status(st)
			}
			return ignoreCanceled(poller.Run(ctx))
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep polling until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval in watch mode (defaults to the configured widget poll interval)")
	return cmd
}
