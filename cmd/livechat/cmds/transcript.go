package cmds

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/livechat/pkg/persistence/chatstore"
)

func newTranscriptCommand(a *app) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "transcript [session-id]",
		Short: "List recorded sessions or print one transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.settings.TranscriptPath
			if path == "" {
				return errors.New("no transcript store configured (set transcript_path or LIVECHAT_TRANSCRIPT_PATH)")
			}
			store, err := chatstore.OpenTranscriptStore(path)
			if err != nil {
				return errors.Wrap(err, "open transcript store")
			}
			defer func() { _ = store.Close() }()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			term := &terminal{out: out}

			if len(args) == 0 {
				sessions, err := store.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return json.NewEncoder(out).Encode(sessions)
				}
				for _, s := range sessions {
					term.printf("%s  %-8s  %s  %s\n",
						time.UnixMilli(s.StartedAtMs).Local().Format(time.DateTime),
						s.Status, s.SessionID, firstNonEmpty(s.AssignedAgent, "-"))
				}
				return nil
			}

			sessionID := args[0]
			if _, ok, err := store.GetSession(ctx, sessionID); err != nil {
				return err
			} else if !ok {
				return errors.Errorf("no recorded session %q", sessionID)
			}
			msgs, err := store.LoadMessages(ctx, sessionID)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(out).Encode(msgs)
			}
			for _, m := range msgs {
				term.message(m)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of sessions to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}
