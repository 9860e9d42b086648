package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/g960059/sigbridge/internal/api"
	"github.com/g960059/sigbridge/internal/appclient"
)

func (r *Runner) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon and bridge provider health",
		Args:  exactArgs(0, "health"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.Health(cmd.Context())
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(resp)
			}
			line := "status=" + resp.Status
			if resp.Bridge != nil {
				line += fmt.Sprintf(" bridge=%s failures=%d", resp.Bridge.Status, resp.Bridge.ConsecutiveFailures)
			}
			_, err = fmt.Fprintln(r.out, line)
			return err
		},
	}
}

func (r *Runner) stateCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "state [account] [kind]",
		Short: "Show connection states",
		Args:  rangeArgs(0, 2, "state [account] [kind]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				env, err := r.client.GetState(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return r.printState(env)
			}
			opts := appclient.ListOptions{Kind: kind}
			if len(args) == 1 {
				opts.AccountID = args[0]
			}
			env, err := r.client.ListConnections(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(env)
			}
			if len(env.States) == 0 {
				_, err := fmt.Fprintln(r.out, "no connections")
				return err
			}
			for _, st := range env.States {
				if _, err := fmt.Fprintln(r.out, formatState(st)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (messaging|bridge)")
	return cmd
}

func (r *Runner) startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <account> <kind>",
		Short: "Open a connection flow without contacting a provider",
		Args:  exactArgs(2, "start <account> <kind>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := r.client.Start(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return r.printState(env)
		},
	}
}

func (r *Runner) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <account> <kind>",
		Short: "Show recorded phase transitions",
		Args:  exactArgs(2, "history <account> <kind>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := r.client.ListTransitions(cmd.Context(), args[0], args[1], limit)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(env)
			}
			for _, tr := range env.Transitions {
				line := fmt.Sprintf("%s v%d %s -> %s progress=%d source=%s", tr.RecordedAt.Format("2006-01-02T15:04:05Z07:00"), tr.Version, tr.FromPhase, tr.ToPhase, tr.Progress, tr.Source)
				if tr.Detail != "" {
					line += fmt.Sprintf(" %q", tr.Detail)
				}
				if _, err := fmt.Fprintln(r.out, line); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum transitions to show")
	return cmd
}

func (r *Runner) messagingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messaging",
		Short: "Messaging account login",
	}

	var apiID, apiHash, phone string
	login := &cobra.Command{
		Use:   "login <account>",
		Short: "Submit API credentials and request a login code",
		Args:  exactArgs(1, "messaging login <account> --api-id ID --api-hash HASH --phone PHONE"),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := r.client.SubmitCredentials(cmd.Context(), args[0], api.CredentialsRequest{
				APIID:   apiID,
				APIHash: apiHash,
				Phone:   phone,
			})
			if err != nil {
				return err
			}
			return r.printState(env)
		},
	}
	login.Flags().StringVar(&apiID, "api-id", "", "messaging API id")
	login.Flags().StringVar(&apiHash, "api-hash", "", "messaging API hash")
	login.Flags().StringVar(&phone, "phone", "", "phone number in international format")

	code := &cobra.Command{
		Use:   "code <account> <code>",
		Short: "Submit the login code",
		Args:  exactArgs(2, "messaging code <account> <code>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := r.client.SubmitCode(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return r.printState(env)
		},
	}

	var password string
	var passwordStdin bool
	pw := &cobra.Command{
		Use:   "password <account>",
		Short: "Submit the two-factor password",
		Args:  exactArgs(1, "messaging password <account> (--password PW | --password-stdin)"),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := r.readSecret(password, passwordStdin, "password")
			if err != nil {
				return err
			}
			env, err := r.client.SubmitPassword(cmd.Context(), args[0], secret)
			if err != nil {
				return err
			}
			return r.printState(env)
		},
	}
	pw.Flags().StringVar(&password, "password", "", "two-factor password")
	pw.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")

	cmd.AddCommand(
		login,
		code,
		pw,
		r.accountOpCmd("reconnect", "Check whether the stored session is still authorized", (*appclient.Client).Reconnect, "messaging"),
		r.accountOpCmd("disconnect", "Forget the messaging session", (*appclient.Client).Disconnect, "messaging"),
		r.accountOpCmd("new-session", "Discard the current session and start over", (*appclient.Client).StartNewSession, "messaging"),
	)
	return cmd
}

func (r *Runner) bridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Trading bridge provisioning",
	}

	var opts appclient.CreateOptions
	var passwordStdin bool
	create := &cobra.Command{
		Use:   "create <account>",
		Short: "Create a bridge resource for a broker account",
		Args:  exactArgs(1, "bridge create <account> --account-number N --server NAME (--password PW | --password-stdin)"),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := r.readSecret(opts.Password, passwordStdin, "password")
			if err != nil {
				return err
			}
			req := opts
			req.Password = secret
			env, err := r.client.Create(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return r.printState(env)
		},
	}
	create.Flags().StringVar(&opts.AccountNumber, "account-number", "", "broker account number")
	create.Flags().StringVar(&opts.Password, "password", "", "broker account password")
	create.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the broker password from stdin")
	create.Flags().StringVar(&opts.Server, "server", "", "broker server name")
	create.Flags().StringVar(&opts.Platform, "platform", "", "trading platform (mt4|mt5, default mt5)")
	create.Flags().StringVar(&opts.BrokerFamily, "broker", "", "broker family used to rank server suggestions")

	cmd.AddCommand(
		create,
		r.accountOpCmd("cancel", "Abandon the running provisioning attempt", (*appclient.Client).Cancel, "bridge"),
		r.accountOpCmd("retry", "Return a failed attempt to idle so it can be created again", (*appclient.Client).Retry, "bridge"),
		r.accountOpCmd("recheck", "Poll the provider once for the current resource status", (*appclient.Client).Recheck, "bridge"),
	)
	return cmd
}

// accountOp is a client method expression so a --socket override is honored.
type accountOp func(c *appclient.Client, ctx context.Context, accountID string) (api.StateEnvelope, error)

func (r *Runner) accountOpCmd(name, short string, op accountOp, group string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <account>",
		Short: short,
		Args:  exactArgs(1, group+" "+name+" <account>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := op(r.client, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return r.printState(env)
		},
	}
}

func (r *Runner) watchCmd() *cobra.Command {
	var (
		account string
		kind    string
		cursor  string
		once    bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream connection state changes",
		Args:  exactArgs(0, "watch [--account A] [--kind K] [--cursor C] [--once]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			onLine := func(line api.WatchLine) error {
				if r.jsonOut {
					return json.NewEncoder(r.out).Encode(line)
				}
				if line.State == nil {
					_, err := fmt.Fprintf(r.out, "%s stream=%s\n", line.Type, line.StreamID)
					return err
				}
				_, err := fmt.Fprintf(r.out, "%s %s\n", line.Type, formatState(*line.State))
				return err
			}
			if once {
				_, err := r.client.Watch(cmd.Context(), appclient.WatchOptions{
					AccountID: account,
					Kind:      kind,
					Cursor:    cursor,
					Once:      true,
				}, onLine)
				return err
			}
			err := r.client.WatchLoop(cmd.Context(), appclient.WatchLoopOptions{
				AccountID: account,
				Kind:      kind,
				Cursor:    cursor,
			}, onLine)
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "only this account")
	cmd.Flags().StringVar(&kind, "kind", "", "only this kind (messaging|bridge)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume cursor from a previous watch")
	cmd.Flags().BoolVar(&once, "once", false, "print the current snapshot and exit")
	return cmd
}
