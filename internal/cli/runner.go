package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/sigbridge/internal/api"
	"github.com/g960059/sigbridge/internal/appclient"
)

type Runner struct {
	client *appclient.Client
	// socketOverridable is false when the runner was built around a fixed
	// client, as tests do.
	socketOverridable bool
	in                io.Reader
	out               io.Writer
	errOut            io.Writer
	jsonOut           bool
}

// usageError marks errors caused by how the command was invoked. They exit 2.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

func (e usageError) Unwrap() error { return e.err }

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	r := newRunner(appclient.New(socketPath), out, errOut)
	r.socketOverridable = true
	return r
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	return newRunner(appclient.NewWithClient(baseURL, client), out, errOut)
}

func newRunner(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, in: os.Stdin, out: out, errOut: errOut}
}

// WithInput replaces stdin for --password-stdin.
func (r *Runner) WithInput(in io.Reader) *Runner {
	r.in = in
	return r
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCmd()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	if err := root.ExecuteContext(ctx); err != nil {
		var ue usageError
		if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) rootCmd() *cobra.Command {
	var socketPath string
	root := &cobra.Command{
		Use:           "sigbridge",
		Short:         "Drive messaging logins and bridge provisioning through sigbridged",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("socket") && r.socketOverridable {
				if strings.TrimSpace(socketPath) == "" {
					return usageError{fmt.Errorf("--socket requires a path")}
				}
				r.client = appclient.New(socketPath)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "sigbridged socket path")
	root.PersistentFlags().BoolVar(&r.jsonOut, "json", false, "print JSON responses")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	root.AddCommand(
		r.healthCmd(),
		r.stateCmd(),
		r.startCmd(),
		r.historyCmd(),
		r.messagingCmd(),
		r.bridgeCmd(),
		r.watchCmd(),
	)
	return root
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var reqErr *appclient.RequestError
	if errors.As(err, &reqErr) && len(reqErr.Suggestions) > 0 {
		_, _ = fmt.Fprintf(r.errOut, "did you mean: %s\n", strings.Join(reqErr.Suggestions, ", "))
	}
	return 1
}

func (r *Runner) printJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *Runner) printState(env api.StateEnvelope) error {
	if r.jsonOut {
		return r.printJSON(env)
	}
	line := formatState(env.State)
	if env.Stale {
		line += " (request superseded)"
	}
	_, err := fmt.Fprintln(r.out, line)
	return err
}

// formatState renders one state as a single summary line.
func formatState(st api.ConnectionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", st.AccountID, st.Kind, st.Phase)
	if st.Kind == "bridge" && st.Phase != "not_configured" && st.Phase != "idle" {
		fmt.Fprintf(&b, " progress=%d", st.Progress)
	}
	if st.ExternalResourceID != "" {
		fmt.Fprintf(&b, " resource=%s", st.ExternalResourceID)
	}
	if st.Pending != "" {
		fmt.Fprintf(&b, " pending=%s", st.Pending)
	}
	fmt.Fprintf(&b, " v%d", st.Version)
	if st.Detail != "" {
		fmt.Fprintf(&b, " %q", st.Detail)
	}
	if len(st.Suggestions) > 0 {
		fmt.Fprintf(&b, " suggestions=%s", strings.Join(st.Suggestions, ","))
	}
	return b.String()
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("usage: sigbridge %s", usage)}
		}
		return nil
	}
}

func rangeArgs(lo, hi int, usage string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) < lo || len(args) > hi {
			return usageError{fmt.Errorf("usage: sigbridge %s", usage)}
		}
		return nil
	}
}

// readSecret returns value, or the first line of stdin when fromStdin is set.
func (r *Runner) readSecret(value string, fromStdin bool, name string) (string, error) {
	if !fromStdin {
		if value == "" {
			return "", usageError{fmt.Errorf("%s is required", name)}
		}
		return value, nil
	}
	if value != "" {
		return "", usageError{fmt.Errorf("use either --%s or --%s-stdin", name, name)}
	}
	body, err := io.ReadAll(io.LimitReader(r.in, 4096))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	line, _, _ := strings.Cut(string(body), "\n")
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return "", usageError{fmt.Errorf("--%s-stdin requires non-empty input", name)}
	}
	return line, nil
}
