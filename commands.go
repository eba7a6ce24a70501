package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/claworc/sessionpool/internal/config"
	"github.com/gluk-w/claworc/sessionpool/internal/logging"
	"github.com/gluk-w/claworc/sessionpool/internal/monitor"
	"github.com/gluk-w/claworc/sessionpool/internal/pool"
	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
	"github.com/gluk-w/claworc/sessionpool/internal/sftpconn"
	"github.com/gluk-w/claworc/sessionpool/internal/shellconn"
)

// targetFlags describe the SSH endpoints a one-shot command talks to.
type targetFlags struct {
	hosts      []string
	port       int
	user       string
	password   string
	keyPath    string
	knownHosts string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.hosts, "host", "H", nil, "target host[:port], repeatable")
	cmd.Flags().IntVarP(&f.port, "port", "p", protocol.DefaultPort, "default SSH port")
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "SSH username")
	cmd.Flags().StringVar(&f.password, "password", "", "SSH password")
	cmd.Flags().StringVarP(&f.keyPath, "key", "i", "", "private key file")
	cmd.Flags().StringVar(&f.knownHosts, "known-hosts", "", "known_hosts file; host keys are not verified when empty")
	cmd.MarkFlagRequired("host")
	cmd.MarkFlagRequired("user")
}

func (f *targetFlags) targets() ([]protocol.Target, error) {
	targets := make([]protocol.Target, 0, len(f.hosts))
	for _, h := range f.hosts {
		host, port := h, f.port
		if hh, pp, err := net.SplitHostPort(h); err == nil {
			n, err := strconv.Atoi(pp)
			if err != nil {
				return nil, fmt.Errorf("invalid port in %q", h)
			}
			host, port = hh, n
		}
		t := protocol.Target{
			Host:           host,
			Port:           port,
			Username:       f.user,
			Password:       f.password,
			KeyPath:        f.keyPath,
			KnownHostsPath: f.knownHosts,
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// newCLIPool builds a pool for one-shot commands. It never runs the
// background sweep; connections live only as long as the command.
func newCLIPool(s config.Settings) (*pool.Manager, error) {
	cfg := s.Pool.Config()
	cfg.AutoInspect = false
	return pool.New(cfg,
		pool.WithName("sessionpool-cli"),
		pool.WithMonitor(monitor.New(monitor.NewLogObserver(logging.Component("monitor")))),
	)
}

type hostResult struct {
	target protocol.Target
	res    shellconn.Result
	err    error
}

func newExecCmd(flags *globalFlags) *cobra.Command {
	tf := &targetFlags{}
	var parallel int
	cmd := &cobra.Command{
		Use:   "exec --host HOST [--host HOST...] -- COMMAND [ARGS...]",
		Short: "Run a command on one or more hosts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := setup(flags)
			if err != nil {
				return err
			}
			defer logging.Close()
			targets, err := tf.targets()
			if err != nil {
				return err
			}
			m, err := newCLIPool(s)
			if err != nil {
				return err
			}
			defer m.Shutdown()

			results := runOnHosts(cmd.Context(), m, targets, strings.Join(args, " "), parallel)
			return printResults(cmd.OutOrStdout(), results)
		},
	}
	tf.register(cmd)
	cmd.Flags().IntVar(&parallel, "parallel", 8, "maximum hosts contacted at once")
	return cmd
}

// runOnHosts runs command on every target, at most parallel at a time.
// Results keep the order of targets.
func runOnHosts(ctx context.Context, m *pool.Manager, targets []protocol.Target, command string, parallel int) []hostResult {
	results := make([]hostResult, len(targets))
	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			results[i] = hostResult{target: t}
			conn, err := pool.BorrowAs[*shellconn.Connection](ctx, m, t, protocol.KindShell)
			if err != nil {
				results[i].err = err
				return nil
			}
			res, err := conn.Exec(ctx, command)
			if err != nil {
				m.Close(ctx, t)
				results[i].err = err
				return nil
			}
			m.Release(ctx, t)
			results[i].res = res
			return nil
		})
	}
	g.Wait()
	return results
}

// printResults writes each host's output prefixed by the host and reports
// an error if any host failed or exited non-zero.
func printResults(w io.Writer, results []hostResult) error {
	single := len(results) == 1
	failed := 0
	for _, r := range results {
		prefix := ""
		if !single {
			prefix = r.target.Key().String() + ": "
		}
		if r.err != nil {
			failed++
			fmt.Fprintf(w, "%serror: %v\n", prefix, r.err)
			continue
		}
		writePrefixed(w, prefix, r.res.Stdout)
		writePrefixed(w, prefix, r.res.Stderr)
		if r.res.ExitCode != 0 {
			failed++
			if !single {
				fmt.Fprintf(w, "%sexit status %d\n", prefix, r.res.ExitCode)
			}
		}
	}
	if failed > 0 {
		if single && results[0].err == nil {
			return fmt.Errorf("exit status %d", results[0].res.ExitCode)
		}
		return fmt.Errorf("%d of %d hosts failed", failed, len(results))
	}
	return nil
}

func writePrefixed(w io.Writer, prefix, text string) {
	if text == "" {
		return
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		io.WriteString(w, prefix+line)
		if !strings.HasSuffix(line, "\n") {
			io.WriteString(w, "\n")
		}
	}
}

func newLsCmd(flags *globalFlags) *cobra.Command {
	tf := &targetFlags{}
	cmd := &cobra.Command{
		Use:   "ls --host HOST [PATH]",
		Short: "List a remote directory over SFTP",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := setup(flags)
			if err != nil {
				return err
			}
			defer logging.Close()
			targets, err := tf.targets()
			if err != nil {
				return err
			}
			if len(targets) != 1 {
				return fmt.Errorf("ls takes exactly one --host")
			}
			m, err := newCLIPool(s)
			if err != nil {
				return err
			}
			defer m.Shutdown()

			ctx := cmd.Context()
			t := targets[0]
			conn, err := pool.BorrowAs[*sftpconn.Connection](ctx, m, t, protocol.KindSFTP)
			if err != nil {
				return err
			}
			defer m.Release(ctx, t)

			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else if dir, err = conn.CurrentDirectory(); err != nil {
				return err
			}
			entries, err := conn.List(dir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.Mode, e.Size, e.ModTime.Format("2006-01-02 15:04"), e.Name)
			}
			return tw.Flush()
		},
	}
	tf.register(cmd)
	return cmd
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(flags.configFile); err != nil {
				return err
			}
			out, err := config.Dump(config.Cfg)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), out)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "save PATH",
		Short: "Write the effective configuration to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(flags.configFile); err != nil {
				return err
			}
			if err := config.Save(config.Cfg, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	})
	return cmd
}
