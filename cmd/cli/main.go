// Command vk is a CLI client for the viewkeys daemon.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// app carries the global flags and I/O of one invocation.
type app struct {
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
	dir       string
	debug     bool

	in       io.Reader
	out      io.Writer
	log      *zap.Logger
	now      func() time.Time
	dialOpts []grpc.DialOption
}

func newApp(in io.Reader, out io.Writer) *app {
	return &app{in: in, out: out, log: zap.NewNop(), now: time.Now}
}

func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// readPassphrase takes VIEWKEYS_PASSPHRASE when set, otherwise the first
// line of stdin.
func (a *app) readPassphrase() ([]byte, error) {
	if v := os.Getenv("VIEWKEYS_PASSPHRASE"); v != "" {
		return []byte(v), nil
	}
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, errors.New("empty passphrase (pipe it on stdin or set VIEWKEYS_PASSPHRASE)")
	}
	return []byte(line), nil
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vk",
		Short: "vk - share scoped, revocable view-keys through a viewkeys daemon",
		Long: `vk enrolls parties, issues and delegates scoped view-key grants,
receives grants addressed to this device and manages revocation,
rotation and the audit trail.

Passphrases are read from the first line of stdin or VIEWKEYS_PASSPHRASE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.debug {
				lg, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				a.log = lg
			}
			if a.dir == "" {
				a.dir = defaultCfgDir()
			}
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.addr, "addr", "localhost:8443", "daemon address")
	pf.StringVar(&a.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&a.insecure, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&a.plaintext, "plaintext", false, "connect without TLS (dev)")
	pf.StringVar(&a.dir, "config-dir", "", "local state directory (default $XDG_CONFIG_HOME/viewkeys)")
	pf.BoolVarP(&a.debug, "debug", "d", false, "enable debug logging")

	root.AddCommand(
		a.versionCmd(),
		a.enrollCmd(),
		a.unlockCmd(),
		a.lockCmd(),
		a.loginCmd(),
		a.publishKeyCmd(),
		a.grantCmd(),
		a.pollCmd(),
		a.checkCmd(),
		a.rotateCmd(),
		a.historyCmd(),
		a.auditCmd(),
	)
	return root
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "vk %s (%s)\n", version, buildDate)
		},
	}
}

// main wires stdin/stdout and runs the command tree until it finishes or a
// signal arrives.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a := newApp(os.Stdin, os.Stdout)
	err := a.rootCmd().ExecuteContext(ctx)
	_ = a.log.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		cancel()
		stop()
		os.Exit(1)
	}
}
