package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/txn2/stocksync/pkg/api"
	"github.com/txn2/stocksync/pkg/app"
	"github.com/txn2/stocksync/pkg/dashboard"
	"github.com/txn2/stocksync/pkg/readmodel"
	"github.com/txn2/stocksync/pkg/validate"
)

const envConfig = "STOCKSYNC_CONFIG"

// globalOptions are accepted before the subcommand name.
type globalOptions struct {
	configPath string
	baseURL    string
	logLevel   string
}

// command is one subcommand.
type command struct {
	name    string
	summary string
	usage   string
	flags   func(fs *pflag.FlagSet)
	run     func(ctx context.Context, env *environment, args []string) error

	// offline commands do not need a configuration.
	offline bool
}

// environment is what a running subcommand sees.
type environment struct {
	streams
	global globalOptions
}

func commands() []*command {
	var (
		passwordFile string
		remember     bool
		googleToken  string
		healthAddr   string
		once         bool
	)
	return []*command{
		{
			name:    "login",
			summary: "Log in and save the session",
			usage:   "stocksync login <email> [--remember] [--password-file path]",
			flags: func(fs *pflag.FlagSet) {
				fs.StringVar(&passwordFile, "password-file", "", "read the password from a file instead of prompting")
				fs.BoolVar(&remember, "remember", false, "keep the session across restarts")
				fs.StringVar(&googleToken, "google-id-token", "", "log in with a Google ID token instead of a password")
			},
			run: func(ctx context.Context, env *environment, args []string) error {
				return runLogin(ctx, env, args, passwordFile, googleToken, remember)
			},
		},
		{
			name:    "logout",
			summary: "End the session and forget it",
			usage:   "stocksync logout",
			run:     runLogout,
		},
		{
			name:    "status",
			summary: "Show the saved session",
			usage:   "stocksync status",
			run:     runStatus,
		},
		{
			name:    "refresh",
			summary: "Renew the access token now",
			usage:   "stocksync refresh",
			run:     runRefresh,
		},
		{
			name:    "watch",
			summary: "Follow the dashboard until interrupted",
			usage:   "stocksync watch [--health-address :8081] [--once]",
			flags: func(fs *pflag.FlagSet) {
				fs.StringVar(&healthAddr, "health-address", "", "serve /healthz and /readyz on this address")
				fs.BoolVar(&once, "once", false, "print the current dashboard and exit")
			},
			run: func(ctx context.Context, env *environment, args []string) error {
				return runWatch(ctx, env, args, healthAddr, once)
			},
		},
		{
			name:    "validate",
			summary: "Check a CPF, CNPJ or card number",
			usage:   "stocksync validate <cpf|cnpj|document|card> <value>",
			run:     runValidate,
			offline: true,
		},
	}
}

func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	env := &environment{streams: streams{in: in, out: out, err: errOut}}

	global := pflag.NewFlagSet("stocksync", pflag.ContinueOnError)
	global.SetOutput(errOut)
	global.SetInterspersed(false)
	global.StringVarP(&env.global.configPath, "config", "c", os.Getenv(envConfig), "path to the configuration file")
	global.StringVar(&env.global.baseURL, "api", "", "override api.base_url")
	global.StringVar(&env.global.logLevel, "log-level", "", "override log.level")
	showVersion := global.Bool("version", false, "print the version and exit")
	global.Usage = func() { printUsage(errOut, global) }

	if err := global.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintf(out, "stocksync %s\n", Version)
		return nil
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(errOut, global)
		return errors.New("a command is required")
	}

	for _, cmd := range commands() {
		if cmd.name != rest[0] {
			continue
		}
		fs := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
		fs.SetOutput(errOut)
		fs.Usage = func() {
			fmt.Fprintf(errOut, "Usage: %s\n\n", cmd.usage)
			fs.PrintDefaults()
		}
		if cmd.flags != nil {
			cmd.flags(fs)
		}
		if err := fs.Parse(rest[1:]); err != nil {
			return err
		}
		return cmd.run(ctx, env, fs.Args())
	}

	printUsage(errOut, global)
	return fmt.Errorf("unknown command %q", rest[0])
}

func printUsage(w io.Writer, global *pflag.FlagSet) {
	fmt.Fprintln(w, "Usage: stocksync [global flags] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, cmd := range commands() {
		fmt.Fprintf(tw, "  %s\t%s\n", cmd.name, cmd.summary)
	}
	_ = tw.Flush()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags:")
	global.SetOutput(w)
	global.PrintDefaults()
}

// loadConfig reads the configuration and applies command-line overrides.
func (env *environment) loadConfig() (*app.Config, error) {
	var (
		cfg *app.Config
		err error
	)
	if env.global.configPath != "" {
		cfg, err = app.LoadConfig(env.global.configPath)
	} else {
		cfg, err = app.ParseConfig(nil)
	}
	if err != nil {
		return nil, err
	}
	if env.global.baseURL != "" {
		cfg.OverrideBaseURL(env.global.baseURL)
	}
	if env.global.logLevel != "" {
		cfg.Log.Level = env.global.logLevel
	}
	return cfg, nil
}

// open builds the App for a subcommand. The caller closes it.
func (env *environment) open(ctx context.Context, mutate ...func(*app.Config)) (*app.App, error) {
	cfg, err := env.loadConfig()
	if err != nil {
		return nil, err
	}
	for _, m := range mutate {
		m(cfg)
	}
	logger := app.NewLogger(cfg.Log, env.err)
	return app.New(ctx, cfg, app.WithLogger(logger))
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Close(ctx)
}

func runLogin(ctx context.Context, env *environment, args []string, passwordFile, googleToken string, remember bool) error {
	if googleToken == "" && len(args) != 1 {
		return errors.New("usage: stocksync login <email> [--remember] [--password-file path]")
	}

	a, err := env.open(ctx, withoutRealtime)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if googleToken != "" {
		sess, err := a.Tokens().LoginGoogle(ctx, api.GoogleCredentials{IDToken: googleToken}, remember)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Fprintf(env.out, "Logged in to account %s\n", sess.AccountID)
		return nil
	}

	password, err := readPassword(env, passwordFile)
	if err != nil {
		return err
	}
	sess, err := a.Tokens().Login(ctx, api.Credentials{Email: args[0], Password: password}, remember)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Fprintf(env.out, "Logged in to account %s\n", sess.AccountID)
	if !remember {
		fmt.Fprintln(env.out, "Session is not remembered; use --remember to keep it for later commands.")
	}
	return nil
}

func runLogout(ctx context.Context, env *environment, _ []string) error {
	a, err := env.open(ctx, withoutRealtime)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if _, err := a.Tokens().Restore(ctx); err != nil {
		return err
	}
	if err := a.Tokens().Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(env.out, "Logged out")
	return nil
}

func runStatus(ctx context.Context, env *environment, _ []string) error {
	a, err := env.open(ctx, withoutRealtime)
	if err != nil {
		return err
	}
	defer closeApp(a)

	sess, err := a.Store().Load(ctx)
	if err != nil {
		return err
	}
	if !sess.Authenticated() {
		fmt.Fprintln(env.out, "Not logged in")
		return nil
	}

	tw := tabwriter.NewWriter(env.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "account\t%s\n", sess.AccountID)
	fmt.Fprintf(tw, "user\t%s\n", sess.AccountUserID)
	fmt.Fprintf(tw, "remember me\t%t\n", sess.RememberMe)
	fmt.Fprintf(tw, "refreshable\t%t\n", sess.RefreshToken != "")
	if !sess.ExpiresAt.IsZero() {
		fmt.Fprintf(tw, "expires\t%s (%s left)\n",
			sess.ExpiresAt.Format(time.RFC3339), sess.Remaining(time.Now()).Round(time.Second))
	}
	fmt.Fprintf(tw, "first access\t%t\n", sess.FirstAccess)
	return tw.Flush()
}

func runRefresh(ctx context.Context, env *environment, _ []string) error {
	a, err := env.open(ctx, withoutRealtime)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if _, err := a.Tokens().Restore(ctx); err != nil {
		return err
	}
	if _, err := a.Tokens().Refresh(ctx); err != nil {
		return err
	}
	sess, err := a.Store().Load(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out, "Token renewed, expires %s\n", sess.ExpiresAt.Format(time.RFC3339))
	return nil
}

func runWatch(ctx context.Context, env *environment, _ []string, healthAddr string, once bool) error {
	a, err := env.open(ctx, func(cfg *app.Config) {
		if healthAddr != "" {
			cfg.Health.Address = healthAddr
		}
		if once {
			cfg.Realtime.Enabled = false
		}
	})
	if err != nil {
		return err
	}
	defer closeApp(a)

	if err := a.Start(ctx); err != nil {
		return err
	}
	if !a.Tokens().IsAuthenticated(ctx) {
		return errors.New("not logged in; run stocksync login --remember first")
	}

	updates, cancel := a.Dashboard().Subscribe()
	defer cancel()

	snap, err := a.Dashboard().Current(ctx)
	if err != nil {
		return err
	}
	if once {
		fmt.Fprintln(env.out, snap)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			printUpdate(env.out, u)
		}
	}
}

func printUpdate(w io.Writer, u readmodel.Update[dashboard.Snapshot]) {
	if u.Err != nil {
		fmt.Fprintf(w, "%s %-10s error: %v\n", u.At.Format(time.TimeOnly), u.Source, u.Err)
		return
	}
	fmt.Fprintf(w, "%s %-10s %s\n", u.At.Format(time.TimeOnly), u.Source, u.Value)
}

func runValidate(_ context.Context, env *environment, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: stocksync validate <cpf|cnpj|document|card> <value>")
	}
	var ok bool
	switch strings.ToLower(args[0]) {
	case "cpf":
		ok = validate.CPF(args[1])
	case "cnpj":
		ok = validate.CNPJ(args[1])
	case "document":
		ok = validate.Document(args[1])
	case "card":
		ok = validate.Luhn(args[1])
	default:
		return fmt.Errorf("unknown kind %q", args[0])
	}
	if !ok {
		return fmt.Errorf("%s %s is not valid", args[0], args[1])
	}
	fmt.Fprintf(env.out, "%s %s is valid\n", args[0], args[1])
	return nil
}

func withoutRealtime(cfg *app.Config) {
	cfg.Realtime.Enabled = false
}

// readPassword reads the password from passwordFile, or prompts without
// echo when stdin is a terminal, or reads one line from stdin otherwise.
func readPassword(env *environment, passwordFile string) (string, error) {
	if passwordFile != "" && passwordFile != "-" {
		// #nosec G304 -- path is from CLI args, controlled by the user
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return "", fmt.Errorf("reading password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	if f, ok := env.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(env.err, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(env.err)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(env.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no password given (use --password-file)")
	}
	return line, nil
}
