package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sledgeshell/sledge/action"
	"github.com/sledgeshell/sledge/config"
	"github.com/sledgeshell/sledge/encode"
	"github.com/sledgeshell/sledge/history"
	"github.com/sledgeshell/sledge/shell"
	"github.com/sledgeshell/sledge/term"
	"github.com/sledgeshell/sledge/transport"
)

func main() {
	app := &cli.App{
		Name:  "sledge",
		Usage: "drive a semi-interactive shell over a one-shot execution primitive",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Webshell URL, command goes into the last query parameter or --param.",
			},
			&cli.StringFlag{
				Name:  "method",
				Usage: "HTTP method for the webshell.",
				Value: "GET",
			},
			&cli.StringFlag{
				Name:  "param",
				Usage: "Query parameter carrying the command.",
			},
			&cli.StringFlag{
				Name:  "password",
				Usage: "Webshell access password, as a bare value or name=value.",
			},
			&cli.StringFlag{
				Name:  "request",
				Usage: "Burp-exported request file; the command replaces " + transport.Placeholder + ".",
			},
			&cli.StringFlag{
				Name:  "exec-wrapper",
				Usage: "Local command template executing the remote command, " + transport.Placeholder + " is substituted.",
			},
			&cli.StringFlag{
				Name:  "ws",
				Usage: "WebSocket executor URL.",
			},
			&cli.StringFlag{
				Name:  "proxy",
				Usage: "HTTP proxy for webshell and request transports.",
			},
			&cli.StringFlag{
				Name:  "os",
				Usage: "Target OS family (linux or windows), autodetected when empty.",
			},
			&cli.BoolFlag{
				Name:  "obfuscate",
				Usage: "Disguise every command with the OS obfuscation pipeline.",
			},
			&cli.BoolFlag{
				Name:  "base64",
				Usage: "Base64 the whole command, for primitives that decode before execution.",
			},
			&cli.StringFlag{
				Name:  "shell",
				Usage: "Remote shell binary for forward mode, discovered when empty.",
			},
			&cli.StringFlag{
				Name:  "working-dir",
				Usage: "Remote scratch directory for the forward-shell files.",
			},
			&cli.DurationFlag{
				Name:  "read-interval",
				Usage: "Forward-mode output poll interval.",
				Value: 400 * time.Millisecond,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-command execution timeout.",
				Value: 15 * time.Second,
			},
			&cli.StringFlag{
				Name:  "profile",
				Usage: "Load target settings from a named profile.",
			},
			&cli.StringFlag{
				Name:  "save-profile",
				Usage: "Save the effective target settings under this profile name.",
			},
			&cli.StringFlag{
				Name:  "history",
				Usage: "Path of the command history database.",
			},
			&cli.BoolFlag{
				Name:  "no-history",
				Usage: "Disable command history recording.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn or error.",
				Value: "warn",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	logger, err := buildLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	configDir, err := config.DefaultDir()
	if err != nil {
		return err
	}
	store := config.NewStore(configDir)

	profile, err := effectiveProfile(c, store)
	if err != nil {
		return err
	}
	if name := c.String("save-profile"); name != "" {
		if err := store.SetProfile(name, profile); err != nil {
			return fmt.Errorf("saving profile %q: %w", name, err)
		}
		sugar.Infof("saved profile %q", name)
	}

	prim, closePrim, err := buildPrimitive(sugar, profile)
	if err != nil {
		return err
	}
	defer closePrim()

	policy := encode.Policy{
		OS:        profile.OS,
		Obfuscate: profile.Obfuscate,
		Base64:    profile.Base64,
	}

	opts := []shell.Option{
		shell.WithTimeout(time.Duration(profile.TimeoutSeconds) * time.Second),
		shell.WithPollInterval(time.Duration(profile.ReadIntervalMS) * time.Millisecond),
	}
	if profile.Shell != "" {
		opts = append(opts, shell.WithShell(profile.Shell))
	}
	if profile.WorkingDir != "" {
		opts = append(opts, shell.WithWorkDir(profile.WorkingDir))
	}

	session := shell.NewSession(sugar, prim, policy, opts...)
	defer session.Close(c.Context)

	if err := session.Bootstrap(c.Context); err != nil {
		return fmt.Errorf("target unreachable: %w", err)
	}
	fmt.Printf("connected via %s as %s@%s\n", prim.Describe(), session.User(), session.Hostname())

	loopOpts := []term.Option{}
	if !c.Bool("no-history") {
		histPath := c.String("history")
		if histPath == "" {
			histPath = filepath.Join(configDir, "history.db")
		}
		histStore, err := history.Open(sugar, histPath)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer histStore.Close()
		loopOpts = append(loopOpts, term.WithHistory(histStore, prim.Describe()))
	}

	loop := term.New(sugar, session, action.Builtin(sugar), loopOpts...)
	session.SetSink(loop)
	return loop.Run(c.Context)
}

// effectiveProfile merges a loaded profile with command-line overrides.
// Flags win over the profile.
func effectiveProfile(c *cli.Context, store *config.Store) (config.Profile, error) {
	var p config.Profile
	if name := c.String("profile"); name != "" {
		loaded, err := store.Profile(name)
		if err != nil {
			return config.Profile{}, err
		}
		p = loaded
	}

	setString := func(dst *string, flag string) {
		if c.IsSet(flag) || *dst == "" {
			if v := c.String(flag); v != "" {
				*dst = v
			}
		}
	}
	setString(&p.URL, "url")
	setString(&p.Method, "method")
	setString(&p.Param, "param")
	setString(&p.Password, "password")
	setString(&p.RequestFile, "request")
	setString(&p.ExecWrapper, "exec-wrapper")
	setString(&p.WSURL, "ws")
	setString(&p.Proxy, "proxy")
	setString(&p.OS, "os")
	setString(&p.Shell, "shell")
	setString(&p.WorkingDir, "working-dir")

	if c.IsSet("obfuscate") {
		p.Obfuscate = c.Bool("obfuscate")
	}
	if c.IsSet("base64") {
		p.Base64 = c.Bool("base64")
	}
	if c.IsSet("read-interval") || p.ReadIntervalMS == 0 {
		p.ReadIntervalMS = int(c.Duration("read-interval").Milliseconds())
	}
	if c.IsSet("timeout") || p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = int(c.Duration("timeout").Seconds())
	}

	if p.OS != "" && p.OS != encode.OSLinux && p.OS != encode.OSWindows {
		return config.Profile{}, fmt.Errorf("unsupported OS %q", p.OS)
	}
	return p, nil
}

// buildPrimitive picks the transport from the profile. Exactly one must be
// configured.
func buildPrimitive(sugar *zap.SugaredLogger, p config.Profile) (transport.Primitive, func(), error) {
	noop := func() {}
	var configured []string
	for _, t := range []struct {
		name  string
		value string
	}{
		{"--url", p.URL},
		{"--request", p.RequestFile},
		{"--exec-wrapper", p.ExecWrapper},
		{"--ws", p.WSURL},
	} {
		if t.value != "" {
			configured = append(configured, t.name)
		}
	}
	if len(configured) == 0 {
		return nil, noop, fmt.Errorf("no execution primitive: one of --url, --request, --exec-wrapper or --ws is required")
	}
	if len(configured) > 1 {
		return nil, noop, fmt.Errorf("conflicting primitives: %s are mutually exclusive", strings.Join(configured, ", "))
	}

	switch {
	case p.URL != "":
		var opts []transport.WebshellOption
		if p.Method != "" {
			opts = append(opts, transport.WithWebshellMethod(p.Method))
		}
		if p.Password != "" {
			// name=value picks the parameter; a bare value uses "ps".
			name, value, found := strings.Cut(p.Password, "=")
			if !found {
				name, value = "", p.Password
			}
			opts = append(opts, transport.WithWebshellPassword(name, value))
		}
		if p.Proxy != "" {
			opts = append(opts, transport.WithWebshellProxy(p.Proxy))
		}
		ws, err := transport.NewWebshell(sugar, p.URL, p.Param, opts...)
		return ws, noop, err

	case p.RequestFile != "":
		var opts []transport.BurpOption
		if p.Proxy != "" {
			opts = append(opts, transport.WithBurpProxy(p.Proxy))
		}
		bf, err := transport.NewBurpFile(sugar, p.RequestFile, opts...)
		return bf, noop, err

	case p.ExecWrapper != "":
		w, err := transport.NewWrapper(sugar, p.ExecWrapper)
		return w, noop, err

	default:
		wse := transport.NewWSExec(sugar, p.WSURL)
		return wse, func() { wse.Close() }, nil
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
