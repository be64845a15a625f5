package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/sitebridge/internal/agent"
	"github.com/floegence/sitebridge/internal/authority"
	"github.com/floegence/sitebridge/internal/config"
	"github.com/floegence/sitebridge/internal/settings"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "login":
		loginCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "audit":
		auditCmd(os.Args[2:])
	case "version":
		fmt.Printf("sitebridge %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `sitebridge

Usage:
  sitebridge login [flags]
  sitebridge run [flags]
  sitebridge audit [flags]
  sitebridge version

Commands:
  login       Verify an API token against a site, store it and write config.
  run         Serve the local websocket endpoint using the config file.
  audit       Print recent connection and action audit entries.
  version     Print build information.

`)
}

func loginCmd(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)

	site := fs.String("site", "", "Site URL (e.g. https://studio.example.com)")
	token := fs.String("token", "", "API token of the site user")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")

	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	timeout := fs.Duration("timeout", 15*time.Second, "Login request timeout")

	_ = fs.Parse(args)

	if strings.TrimSpace(*site) == "" || strings.TrimSpace(*token) == "" {
		fs.Usage()
		os.Exit(2)
	}
	path := filepath.Clean(*cfgPath)

	client, err := authority.New(authority.Options{SiteURL: *site, Token: *token, Attempts: 1})
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	user, err := client.CurrentUser(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	// Keep local settings of an existing config; only the identity changes.
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: replacing unreadable config: %v\n", err)
		}
		cfg = &config.Config{}
	}
	cfg.SiteURL = client.SiteURL()
	cfg.UserID = user.ID
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["log-format"] || cfg.LogFormat == "" {
		cfg.LogFormat = *logFormat
	}
	if set["log-level"] || cfg.LogLevel == "" {
		cfg.LogLevel = *logLevel
	}

	if err := settings.NewSecretsStore(config.SecretsPath(path)).SetSiteToken(cfg.SiteURL, *token); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store token: %v\n", err)
		os.Exit(1)
	}
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Logged in to %s as %s (id %d)\n", cfg.SiteURL, displayUser(user), user.ID)
	fmt.Printf("Config written: %s\n", path)
}

func displayUser(u authority.User) string {
	if name := strings.TrimSpace(u.Name); name != "" {
		return name
	}
	if login := strings.TrimSpace(u.Login); login != "" {
		return login
	}
	return "unknown user"
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)
	path := filepath.Clean(*cfgPath)

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	token, ok, err := settings.NewSecretsStore(config.SecretsPath(path)).SiteToken(cfg.SiteURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read secrets: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "no token stored for %s; run `sitebridge login` first\n", cfg.SiteURL)
		os.Exit(1)
	}

	a, err := agent.New(agent.Options{
		Config:     cfg,
		ConfigPath: path,
		Token:      token,
		OnListening: func(url string) {
			printWelcomeBanner(os.Stderr, welcomeBannerOptions{
				Version:     Version,
				SiteURL:     cfg.SiteURL,
				ListenURL:   url,
				InsecureTLS: cfg.InsecureNoTLS,
			})
		},
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init sitebridge: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "sitebridge exited with error: %v\n", err)
		os.Exit(1)
	}
}
