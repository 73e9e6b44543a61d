// Command f5vpnc is the command-line client for F5 Firepass/BIG-IP SSL VPN
// gateways. Its flag surface and validation rules mirror the original
// NetworkManager-f5vpn CLI (cli/main.c): --auth or --getsid acquire a
// session key, --connect establishes a tunnel, and --session/--otc let a
// later invocation reuse a key obtained earlier without re-authenticating.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/kardianos/service"
	"golang.org/x/term"

	"github.com/ohwgiles/NetworkManager-f5vpn/internal/config"
	"github.com/ohwgiles/NetworkManager-f5vpn/internal/f5err"
	"github.com/ohwgiles/NetworkManager-f5vpn/internal/sessionstore"
	"github.com/ohwgiles/NetworkManager-f5vpn/internal/statusd"
	"github.com/ohwgiles/NetworkManager-f5vpn/pkg/f5vpn"
)

const (
	svcName        = "f5vpnc"
	svcDisplayName = "F5 VPN Client"
	svcDescription = "Maintains a PPP-over-TLS tunnel to an F5 Firepass/BIG-IP SSL VPN gateway"
)

type cliFlags struct {
	configPath  string
	doAuth      bool
	doGetSid    bool
	doConnect   bool
	session     string
	otc         string
	host        string
	vpnZID      string
	doInstall   bool
	doUninstall bool
	doRun       bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "path to config file")
	flag.BoolVar(&f.doAuth, "auth", false, "interactively authenticate against the gateway")
	flag.BoolVar(&f.doAuth, "a", false, "shorthand for -auth")
	flag.BoolVar(&f.doGetSid, "getsid", false, "exchange a one-time code for a session id")
	flag.BoolVar(&f.doGetSid, "g", false, "shorthand for -getsid")
	flag.BoolVar(&f.doConnect, "connect", false, "establish the tunnel once a session key is available")
	flag.BoolVar(&f.doConnect, "c", false, "shorthand for -connect")
	flag.StringVar(&f.session, "session", "", "a previously obtained session key")
	flag.StringVar(&f.session, "s", "", "shorthand for -session")
	flag.StringVar(&f.otc, "otc", "", "one-time code to exchange via -getsid")
	flag.StringVar(&f.otc, "o", "", "shorthand for -otc")
	flag.StringVar(&f.host, "host", "", "gateway hostname")
	flag.StringVar(&f.host, "h", "", "shorthand for -host")
	flag.StringVar(&f.vpnZID, "vpn-z-id", "", "tunnel resource id to connect to")
	flag.StringVar(&f.vpnZID, "z", "", "shorthand for -vpn-z-id")
	flag.BoolVar(&f.doInstall, "install", false, "install as a system service")
	flag.BoolVar(&f.doUninstall, "uninstall", false, "uninstall the system service")
	flag.BoolVar(&f.doRun, "run", false, "run in foreground (used internally by the service)")
	flag.Parse()
	return f
}

// validate mirrors main()'s mutual-exclusion and required-field checks in
// the original CLI.
func (f cliFlags) validate() error {
	if f.doAuth && f.doGetSid {
		return fmt.Errorf("-auth and -getsid are mutually exclusive")
	}
	if f.doGetSid {
		if f.otc == "" {
			return fmt.Errorf("-getsid requires -otc")
		}
		if f.session != "" {
			return fmt.Errorf("-getsid and -session are mutually exclusive")
		}
	}
	if f.doConnect && !f.doAuth {
		if f.vpnZID == "" {
			return fmt.Errorf("-connect without -auth requires -vpn-z-id")
		}
		if f.session == "" && !f.doGetSid {
			return fmt.Errorf("-connect without -auth requires -session or -getsid")
		}
	}
	if f.host == "" {
		return fmt.Errorf("-host is required")
	}
	return nil
}

func main() {
	f := parseFlags()
	initLogger("info")

	cfg, err := config.Load(f.configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)
	if f.host != "" {
		cfg.Host = f.host
	}

	svcConfig := &service.Config{
		Name:        svcName,
		DisplayName: svcDisplayName,
		Description: svcDescription,
		Arguments:   []string{"-run", "-host", cfg.Host},
	}
	prg := &program{cfg: cfg}
	svc, err := service.New(prg, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case f.doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service installed:", svcName)
		return
	case f.doUninstall:
		_ = svc.Stop()
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service uninstalled:", svcName)
		return
	case f.doRun:
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := runServiceMode(ctx, cfg); err != nil {
			slog.Error("service mode exited with error", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := f.validate(); err != nil {
		fmt.Fprintln(os.Stderr, "f5vpnc:", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runCLI(ctx, cfg, f); err != nil {
		fmt.Fprintln(os.Stderr, "f5vpnc:", err)
		os.Exit(1)
	}
}

func runCLI(ctx context.Context, cfg *config.Config, f cliFlags) error {
	client, err := f5vpn.New(cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	var sessionKey, selectedZID string

	switch {
	case f.doAuth:
		sessionKey, selectedZID, err = interactiveAuth(client, f, cfg)
		if err != nil {
			return err
		}
	case f.doGetSid:
		sessionKey, err = interactiveGetSid(client, f.otc)
		if err != nil {
			return err
		}
		fmt.Println("session key:", sessionKey)
		if cfg.UseKeyring {
			_ = sessionstore.Save(cfg.Host, sessionKey)
		}
	case f.session != "":
		sessionKey = f.session
	}

	if !f.doConnect {
		return nil
	}

	zid := f.vpnZID
	if zid == "" {
		zid = selectedZID
	}
	err = connectAndReport(ctx, client, cfg, sessionKey, zid)
	if errors.Is(err, f5err.BadHTTPCode) {
		fmt.Fprintln(os.Stderr, "session key should be invalidated")
	}
	return err
}

func interactiveGetSid(client *f5vpn.Client, otc string) (string, error) {
	type result struct {
		sid string
		err error
	}
	ch := make(chan result, 1)
	client.BeginGetSid(otc, func(sid string, err error) { ch <- result{sid, err} })
	r := <-ch
	return r.sid, r.err
}

// interactiveAuth drives one full authentication round, prompting the user
// for each credential field and, if connecting, letting them pick which
// tunnel to use. It returns the session key and, when -vpn-z-id was not
// given on the command line, the tunnel id the user selected.
func interactiveAuth(client *f5vpn.Client, f cliFlags, cfg *config.Config) (sessionKey, selectedZID string, err error) {
	type beginResult struct {
		fields []f5vpn.FormField
		err    error
	}
	beginCh := make(chan beginResult, 1)
	session := client.BeginAuth(func(fields []f5vpn.FormField, err error) {
		beginCh <- beginResult{fields, err}
	})
	br := <-beginCh
	if br.err != nil {
		return "", "", br.err
	}

	values := make(map[string]string)
	reader := bufio.NewReader(os.Stdin)
	for _, field := range br.fields {
		switch field.Type {
		case f5vpn.FieldText:
			fmt.Printf("%s: ", field.Label)
			line, _ := reader.ReadString('\n')
			values[field.Name] = trimNewline(line)
		case f5vpn.FieldPassword:
			fmt.Printf("%s: ", field.Label)
			pw, perr := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if perr != nil {
				return "", "", perr
			}
			values[field.Name] = string(pw)
		}
	}

	type doneResult struct {
		sessionKey string
		tunnels    []f5vpn.TunnelDescriptor
		err        error
	}
	doneCh := make(chan doneResult, 1)
	session.PostCredentials(values, func(sessionKey string, tunnels []f5vpn.TunnelDescriptor, err error) {
		doneCh <- doneResult{sessionKey, tunnels, err}
	})
	dr := <-doneCh
	if dr.err != nil {
		return "", "", dr.err
	}

	fmt.Println("session key:", dr.sessionKey)
	if cfg.UseKeyring {
		_ = sessionstore.Save(cfg.Host, dr.sessionKey)
	}

	if !f.doConnect {
		for _, t := range dr.tunnels {
			fmt.Printf("tunnel: %s (%s)\n", t.ID, t.Caption)
		}
		return dr.sessionKey, "", nil
	}

	if f.vpnZID != "" {
		return dr.sessionKey, f.vpnZID, nil
	}

	for i, t := range dr.tunnels {
		fmt.Printf("%d) %s %s\n", i+1, t.Caption, t.Description)
	}
	fmt.Print("Select a tunnel: ")
	line, _ := reader.ReadString('\n')
	idx, perr := strconv.Atoi(trimNewline(line))
	if perr != nil || idx < 1 || idx > len(dr.tunnels) {
		return "", "", fmt.Errorf("invalid tunnel selection")
	}
	return dr.sessionKey, dr.tunnels[idx-1].ID, nil
}

func connectAndReport(ctx context.Context, client *f5vpn.Client, cfg *config.Config, sessionKey, vpnZID string) error {
	paths := f5vpn.Paths{OpenSSL: cfg.OpenSSLPath, Pppd: cfg.PppdPath, PluginObject: cfg.PluginPath}

	done := make(chan error, 1)
	_, err := client.Connect(ctx, paths, sessionKey, vpnZID,
		func(ns f5vpn.NetworkSettings) {
			fmt.Println("connection up!")
			for _, lan := range ns.LAN {
				fmt.Printf("ip route add %s/%d via %s dev %s\n", lan.Network, lan.PrefixLen, ns.RemoteAddr, ns.Ifname)
			}
			for _, dns := range ns.DNS {
				fmt.Printf("resolvconf %s\n", dns)
			}
		},
		func(err error) {
			if err != nil {
				fmt.Fprintln(os.Stderr, "connection closed:", err)
			} else {
				fmt.Println("connection closed")
			}
			done <- err
		},
	)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// program implements kardianos/service.Interface for service mode, where
// f5vpnc holds one tunnel up persistently and exposes its status locally.
type program struct {
	cfg    *config.Config
	cancel context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	go p.run()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func (p *program) run() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	defer cancel()
	if err := runServiceMode(ctx, p.cfg); err != nil {
		slog.Error("service run failed", "error", err)
		os.Exit(1)
	}
}

func runServiceMode(ctx context.Context, cfg *config.Config) error {
	var statusSrv *statusd.Server
	if cfg.StatusAddr != "" {
		statusSrv = statusd.New(cfg.StatusAddr)
		if err := statusSrv.Start(ctx); err != nil {
			return err
		}
	}

	sessionKey, err := sessionstore.Load(cfg.Host)
	if err != nil || sessionKey == "" {
		return fmt.Errorf("service mode requires a cached session key; run with -auth and use_keyring enabled first")
	}

	client, err := f5vpn.New(cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	paths := f5vpn.Paths{OpenSSL: cfg.OpenSSLPath, Pppd: cfg.PppdPath, PluginObject: cfg.PluginPath}
	done := make(chan error, 1)
	_, err = client.Connect(ctx, paths, sessionKey, "",
		func(ns f5vpn.NetworkSettings) {
			slog.Info("tunnel up", "ifname", ns.Ifname, "local", ns.LocalAddr, "remote", ns.RemoteAddr)
			if statusSrv != nil {
				statusSrv.Set(statusd.Status{
					Connected:  true,
					Host:       cfg.Host,
					Ifname:     ns.Ifname,
					LocalAddr:  ns.LocalAddr.String(),
					RemoteAddr: ns.RemoteAddr.String(),
				})
			}
		},
		func(err error) {
			if statusSrv != nil {
				status := statusd.Status{Connected: false, Host: cfg.Host}
				if err != nil {
					status.LastError = err.Error()
				}
				statusSrv.Set(status)
			}
			done <- err
		},
	)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
