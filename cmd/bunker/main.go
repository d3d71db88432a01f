package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ardents-control-plane/signing-bunker/internal/bunker"
	"github.com/ardents-control-plane/signing-bunker/internal/platform/privacylog"
)

const (
	exitOK    = 0
	exitFatal = 1
)

const defaultConfigPath = "config/nsecbunker.json"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitFatal)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "add":
		runAdd(os.Args[2:])
	case "start":
		runStart(os.Args[2:])
	default:
		printUsage()
		os.Exit(exitFatal)
	}
}

func runSetup(args []string) {
	fs := newFlagSet("setup")
	configPath := fs.String("config", defaultConfigPath, "path to the bunker config document")
	parseOrExit(fs, args)

	fmt.Println("paste the admin public key (hex) this bunker should trust:")
	pubkey, err := readLine()
	if err != nil {
		fatalf("reading admin pubkey: %v", err)
	}
	pubkey = strings.TrimSpace(pubkey)
	if pubkey == "" {
		fatalf("an admin public key is required")
	}

	b, err := openBunker(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer b.Close()

	if err := b.Setup(pubkey); err != nil {
		fatalf("setup: %v", err)
	}
	fmt.Println("admin pubkey registered.")

	mnemonic, err := b.AdminMnemonic()
	if err != nil {
		fatalf("rendering admin mnemonic: %v", err)
	}
	fmt.Println("\nback up this bunker's own admin key now, it will not be shown again:")
	fmt.Println(mnemonic)
	os.Exit(exitOK)
}

func runAdd(args []string) {
	fs := newFlagSet("add")
	configPath := fs.String("config", defaultConfigPath, "path to the bunker config document")
	name := fs.String("name", "", "logical name for the stored key")
	parseOrExit(fs, args)

	if strings.TrimSpace(*name) == "" {
		fatalf("--name is required")
	}

	fmt.Println("paste the private key (hex-encoded nsec seed):")
	nsec, err := readLine()
	if err != nil {
		fatalf("reading nsec: %v", err)
	}
	fmt.Println("choose a passphrase to encrypt it at rest:")
	passphrase, err := readLine()
	if err != nil {
		fatalf("reading passphrase: %v", err)
	}
	if strings.TrimSpace(passphrase) == "" {
		fatalf("a passphrase is required")
	}

	b, err := openBunker(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer b.Close()

	if err := b.AddKey(*name, passphrase, strings.TrimSpace(nsec)); err != nil {
		fatalf("add: %v", err)
	}
	fmt.Printf("key %q stored.\n", *name)
	os.Exit(exitOK)
}

func runStart(args []string) {
	fs := newFlagSet("start")
	configPath := fs.String("config", defaultConfigPath, "path to the bunker config document")
	verbose := fs.Bool("verbose", false, "enable verbose logging")
	keys := multiFlag{}
	fs.Var(&keys, "key", "logical key name to allow unlocking at boot (repeatable)")
	admins := multiFlag{}
	fs.Var(&admins, "admin", "extra admin pubkey to trust for this run (repeatable)")
	metricsAddr := fs.String("metrics-addr", "", "address to serve Prometheus /metrics on, e.g. :9090 (empty disables it)")
	approvalAddr := fs.String("approval-addr", "", "address to serve the web-approval /requests/{id} endpoint on; required if public_base_url is configured")
	parseOrExit(fs, args)

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	aclPath := filepath.Join(filepath.Dir(*configPath), "acl.db")
	b, err := bunker.Open(bunker.Paths{ConfigPath: *configPath, ACLPath: aclPath}, logger)
	if err != nil {
		fatalf("%v", err)
	}
	defer b.Close()

	extraAdmins := append([]string{}, admins...)
	if env := os.Getenv("ADMIN_NPUBS"); env != "" {
		for _, pub := range strings.Split(env, ",") {
			pub = strings.TrimSpace(pub)
			if pub != "" {
				extraAdmins = append(extraAdmins, pub)
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("bunker starting")
	if err := b.Start(ctx, bunker.StartOptions{
		Verbose:         *verbose,
		AllowedKeys:     keys,
		ExtraAdmins:     extraAdmins,
		MetricsAddr:     *metricsAddr,
		WebApprovalAddr: *approvalAddr,
	}); err != nil {
		fatalf("start: %v", err)
	}
	logger.Info("bunker stopped")
	os.Exit(exitOK)
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

func parseOrExit(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		fatalf("%v", err)
	}
}

func openBunker(configPath string) (*bunker.Bunker, error) {
	aclPath := filepath.Join(filepath.Dir(configPath), "acl.db")
	return bunker.Open(bunker.Paths{ConfigPath: configPath, ACLPath: aclPath}, slog.Default())
}

func readLine() (string, error) {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return line, nil
}

// multiFlag collects repeated occurrences of a flag, e.g. --key a --key b.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "bunker <command> [flags]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  setup                      register an admin pubkey")
	fmt.Fprintln(os.Stderr, "  add --name <n>             store an encrypted key interactively")
	fmt.Fprintln(os.Stderr, "  start [--verbose] [--key <name>]... [--admin <pubkey>]... [--metrics-addr <addr>] [--approval-addr <addr>]")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(exitFatal)
}
