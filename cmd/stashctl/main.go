package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cordum/stash/core/infra/config"
)

const (
	defaultGateway = "http://localhost:8080"
	defaultTimeout = 10 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "inspect":
		runInspectCmd(args)
	case "delete":
		runDeleteCmd(args)
	case "resolve":
		runResolveCmd(args)
	case "status":
		runStatusCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

type flagSet struct {
	*flag.FlagSet
	gateway *string
	config  *string
	timeout *time.Duration
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	gateway := fs.String("gateway", envOr("STASH_GATEWAY", defaultGateway), "stash server base url")
	cfgPath := fs.String("config", envOr("STASH_CONFIG", ""), "config file")
	timeout := fs.Duration("timeout", defaultTimeout, "overall command timeout")
	return &flagSet{FlagSet: fs, gateway: gateway, config: cfgPath, timeout: timeout}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

// slug returns the single positional argument.
func (fs *flagSet) slug() string {
	if fs.NArg() < 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		fail("slug required")
	}
	return fs.Arg(0)
}

func (fs *flagSet) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), *fs.timeout)
}

func (fs *flagSet) loadConfig() *config.Config {
	if *fs.config != "" {
		check(os.Setenv("STASH_CONFIG", *fs.config))
	}
	cfg, err := config.Load()
	check(err)
	return cfg
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	check(err)
	fmt.Println(string(data))
}

func usage() {
	fmt.Print(`stashctl - stash record store CLI

Usage:
  stashctl inspect <slug>            show a record without consuming it
  stashctl delete <slug>             delete a record and its payload
  stashctl resolve <slug> [--out f]  consume one access and write the payload
  stashctl status                    query the server status endpoint

Global flags:
  --config    Config file (default from STASH_CONFIG)
  --gateway   Server base URL for status (default from STASH_GATEWAY)
  --timeout   Overall command timeout
`)
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
