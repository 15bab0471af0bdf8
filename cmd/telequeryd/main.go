package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/telequery/internal/config"
	"github.com/matheus3301/telequery/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", config.DefaultPath(), "path to config.toml")
	socketFlag := flag.String("socket", "", "unix socket path (overrides config)")
	initFlag := flag.Bool("init-config", false, "write the default config to --config and exit")
	flag.Parse()

	if *initFlag {
		if _, err := os.Stat(*configFlag); err == nil {
			fmt.Fprintf(os.Stderr, "error: %s already exists\n", *configFlag)
			os.Exit(1)
		}
		if err := config.Save(*configFlag, config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *configFlag)
		return
	}

	cfg, err := config.LoadOrDefault(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv(nil)

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg, SocketPath: *socketFlag}),
	)

	app.Run()
}
