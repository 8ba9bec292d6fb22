// pebbleutil contains tools for inspecting a Pebble agent's local
// state: its certificate, its metadata store, and its outbound
// transfers.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/google/subcommands"

	"github.com/pebblesync/pebble/config"

	_ "github.com/pebblesync/pebble/cmd/pebbleutil/cert"
	_ "github.com/pebblesync/pebble/cmd/pebbleutil/gc"
	_ "github.com/pebblesync/pebble/cmd/pebbleutil/ls"
	_ "github.com/pebblesync/pebble/cmd/pebbleutil/send"
)

var defaultConfig = config.DefaultPath()

func main() {
	configPath := flag.String("config", defaultConfig, "Path to pebble config")
	subcommands.ImportantFlag("config")
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	flag.Parse()

	ctx := context.Background()
	exitValue := subcommands.Execute(ctx, configPath)
	glog.Flush()
	os.Exit(int(exitValue))
}
