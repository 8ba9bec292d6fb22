package send

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/pebblesync/pebble/config"
	"github.com/pebblesync/pebble/internal/orchestrator"
)

func init() {
	subcommands.Register(&sendCmd{}, "")
}

type sendCmd struct {
	fingerprint string
}

func (*sendCmd) Name() string     { return "send" }
func (*sendCmd) Synopsis() string { return "Push a single file to one peer." }
func (*sendCmd) Usage() string {
	return `send [-fingerprint SHA256] <path> <addr>:
  Send the file at <path>, which must live under the configured watch
  path, to the peer listening at <addr> (host:port).
`
}

func (p *sendCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.fingerprint, "fingerprint", "", "Expected certificate fingerprint of the peer; empty trusts on first use")
}

func (p *sendCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	configPath := args[0].(*string)
	if f.NArg() != 2 {
		fmt.Printf("unexpected number of arguments to send; want: 2, got: %d\n", f.NArg())
		return subcommands.ExitFailure
	}
	localPath := f.Arg(0)
	addr := f.Arg(1)

	cfg, err := config.Read(*configPath)
	if err != nil {
		fmt.Printf("could not read config: %v\n", err)
		return subcommands.ExitFailure
	}

	if _, err := orchestrator.SendFile(ctx, addr, cfg.WatchPath, localPath, p.fingerprint); err != nil {
		fmt.Printf("send failed: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
