package cert

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/google/uuid"

	"github.com/pebblesync/pebble/config"
	"github.com/pebblesync/pebble/internal/identity"
)

func init() {
	subcommands.Register(&certCmd{}, "")
}

type certCmd struct {
	regenerate bool
}

func (*certCmd) Name() string     { return "cert" }
func (*certCmd) Synopsis() string { return "Print the local device's certificate fingerprint." }
func (*certCmd) Usage() string {
	return `cert [-regenerate]:
  Print the SHA-256 fingerprint of the local device's identity certificate,
  generating one first if it doesn't already exist.
`
}

func (p *certCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.regenerate, "regenerate", false, "Discard the existing certificate and generate a new one")
}

func (p *certCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	configPath := args[0].(*string)

	cfg, err := config.Read(*configPath)
	if err != nil {
		fmt.Printf("could not read config: %v\n", err)
		return subcommands.ExitFailure
	}

	if p.regenerate {
		if err := identity.Delete(cfg.CertDir); err != nil {
			fmt.Printf("could not remove existing certificate: %v\n", err)
			return subcommands.ExitFailure
		}
	}

	deviceID := uuid.New().String()
	c, err := identity.GetOrCreate(cfg.CertDir, deviceID, cfg.DeviceName)
	if err != nil {
		fmt.Printf("could not load or generate certificate: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Println(c.Fingerprint)
	return subcommands.ExitSuccess
}
