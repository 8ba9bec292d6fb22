package gc

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/pebblesync/pebble/internal/store"
)

func init() {
	subcommands.Register(&gcCmd{}, "")
}

type gcCmd struct {
	dbPath string
}

func (*gcCmd) Name() string     { return "gc" }
func (*gcCmd) Synopsis() string { return "Remove orphaned transfer-resume rows." }
func (*gcCmd) Usage() string {
	return `gc [-db PATH]:
  Remove transfer_state rows whose file_path and total_chunks are both
  empty. The transfer server records both from the TransferRequest in
  the first row it writes, so it never leaves such a row itself.
`
}

func (p *gcCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.dbPath, "db", store.DefaultPath(), "Path to the pebble metadata database")
}

func (p *gcCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	db, err := store.Open(p.dbPath)
	if err != nil {
		fmt.Printf("could not open store: %v\n", err)
		return subcommands.ExitFailure
	}
	defer db.Close()

	orphans, err := db.ListOrphanedTransfers()
	if err != nil {
		fmt.Printf("could not list orphaned transfers: %v\n", err)
		return subcommands.ExitFailure
	}
	for _, ts := range orphans {
		if err := db.DeleteTransferState(ts.TransferID); err != nil {
			fmt.Printf("could not remove transfer %s: %v\n", ts.TransferID, err)
			continue
		}
		fmt.Printf("removed orphaned transfer %s\n", ts.TransferID)
	}
	fmt.Printf("removed %d orphaned transfer(s)\n", len(orphans))
	return subcommands.ExitSuccess
}
