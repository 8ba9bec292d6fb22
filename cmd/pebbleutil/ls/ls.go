package ls

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"github.com/pebblesync/pebble/internal/store"
)

func init() {
	subcommands.Register(&lsCmd{}, "")
}

type lsCmd struct {
	long bool
	db   string
}

func (*lsCmd) Name() string     { return "ls" }
func (*lsCmd) Synopsis() string { return "List files known to the local metadata store." }
func (*lsCmd) Usage() string {
	return `ls [-l] [-db PATH]:
  List every file the local store knows about, with its sync status.
`
}

func (p *lsCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.long, "l", false, "Long format listing")
	f.StringVar(&p.db, "db", store.DefaultPath(), "Path to the pebble metadata database")
}

func (p *lsCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	db, err := store.Open(p.db)
	if err != nil {
		fmt.Printf("could not open store: %v\n", err)
		return subcommands.ExitFailure
	}
	defer db.Close()

	recs, err := db.ListAll()
	if err != nil {
		fmt.Printf("could not list files: %v\n", err)
		return subcommands.ExitFailure
	}

	w := &tabwriter.Writer{}
	w.Init(os.Stdout, 0, 2, 1, ' ', 0)
	if p.long {
		fmt.Fprint(w, "status\tmtime\thash\tpath\n")
	}
	for _, rec := range recs {
		if p.long {
			mtime := time.Unix(rec.LastModified, 0).Format(time.Stamp)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.SyncStatus, mtime, rec.FileHash, rec.Path)
		} else {
			fmt.Fprintf(w, "%s\t%s\n", rec.SyncStatus, rec.Path)
		}
	}
	w.Flush()
	return subcommands.ExitSuccess
}
