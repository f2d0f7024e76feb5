package stacksctlcmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"

	"github.com/instbooks/stacks/index"
	mbp "github.com/instbooks/stacks/mainboilerplate"
)

type cmdStatus struct {
	Args struct {
		Files []string `positional-arg-name:"FILE" description:"Indexed source files to report on"`
	} `positional-args:"yes"`
}

func init() {
	CommandRegistry.AddCommand("", "status", "Report index and cache status", `
Status reports, for each named source file, its index artifact's entry
count and size and whether the file has changed since the index was
built; and for the local archive cache, its entry counts and aggregate
size against the configured budget.
`, &cmdStatus{})
}

func (cmd *cmdStatus) Execute([]string) error {
	startup()

	if len(cmd.Args.Files) != 0 {
		var table = tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"File", "Entries", "Artifact Size", "Built", "Stale"})

		for _, file := range cmd.Args.Files {
			table.Append(indexRow(file))
		}
		table.Render()
	}

	var manager, err = newCacheManager()
	mbp.Must(err, "failed to open cache")

	stats, err := manager.Stats(context.Background())
	mbp.Must(err, "failed to read cache manifest")

	var budget = "unbounded"
	if stats.Budget > 0 {
		budget = humanize.IBytes(uint64(stats.Budget))
	}
	fmt.Printf("Cache: %d ready (%s of %s), %d fetching, %d failed\n",
		stats.Ready, humanize.IBytes(uint64(stats.SizeBytes)), budget,
		stats.Fetching, stats.Failed)

	return nil
}

func indexRow(file string) []string {
	var artifact = index.ArtifactPath(file)

	var x, err = index.Load(artifact)
	if err != nil {
		log.WithFields(log.Fields{"file": file, "err": err}).Warn("failed to load index artifact")
		return []string{file, "-", "-", "-", "-"}
	}

	var size = "-"
	if info, err := os.Stat(artifact); err == nil {
		size = humanize.IBytes(uint64(info.Size()))
	}

	var stale = "no"
	if fp, err := index.TakeFingerprint(file); err != nil || !fp.Matches(x.Source.Fingerprint) {
		stale = "yes"
	}

	return []string{
		file,
		fmt.Sprintf("%d", x.Len()),
		size,
		humanize.Time(time.Unix(0, x.Source.Fingerprint.ModTime)),
		stale,
	}
}
