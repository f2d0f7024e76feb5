package stacksctlcmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/instbooks/stacks/archive"
	mbp "github.com/instbooks/stacks/mainboilerplate"
)

type cmdCacheClear struct {
	Ask bool `long:"ask" description:"Confirm each cache entry before removing it"`
}

func init() {
	CommandRegistry.AddCommand("cache", "clear", "Remove cached archive bundles", `
Clear removes ready and failed entries from the local archive cache,
freeing their content. Entries currently being fetched, or held open by
another process, are left in place. A later request for a cleared key
triggers exactly one re-fetch.
`, &cmdCacheClear{})
}

func (cmd *cmdCacheClear) Execute([]string) error {
	startup()

	var manager, err = newCacheManager()
	mbp.Must(err, "failed to open cache")

	var confirm func(archive.CacheEntry) bool
	if cmd.Ask {
		var stdin = bufio.NewReader(os.Stdin)
		confirm = func(entry archive.CacheEntry) bool {
			fmt.Printf("Remove %s (%s)? [y/N]: ", entry.Key, humanize.IBytes(uint64(entry.Size)))
			var line, _ = stdin.ReadString('\n')
			return strings.HasPrefix(strings.TrimSpace(strings.ToLower(line)), "y")
		}
	}

	removed, err := manager.Clear(context.Background(), confirm)
	mbp.Must(err, "failed to clear cache")

	log.WithField("removed", removed).Info("cleared cache")
	fmt.Printf("Removed %d cache entries.\n", removed)
	return nil
}
