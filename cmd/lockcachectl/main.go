// Command lockcachectl is a minimal administrative front-end over a
// configured lockcache.Cache, grounded on matgreaves-rig/cmd/rig/main.go's
// os.Args-switch dispatch (no flag-parsing framework).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/opendap-go/bescache/lockcache"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "stat":
		if err := runStat(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "lockcachectl stat: %v\n", err)
			os.Exit(1)
		}
	case "purge":
		if err := runPurge(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "lockcachectl purge: %v\n", err)
			os.Exit(1)
		}
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "lockcachectl: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: lockcachectl <command> [args]

Commands:
  stat  <dir> <prefix>            Print cache accounting as JSON
  purge <dir> <prefix> <size-mb>  Force an update-and-purge pass
`)
}

func runStat(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: stat <dir> <prefix>")
	}
	c := lockcache.NewCache(args[0], args[1], 0)
	defer c.Close()

	stats, err := c.Stats()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func runPurge(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: purge <dir> <prefix> <size-mb>")
	}
	sizeMB, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("parse size-mb: %w", err)
	}

	c := lockcache.NewCache(args[0], args[1], sizeMB)
	defer c.Close()

	if err := c.LockWrite(); err != nil {
		return err
	}
	defer c.UnlockCache()

	return c.UpdateAndPurge("")
}
