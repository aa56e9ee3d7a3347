package main

import (
	"flag"
	"fmt"
	"os"

	"campfire/engine/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing replay bundles")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		fmt.Printf("%s (schema %d)\n", entry.BundlePath, entry.Header.SchemaVersion)
		if entry.Header.RunID != "" {
			fmt.Printf("  run: %s\n", entry.Header.RunID)
		}
		fmt.Printf("  max players: %d\n", entry.Header.MaxPlayers)
		fmt.Printf("  empty ticks: %s\n", entry.Header.EmptyTicks)
		fmt.Printf("  change sets: %s\n", entry.DataPath)
	}
}
