// Command petrostore is a small inspector CLI over the storage core: it
// opens a page file, wires a buffer pool and B+ tree index on top of it,
// and offers subcommands to insert/get/scan keys and print buffer-pool and
// lock-manager metrics. It stands in for "the executor layer" only far
// enough to exercise the core end-to-end; it does not implement query
// planning, binding, or physical operators.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRootCmd assembles the full command tree. Every subcommand opens its
// own app over --db at the start of its RunE and closes it via a deferred
// call, so no engine state outlives a single invocation.
func buildRootCmd() *cobra.Command {
	var dbPath string
	var poolSize, replacerK int
	var deadlockInterval time.Duration

	root := &cobra.Command{
		Use:   "petrostore",
		Short: "Inspect and exercise the petro storage core",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "petro.db", "path to the backing page file")
	root.PersistentFlags().IntVar(&poolSize, "pool-size", 64, "number of frames in the buffer pool")
	root.PersistentFlags().IntVar(&replacerK, "replacer-k", 2, "k for the LRU-K replacer")
	root.PersistentFlags().DurationVar(&deadlockInterval, "deadlock-interval", 50*time.Millisecond, "how often to scan for lock wait-for cycles")

	open := func() (*app, error) { return openApp(dbPath, poolSize, replacerK, deadlockInterval) }

	insertCmd := &cobra.Command{
		Use:   "insert <key> <value>",
		Short: "Insert a key/value pair into the index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("key must be an integer: %w", err)
			}

			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			inserted, err := a.tree.Insert(key, args[1])
			if err != nil {
				return err
			}
			if !inserted {
				return fmt.Errorf("key %d already exists", key)
			}
			fmt.Printf("inserted %d -> %q\n", key, args[1])
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Look up a key in the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("key must be an integer: %w", err)
			}

			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			value, found, err := a.tree.GetValue(key)
			if err != nil {
				return err
			}
			if !found {
				fmt.Printf("%d: not found\n", key)
				return nil
			}
			fmt.Printf("%d -> %q\n", key, value)
			return nil
		},
	}

	scanCmd := &cobra.Command{
		Use:   "scan <start> <stop>",
		Short: "List the value of every key in [start, stop]",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("start must be an integer: %w", err)
			}
			stop, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("stop must be an integer: %w", err)
			}

			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			values, err := a.tree.GetKeyRange(start, stop)
			if err != nil {
				return err
			}
			for _, v := range values {
				fmt.Println(v)
			}
			return nil
		},
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump the index as a Graphviz digraph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			dot, err := a.tree.ToGraphviz()
			if err != nil {
				return err
			}
			fmt.Print(dot)
			return nil
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop every page in the index, leaving it empty",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.tree.Drop()
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print buffer-pool and lock-manager counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			printStats(a)
			return nil
		},
	}

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a scripted transaction that acquires locks, writes, and aborts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			return runDemo(a)
		},
	}

	root.AddCommand(insertCmd, getCmd, scanCmd, inspectCmd, resetCmd, statsCmd, demoCmd)
	return root
}
