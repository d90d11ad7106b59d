// Copyright 2025 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Crabload bulk-loads and inspects a crabtree image, the way the
// teacher's mptload loaded keys into a Merkle-Patricia-Trie image,
// generalized to a proper command tree since a B-tree has more than one
// thing worth doing to it from the shell.
package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"crabtree.dev/crabtree"
	"crabtree.dev/crabtree/internal/pmem"
)

const defaultBlockSize = 4096

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "crabload",
		Short: "Bulk-load and inspect a crabtree image",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every block read/write")

	root.AddCommand(
		newLoadCmd(&verbose),
		newGetCmd(&verbose),
		newRangeCmd(&verbose),
		newStatsCmd(&verbose),
	)
	return root
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// openTree opens (or creates, if absent) a two-file pmem image at the
// given path pair and wraps it in a Tree with the given block size.
func openTree(file1, file2 string, blockSize int, log *zap.Logger) (*crabtree.Tree, *pmem.Mem, error) {
	f1, err := os.OpenFile(file1, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", file1, err)
	}
	f2, err := os.OpenFile(file2, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		f1.Close()
		return nil, nil, fmt.Errorf("open %s: %w", file2, err)
	}

	mem, err := pmem.Open("crabtree", f1, f2, nil)
	if err != nil {
		mem, err = pmem.Create("crabtree", f1, f2, nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open pmem image: %w", err)
	}
	mem.SetLogger(log)

	cache := crabtree.NewPMemCache(mem, blockSize, log)
	root := crabtree.NewRootHolder()
	tree, err := crabtree.New(crabtree.Options{Cache: cache, Root: root, Log: log})
	if err != nil {
		return nil, nil, err
	}
	return tree, mem, nil
}

func newLoadCmd(verbose *bool) *cobra.Command {
	var blockSize int

	cmd := &cobra.Command{
		Use:   "load db1 db2 keys.txt",
		Short: "Hash each line of keys.txt into a key and insert it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)
			tree, mem, err := openTree(args[0], args[1], blockSize, log)
			if err != nil {
				return err
			}
			defer mem.Release()

			f, err := os.Open(args[2])
			if err != nil {
				return err
			}
			defer f.Close()

			n := 0
			sc := bufio.NewScanner(f)
			sc.Buffer(make([]byte, 64*1024), 1<<20)
			for sc.Scan() {
				h := sha256.Sum256(sc.Bytes())
				var key crabtree.Key
				copy(key[:], h[:crabtree.KeySize])

				var c crabtree.Cursor
				if err := tree.Insert(key, len(h), &c); err != nil {
					if err == crabtree.ErrExists {
						continue
					}
					return err
				}
				copy(c.Val, h[:])
				c.Release()

				n++
				if n%1_000_000 == 0 {
					log.Sugar().Infof("loaded %d", n)
				}
			}
			if err := sc.Err(); err != nil {
				return err
			}

			cmd.Printf("loaded %d keys\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&blockSize, "block-size", defaultBlockSize, "tree block size in bytes")
	return cmd
}

func newGetCmd(verbose *bool) *cobra.Command {
	var blockSize int

	cmd := &cobra.Command{
		Use:   "get db1 db2 hexkey",
		Short: "Look up a single key and print its value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)
			tree, mem, err := openTree(args[0], args[1], blockSize, log)
			if err != nil {
				return err
			}
			defer mem.Release()

			key, err := parseKey(args[2])
			if err != nil {
				return err
			}

			var c crabtree.Cursor
			if err := tree.Lookup(key, &c); err != nil {
				return err
			}
			defer c.Release()
			cmd.Printf("seq=%d val=%x\n", c.Seq, c.Val)
			return nil
		},
	}
	cmd.Flags().IntVar(&blockSize, "block-size", defaultBlockSize, "tree block size in bytes")
	return cmd
}

func newRangeCmd(verbose *bool) *cobra.Command {
	var blockSize int
	var since uint64

	cmd := &cobra.Command{
		Use:   "range db1 db2 hexfirst hexlast",
		Short: "Iterate keys in [first, last], optionally filtered by --since",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)
			tree, mem, err := openTree(args[0], args[1], blockSize, log)
			if err != nil {
				return err
			}
			defer mem.Release()

			first, err := parseKey(args[2])
			if err != nil {
				return err
			}
			last, err := parseKey(args[3])
			if err != nil {
				return err
			}

			var c crabtree.Cursor
			n := 0
			for {
				var err error
				if since > 0 {
					err = tree.Since(first, last, since, &c)
				} else {
					err = tree.Next(first, last, &c)
				}
				if err == crabtree.ErrNotFound {
					break
				}
				if err != nil {
					return err
				}
				cmd.Printf("%s seq=%d val=%x\n", c.Key, c.Seq, c.Val)
				n++
			}
			cmd.Printf("%d items\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&blockSize, "block-size", defaultBlockSize, "tree block size in bytes")
	cmd.Flags().Uint64Var(&since, "since", 0, "only show items with seq >= this value")
	return cmd
}

func newStatsCmd(verbose *bool) *cobra.Command {
	var blockSize int

	cmd := &cobra.Command{
		Use:   "stats db1 db2",
		Short: "Print the tree's height and block size",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(*verbose)
			tree, mem, err := openTree(args[0], args[1], blockSize, log)
			if err != nil {
				return err
			}
			defer mem.Release()

			cmd.Printf("height=%d blockSize=%d\n", tree.Height(), tree.BlockSize())
			return nil
		},
	}
	cmd.Flags().IntVar(&blockSize, "block-size", defaultBlockSize, "tree block size in bytes")
	return cmd
}

func parseKey(hexkey string) (crabtree.Key, error) {
	var key crabtree.Key
	b, err := hex.DecodeString(hexkey)
	if err != nil || len(b) != crabtree.KeySize {
		return key, fmt.Errorf("invalid key %q: want %d hex bytes", hexkey, crabtree.KeySize)
	}
	copy(key[:], b)
	return key, nil
}
