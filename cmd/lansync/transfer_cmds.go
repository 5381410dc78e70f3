package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/BadgerOps/lansync/internal/client"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	pushPath    string
	pullPath    string
	pullDest    string
	transferTTL time.Duration
)

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push PEER FILE...",
		Short: "Upload files to a peer",
		Long: `Upload local files to a peer. Each upload carries the local modification
time, and the peer keeps its own copy when that copy is at least as new.

PEER is an address ("192.168.1.20", "192.168.1.20:3001") or a base URL.`,
		Example: `  lansync push 192.168.1.20 notes.txt photo.jpg
  lansync push 192.168.1.20 report.pdf --path /sdcard/Documents`,
		Args: cobra.MinimumNArgs(2),
		RunE: pushRun,
	}

	cmd.Flags().StringVar(&pushPath, "path", "", "directory on the peer (default: the peer's shared directory)")
	cmd.Flags().DurationVar(&transferTTL, "timeout", 10*time.Minute, "timeout for each transfer")

	return cmd
}

func pushRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	c, err := newPeerClient(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var failed int
	for _, path := range args[1:] {
		res, err := c.Push(ctx, path, pushPath)
		if err != nil {
			log.Error("push failed", "file", path, "error", err)
			failed++
			continue
		}
		fmt.Printf("%-40s %10s  %s\n", res.Filename, humanize.Bytes(uint64(res.Size)), res.Message)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(args)-1)
	}
	return nil
}

func newPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull PEER FILENAME...",
		Short: "Download files from a peer",
		Long: `Download files from a peer into a local directory. A file is only fetched
when the peer's copy is newer than the local one, and the downloaded file
keeps the peer's modification time.`,
		Example: `  lansync pull 192.168.1.20 notes.txt
  lansync pull 192.168.1.20 report.pdf --path /sdcard/Documents --dest ~/Downloads`,
		Args: cobra.MinimumNArgs(2),
		RunE: pullRun,
	}

	cmd.Flags().StringVar(&pullPath, "path", "", "directory on the peer (default: the peer's shared directory)")
	cmd.Flags().StringVar(&pullDest, "dest", ".", "local directory to write into")
	cmd.Flags().DurationVar(&transferTTL, "timeout", 10*time.Minute, "timeout for each transfer")

	return cmd
}

func pullRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	c, err := newPeerClient(args[0])
	if err != nil {
		return err
	}
	if err := os.MkdirAll(pullDest, 0o755); err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var failed int
	for _, name := range args[1:] {
		res, err := c.Pull(ctx, name, pullPath, pullDest)
		switch {
		case errors.Is(err, client.ErrNotFound):
			fmt.Printf("%-40s %10s  not found on peer\n", name, "-")
			failed++
		case err != nil:
			log.Error("pull failed", "file", name, "error", err)
			failed++
		case res.UpToDate:
			fmt.Printf("%-40s %10s  up to date\n", name, "-")
		default:
			fmt.Printf("%-40s %10s  modified %s\n", res.Path, humanize.Bytes(uint64(res.Size)), humanize.Time(res.ModTime))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(args)-1)
	}
	return nil
}

func newPeerClient(arg string) (*client.Client, error) {
	port := 3000
	if globalCfg != nil {
		port = globalCfg.Scan.Port
	}
	baseURL, err := peerBaseURL(arg, port)
	if err != nil {
		return nil, err
	}
	return client.New(baseURL, transferTTL, logger)
}
