package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/BadgerOps/lansync/internal/netinfo"
	"github.com/BadgerOps/lansync/internal/scan"
	"github.com/spf13/cobra"
)

var scanPort int

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Sweep the local /24 for peers",
		Long: `Probe every address in the local /24 for a lansync node and print the
ones that answer. Hits are remembered in the known peer store.`,
		Example: `  lansync scan
  lansync scan --port 3001`,
		Args: cobra.NoArgs,
		RunE: scanRun,
	}

	cmd.Flags().IntVar(&scanPort, "port", 0, "peer port to probe (default from config)")

	return cmd
}

func scanRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	port := globalCfg.Scan.Port
	if scanPort > 0 {
		port = scanPort
	}

	ip, err := netinfo.LocalIPv4()
	if err != nil {
		return fmt.Errorf("cannot determine network range: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	scanner := scan.NewScanner(scan.Options{
		Port:         port,
		Workers:      globalCfg.Scan.Workers,
		ProbeTimeout: globalCfg.Scan.ProbeTimeout,
		BatchTimeout: globalCfg.Scan.BatchTimeout,
	}, logger)

	log.Info("scanning", "local_ip", ip.String(), "port", port)
	res, err := scanner.Scan(ctx, ip.String())
	if err != nil {
		return err
	}

	rememberPeers(res.Found)

	fmt.Printf("Scanned %s\n\n", res.Range)
	if len(res.Found) == 0 {
		fmt.Println("No peers found.")
		return nil
	}
	printPeers(res.Found)
	return nil
}
