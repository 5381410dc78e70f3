package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/BadgerOps/lansync/internal/peer"
	"github.com/BadgerOps/lansync/internal/scan"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [PEER...]",
		Short: "Check whether peers are online",
		Long: `Probe peers and report whether they are online, refreshing their name,
environment and shared directory. With no arguments every remembered peer
is checked.`,
		Example: `  lansync status
  lansync status 192.168.1.20 192.168.1.31:3001`,
		RunE: statusRun,
	}

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	devices, err := statusTargets(args)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No peers to check. Run \"lansync scan\" or name a peer.")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	checker := scan.NewStatusChecker(globalCfg.Scan.Workers, globalCfg.Scan.ProbeTimeout, globalCfg.Scan.BatchTimeout, logger)
	checked := checker.Check(ctx, devices)

	rememberPeers(checked)
	printPeers(checked)
	return nil
}

// statusTargets turns arguments into records, or loads the known peers.
func statusTargets(args []string) ([]peer.Record, error) {
	if len(args) > 0 {
		devices := make([]peer.Record, 0, len(args))
		for _, arg := range args {
			host, port, err := splitPeer(arg, globalCfg.Scan.Port)
			if err != nil {
				return nil, err
			}
			devices = append(devices, peer.Record{IP: host, Port: port})
		}
		return devices, nil
	}

	if globalStore == nil {
		return nil, nil
	}
	known, err := globalStore.ListKnownPeers()
	if err != nil {
		return nil, fmt.Errorf("listing known peers: %w", err)
	}
	devices := make([]peer.Record, 0, len(known))
	for _, k := range known {
		devices = append(devices, peer.Record{
			Name:        k.Name,
			IP:          k.IP,
			Port:        k.Port,
			Environment: k.Environment,
			Directory:   k.Directory,
		})
	}
	return devices, nil
}
