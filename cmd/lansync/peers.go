package main

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/lansync/internal/peer"
	"github.com/BadgerOps/lansync/internal/probe"
	"github.com/BadgerOps/lansync/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newPeersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers remembered from scans and status checks",
		Long: `List the peers stored by earlier scans and status checks, ordered by address.
Use "peers forget" to drop an entry.`,
		Example: `  lansync peers
  lansync peers forget 192.168.1.20
  lansync peers forget 192.168.1.20:3000`,
		RunE: peersListRun,
	}

	cmd.AddCommand(newPeersForgetCmd())

	return cmd
}

func peersListRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	known, err := globalStore.ListKnownPeers()
	if err != nil {
		return fmt.Errorf("listing known peers: %w", err)
	}
	if len(known) == 0 {
		fmt.Println("No known peers.")
		return nil
	}

	fmt.Printf("%-22s %-30s %-10s %-8s %-8s %s\n", "Address", "Name", "Env", "Status", "Source", "Last Seen")
	fmt.Println(strings.Repeat("-", 96))
	for _, k := range known {
		lastSeen := "never"
		if !k.LastSeen.IsZero() {
			lastSeen = humanize.Time(k.LastSeen)
		}
		fmt.Printf("%-22s %-30s %-10s %-8s %-8s %s\n",
			net.JoinHostPort(k.IP, strconv.Itoa(k.Port)),
			truncate(k.Name, 30),
			k.Environment,
			orDash(k.Status),
			k.Source,
			lastSeen,
		)
	}
	return nil
}

func newPeersForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget PEER...",
		Short: "Remove remembered peers",
		Args:  cobra.MinimumNArgs(1),
		RunE:  peersForgetRun,
	}
}

func peersForgetRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	for _, arg := range args {
		host, port, err := splitPeer(arg, globalCfg.Scan.Port)
		if err != nil {
			return err
		}
		if err := globalStore.DeleteKnownPeer(host, port); err != nil {
			return fmt.Errorf("forgetting %s: %w", arg, err)
		}
		fmt.Printf("Forgot %s\n", net.JoinHostPort(host, strconv.Itoa(port)))
	}
	return nil
}

// rememberPeers persists probe results. Failures are logged only.
func rememberPeers(records []peer.Record) {
	if globalStore == nil {
		return
	}
	for _, rec := range records {
		kp := &store.KnownPeer{
			IP:          rec.IP,
			Port:        rec.Port,
			Name:        rec.Name,
			Environment: rec.Environment,
			Directory:   rec.Directory,
			Source:      rec.Source,
			Status:      rec.Status,
		}
		if t, err := time.Parse(time.RFC3339, rec.LastSeen); err == nil && rec.Status == peer.StatusOnline {
			kp.LastSeen = t
		}
		if err := globalStore.UpsertKnownPeer(kp); err != nil {
			slog.Default().Warn("failed to remember peer", "peer", rec.Addr(), "error", err)
		}
	}
}

// printPeers writes a probe result table to stdout.
func printPeers(records []peer.Record) {
	fmt.Printf("%-22s %-30s %-10s %-8s %s\n", "Address", "Name", "Env", "Status", "Directory / Error")
	fmt.Println(strings.Repeat("-", 96))
	for _, r := range records {
		detail := r.Directory
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Printf("%-22s %-30s %-10s %-8s %s\n",
			r.Addr(),
			truncate(r.Name, 30),
			r.Environment,
			orDash(r.Status),
			detail,
		)
	}
}

// splitPeer accepts "ip" or "ip:port".
func splitPeer(arg string, defaultPort int) (string, int, error) {
	host, p, err := net.SplitHostPort(arg)
	if err != nil {
		// No port given.
		if ip := net.ParseIP(arg); ip != nil {
			return ip.String(), defaultPort, nil
		}
		return "", 0, fmt.Errorf("invalid peer %q: want ip or ip:port", arg)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid peer port in %q", arg)
	}
	if net.ParseIP(host) == nil {
		return "", 0, fmt.Errorf("invalid peer address %q", host)
	}
	return host, port, nil
}

// peerBaseURL accepts a full URL, "ip" or "ip:port".
func peerBaseURL(arg string, defaultPort int) (string, error) {
	if strings.Contains(arg, "://") {
		return strings.TrimRight(arg, "/"), nil
	}
	host, port, err := splitPeer(arg, defaultPort)
	if err != nil {
		return "", err
	}
	return probe.BaseURL(host, port), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
