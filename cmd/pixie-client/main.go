// Command pixie-client is a reference Go implementation of the polling
// client: register once, then repeatedly
// poll for the assigned curr_action and drive pkg/diskengine against a
// real block device. The real fleet runs this loop inside a UEFI
// cooperative scheduler; here it's an idiomatic blocking poll loop.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/olimpiadi-informatica/pixie/pkg/diskengine"
	"github.com/olimpiadi-informatica/pixie/pkg/fleet"
	"github.com/olimpiadi-informatica/pixie/pkg/tcptransport"
	"github.com/olimpiadi-informatica/pixie/pkg/wire"
)

var pollInterval = time.Second

func main() {
	log := hclog.New(&hclog.LoggerOptions{Name: "pixie-client", Level: hclog.Info})

	root := &cobra.Command{
		Use:   "pixie-client",
		Short: "Poll a Pixie fleet server and drive disk push/pull actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			diskPath, _ := cmd.Flags().GetString("disk")
			macStr, _ := cmd.Flags().GetString("mac")
			group, _ := cmd.Flags().GetUint8("group")
			row, _ := cmd.Flags().GetUint8("row")
			col, _ := cmd.Flags().GetUint8("col")

			mac, err := parseMAC(macStr)
			if err != nil {
				return err
			}

			disk, err := os.OpenFile(diskPath, os.O_RDWR, 0)
			if err != nil {
				return fmt.Errorf("open disk: %w", err)
			}
			defer disk.Close()

			return run(log, server, mac, group, row, col, diskengine.FileDisk{File: disk})
		},
	}
	root.Flags().String("server", "127.0.0.1:6969", "pixie-server TCP address")
	root.Flags().String("disk", "", "block device path to scan/flash")
	root.Flags().String("mac", "", "this unit's MAC address")
	root.Flags().Uint8("group", 0, "fleet group ID")
	root.Flags().Uint8("row", 0, "rack row")
	root.Flags().Uint8("col", 0, "rack column")
	_ = root.MarkFlagRequired("disk")
	_ = root.MarkFlagRequired("mac")

	if err := root.Execute(); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func parseMAC(s string) ([6]byte, error) {
	var out [6]byte
	mac, err := net.ParseMAC(s)
	if err != nil || len(mac) != 6 {
		return out, fmt.Errorf("invalid mac %q", s)
	}
	copy(out[:], mac)
	return out, nil
}

func run(log hclog.Logger, serverAddr string, mac [6]byte, group, row, col uint8, disk diskengine.Disk) error {
	tcp, err := tcptransport.Dial(serverAddr)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	defer tcp.Close()

	staticIP, err := tcp.Register(mac, group, row, col)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	log.Info("registered", "static_ip", staticIP)

	serverHost, _, err := net.SplitHostPort(serverAddr)
	if err != nil {
		serverHost = serverAddr
	}

	engine := &diskengine.Engine{Disk: disk, TCP: tcp, Log: log.Named("diskengine"), MAC: mac}

	for {
		resp, err := tcp.Poll(mac, 0, "")
		if err != nil {
			log.Warn("poll failed", "error", err)
			time.Sleep(pollInterval)
			continue
		}

		if err := dispatchAction(log, engine, tcp, serverHost, mac, resp); err != nil {
			log.Warn("action failed", "error", err)
			_ = tcp.ActionComplete(mac, err.Error())
			time.Sleep(pollInterval)
			continue
		}

		time.Sleep(pollInterval)
	}
}

// dispatchAction runs the unit's curr_action to completion and reports
// back via ActionComplete. wait does nothing and reports nothing;
// register and reboot are acknowledged with ActionComplete only.
func dispatchAction(log hclog.Logger, engine *diskengine.Engine, tcp *tcptransport.Client, serverHost string, mac [6]byte, resp wire.PollResponse) error {
	switch fleet.ActionKind(resp.ActionKind) {
	case fleet.ActionWait:
		return nil
	case fleet.ActionRegister:
		return tcp.ActionComplete(mac, "")
	case fleet.ActionReboot:
		log.Info("reboot requested")
		return tcp.ActionComplete(mac, "")
	case fleet.ActionPush:
		log.Info("pushing disk", "image", resp.Image)
		if _, err := engine.Push(resp.Image, 0, nil); err != nil {
			return err
		}
		return tcp.ActionComplete(mac, "")
	case fleet.ActionPull:
		log.Info("pulling disk", "image", resp.Image)
		conn, err := net.ListenUDP("udp", &net.UDPAddr{})
		if err != nil {
			return err
		}
		defer conn.Close()

		serverAddr := &net.UDPAddr{IP: net.ParseIP(serverHost), Port: int(resp.ChunksPort)}
		if err := engine.Pull(resp.Image, conn, serverAddr); err != nil {
			return err
		}
		log.Info("pull complete", "chunks_fetched", engine.ChunksFetched)
		return tcp.ActionComplete(mac, "")
	default:
		return nil
	}
}
