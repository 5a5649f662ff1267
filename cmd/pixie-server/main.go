// Command pixie-server runs the fleet's chunk store, image registry,
// UDP/TCP transports, and HTTP/WebSocket admin control plane as one
// process, started as an errgroup of independent tasks (UDP receive,
// UDP send, TCP accept loop, HTTP, GC tick, hint broadcaster).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/olimpiadi-informatica/pixie/pkg/chunkstore"
	"github.com/olimpiadi-informatica/pixie/pkg/config"
	"github.com/olimpiadi-informatica/pixie/pkg/control"
	"github.com/olimpiadi-informatica/pixie/pkg/fleet"
	"github.com/olimpiadi-informatica/pixie/pkg/image"
	"github.com/olimpiadi-informatica/pixie/pkg/tcptransport"
	"github.com/olimpiadi-informatica/pixie/pkg/udpserver"
)

var version = "dev"

func main() {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "pixie-server",
		Level: hclog.Info,
	})

	root := &cobra.Command{
		Use:   "pixie-server",
		Short: "Run the Pixie fleet chunk store, transports, and admin control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			storageRoot, _ := cmd.Flags().GetString("storage-root")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, log, storageRoot)
		},
	}
	root.Flags().String("storage-root", ".", "directory holding chunks.json, images/, registered.json, config.yaml")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
	root.AddCommand(versionCmd)

	if err := root.Execute(); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log hclog.Logger, storageRoot string) error {
	watcher, err := config.NewWatcher(filepath.Join(storageRoot, "config.yaml"), log)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer watcher.Close()
	cfg := watcher.Get()

	root := storageRoot
	if cfg.StorageRoot != "" && cfg.StorageRoot != "." {
		root = cfg.StorageRoot
	}

	store, err := chunkstore.Open(root, log)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	img, err := image.Open(root, store, log)
	if err != nil {
		return fmt.Errorf("open image registry: %w", err)
	}
	fl, err := fleet.NewState(filepath.Join(root, "registered.json"), log)
	if err != nil {
		return fmt.Errorf("open fleet state: %w", err)
	}
	for _, lease := range cfg.StaticLeases {
		mac, err := net.ParseMAC(lease.MAC)
		if err != nil || len(mac) != 6 {
			log.Warn("skipping malformed static lease", "mac", lease.MAC)
			continue
		}
		var arr [6]byte
		copy(arr[:], mac)
		if err := fl.IPs.Bind(arr, lease.IP); err != nil {
			return fmt.Errorf("bind static lease %s: %w", lease.MAC, err)
		}
	}

	groupOf := func(addr *net.UDPAddr) uint8 {
		for _, u := range fl.Snapshot() {
			if u.StaticIP == addr.IP.String() {
				return u.Group
			}
		}
		return 0
	}
	udp := udpserver.NewServer(store, img, fl, cfg.BitsPerSecond, groupOf, log)
	udp.Groups = cfg.GroupIDs()

	tcpSrv := &tcptransport.Server{Store: store, Image: img, Fleet: fl, Log: log.Named("tcptransport")}

	ctl := control.NewServer(fl, img, cfg.GroupIDs(), log)
	ctl.ChunksPort = uint16(cfg.UDPPort)
	ctl.HintPort = uint16(cfg.HintPort)
	ctl.HTTPStatic = filepath.Join(root, "httpstatic")

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.UDPPort})
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	defer udpConn.Close()

	hintAddr, err := resolveHintAddr(cfg.HintDest, cfg.HintPort)
	if err != nil {
		return fmt.Errorf("resolve hint destination: %w", err)
	}

	tcpLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.TCPPort))
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	defer tcpLn.Close()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTPAddr, cfg.HTTPPort),
		Handler: ctl.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return udp.Run(gctx, udpConn, udpConn, hintAddr) })
	g.Go(func() error { return tcpSrv.Serve(gctx, tcpLn) })
	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		select {
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	})
	g.Go(func() error { return gcLoop(gctx, store, log) })

	log.Info("pixie-server started",
		"http", httpSrv.Addr, "tcp_port", cfg.TCPPort, "udp_port", cfg.UDPPort, "hint_dest", hintAddr.String())

	return g.Wait()
}

// gcLoop periodically reclaims chunks whose reference count dropped to
// zero.
func gcLoop(ctx context.Context, store *chunkstore.Store, log hclog.Logger) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := store.GC(); err != nil {
				log.Warn("gc failed", "error", err)
			}
		}
	}
}

func resolveHintAddr(dest string, port int) (*net.UDPAddr, error) {
	if dest == "" {
		dest = "255.255.255.255"
	}
	ip := net.ParseIP(dest)
	if ip == nil {
		return nil, fmt.Errorf("invalid hint_dest %q", dest)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}
