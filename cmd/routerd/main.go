// Command routerd is the thin, optional process surface spec.md section 6
// describes ("exposed by a thin CLI; the core itself has none"): a cobra
// command tree, grounded on the teacher's cmd/synnergy and cmd/cli/network.go,
// that loads configuration, generates router identities, boots the
// Transports black box, and offers read-only introspection over the
// on-disk netDb. Wiring a full router (netDb + tunnel pool + garlic +
// streaming against real peers) additionally needs an address book mapping
// router identity hashes to transport peer IDs, which spec.md section 1
// names as an out-of-core, client-facing collaborator, so `run` only brings
// up the transport layer.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"i2p-router/netdb"
	"i2p-router/pkg/config"
	"i2p-router/transport"
)

var rootCmd = &cobra.Command{
	Use:   "routerd",
	Short: "I2P router core: identity, configuration, and transport bring-up",
}

func main() {
	rootCmd.AddCommand(versionCmd, identityCmd, configCmd, runCmd, netdbCmd, tunnelsCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

const version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the router core version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), version)
		return nil
	},
}

var identityOut string

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "generate a fresh router identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		id, signPriv, encPriv, err := netdb.GenerateIdentity()
		if err != nil {
			return fmt.Errorf("generate identity: %w", err)
		}
		id = netdb.WithECIESCert(id)
		hash := id.Hash()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "hash:           %x\n", hash[:])
		fmt.Fprintf(out, "signing pub:    %x\n", []byte(id.SigningPublicKey))
		fmt.Fprintf(out, "encryption pub: %x\n", id.EncryptionPublicKey[:])
		if identityOut != "" {
			blob := append(append([]byte{}, signPriv...), encPriv[:]...)
			if err := os.WriteFile(identityOut, blob, 0600); err != nil {
				return fmt.Errorf("write identity file: %w", err)
			}
			fmt.Fprintf(out, "private keys written to %s\n", identityOut)
		}
		return nil
	},
}

func init() {
	identityCmd.Flags().StringVar(&identityOut, "out", "", "path to write the signing+encryption private keys")
}

var configEnv string
var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "load and print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configEnv)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		out := cmd.OutOrStdout()
		if configFormat == "yaml" {
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		}
		fmt.Fprintf(out, "network.listen_addr:       %s\n", cfg.Network.ListenAddr)
		fmt.Fprintf(out, "network.clock_skew_ms:     %d\n", cfg.Network.ClockSkewMS)
		fmt.Fprintf(out, "transit.accept_tunnels:    %t\n", cfg.Transit.AcceptTunnels)
		fmt.Fprintf(out, "transit.max_transit:       %d\n", cfg.Transit.MaxTransitTunnels)
		fmt.Fprintf(out, "netdb.is_floodfill:        %t\n", cfg.NetDB.IsFloodfill)
		fmt.Fprintf(out, "netdb.min_routers:         %d\n", cfg.NetDB.MinRouters)
		fmt.Fprintf(out, "netdb.storage_path:        %s\n", cfg.NetDB.StoragePath)
		fmt.Fprintf(out, "tunnels.in/out len:        %d/%d\n", cfg.Tunnels.InLength, cfg.Tunnels.OutLength)
		fmt.Fprintf(out, "tunnels.in/out qty:        %d/%d\n", cfg.Tunnels.InQuantity, cfg.Tunnels.OutQuantity)
		fmt.Fprintf(out, "streaming.mtu:             %d\n", cfg.Streaming.MTU)
		fmt.Fprintf(out, "garlic.session_timeout_ms: %d\n", cfg.Garlic.SessionTimeoutMS)
		return nil
	},
}

func init() {
	configCmd.Flags().StringVar(&configEnv, "env", "", "named config overlay to merge on top of defaults")
	configCmd.Flags().StringVar(&configFormat, "format", "text", "output format: text or yaml")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "bring up the transport node and block until signaled",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("listen", "", "override network.listen_addr")
	runCmd.Flags().StringVar(&configEnv, "env", "", "named config overlay to merge on top of defaults")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configEnv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Network.ListenAddr = listen
	}

	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}

	node, err := transport.NewNode(transport.Config{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	}, log)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "transport started, peer id %s\n", node.ID())
	for _, a := range node.Addrs() {
		fmt.Fprintf(out, "  %s\n", a)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return node.Close()
}

var netdbCmd = &cobra.Command{
	Use:   "netdb",
	Short: "inspect the on-disk netDb",
}

var netdbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "load the persisted netDb and report router/floodfill counts",
	Args:  cobra.NoArgs,
	RunE:  runNetdbStats,
}

func init() {
	netdbStatsCmd.Flags().StringVar(&configEnv, "env", "", "named config overlay to merge on top of defaults")
	netdbCmd.AddCommand(netdbStatsCmd)
}

func runNetdbStats(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configEnv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	storage, err := netdb.NewFileStorage(cfg.NetDB.StoragePath)
	if err != nil {
		return fmt.Errorf("open netdb storage: %w", err)
	}

	db := netdb.New(netdb.Config{
		IsFloodfill:  cfg.NetDB.IsFloodfill,
		MinFloodfill: cfg.NetDB.MinFloodfill,
		MinRouters:   0, // a one-shot inspection never needs to reseed
	}, storage, nil, logrus.StandardLogger())

	loaded, err := db.LoadPersisted()
	if err != nil {
		return fmt.Errorf("load netdb: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "storage path:    %s\n", storage.Path())
	fmt.Fprintf(out, "loaded entries:  %d\n", loaded)
	fmt.Fprintf(out, "routers:         %d\n", db.RouterCount())
	fmt.Fprintf(out, "floodfills:      %d\n", db.FloodfillCount())
	return nil
}

var tunnelsCmd = &cobra.Command{
	Use:   "tunnels",
	Short: "inspect tunnel state",
}

var tunnelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "list active tunnels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), "no tunnel state to report: tunnels are held in-memory by a running")
		fmt.Fprintln(cmd.OutOrStdout(), "'routerd run' process and are not persisted, so a separate CLI invocation")
		fmt.Fprintln(cmd.OutOrStdout(), "has nothing on disk to read. Query a live process's tunnel.Pool directly")
		fmt.Fprintln(cmd.OutOrStdout(), "if embedding this core rather than running it standalone.")
		return nil
	},
}

func init() {
	tunnelsCmd.AddCommand(tunnelsListCmd)
}
