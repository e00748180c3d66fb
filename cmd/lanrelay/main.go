// lanrelay is the CLI entrypoint wiring the capture adapter, relay
// client, userspace stack, and proxy gateway into a running process.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lanrelay/gwcore/internal/capture"
	"github.com/lanrelay/gwcore/internal/config"
	"github.com/lanrelay/gwcore/internal/gateway"
	"github.com/lanrelay/gwcore/internal/netstack"
	"github.com/lanrelay/gwcore/internal/proxy"
	"github.com/lanrelay/gwcore/internal/relay"
	"github.com/lanrelay/gwcore/internal/xlog"
)

var log = xlog.New("lanrelay")

func main() {
	root := &cobra.Command{
		Use:   "lanrelay",
		Short: "LAN-tunneling gateway for LAN-only multiplayer consoles",
		RunE:  run,
	}

	flags := root.Flags()
	flags.String("gateway-ip", config.DefaultGatewayIP, "gateway IP assigned to the virtual NIC")
	flags.Int("prefix-len", config.DefaultPrefixLen, "CIDR prefix length of the virtual LAN segment")
	flags.String("iface", "", "name of the physical link to capture on")
	flags.String("bpf", "", "BPF filter string; defaults to the CIDR-derived filter when empty")
	flags.String("proxy", "direct://", "proxy URL: direct://, socks5://[user:pass@]host:port, or ss://...")
	flags.String("relay", "", "relay server address, host:port")
	flags.Bool("verbose", false, "enable debug logging")

	viper.BindPFlags(flags)
	viper.SetEnvPrefix("lanrelay")
	viper.AutomaticEnv()

	if err := root.Execute(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	xlog.SetVerbose(viper.GetBool("verbose"))

	cidr, err := config.ParseCIDR(viper.GetString("gateway-ip"), viper.GetInt("prefix-len"))
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ifaceName := viper.GetString("iface")
	if ifaceName == "" {
		return fmt.Errorf("configuration error: --iface is required")
	}
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return fmt.Errorf("configuration error: resolve interface %s: %w", ifaceName, err)
	}
	var srcMAC [6]byte
	copy(srcMAC[:], iface.HardwareAddr)

	bpf := viper.GetString("bpf")
	if bpf == "" {
		bpf = cidr.BPFFilter()
	}

	prx, err := proxy.Parse(viper.GetString("proxy"))
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	relayAddr := viper.GetString("relay")
	if relayAddr == "" {
		return fmt.Errorf("configuration error: --relay is required")
	}

	relayClient, err := relay.Dial(relayAddr)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if err := relayClient.Ping(); err != nil {
		return fmt.Errorf("configuration error: relay handshake: %w", err)
	}
	log.Infof("relay handshake with %s succeeded", relayAddr)

	adapter, err := capture.Open(ifaceName, bpf, config.CpuRXProcessing, config.CpuTXProcessing)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	defer adapter.Close()

	stack, linkEP, err := netstack.New(cidr, config.DefaultMTU)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	stats := gateway.NewStats()
	relayClient.SetCounters(stats)

	ic := relay.NewIntercepter(cidr, relayClient, stats)
	pump := netstack.NewPump(adapter, linkEP, ic, srcMAC)

	stop := make(chan struct{})
	relayClient.RegisterFanout(pump.Inject)
	go relayClient.Run(stop)

	ctx, cancel := context.WithCancel(context.Background())
	go pump.Run(ctx)

	reactor := netstack.NewReactor()
	accepted := netstack.ListenTCP(stack, reactor)
	demux := netstack.ListenUDP(stack, reactor)

	gw, err := gateway.New(stats, accepted, demux, prx)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	statsTicker := time.NewTicker(30 * time.Second)
	defer statsTicker.Stop()
	go func() {
		for range statsTicker.C {
			gw.Stats.Print()
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	gwErr := make(chan error, 1)
	go func() { gwErr <- gw.Run() }()

	select {
	case <-sigc:
		log.Infof("shutting down")
	case err := <-gwErr:
		log.Errorf("gateway collapsed: %v", err)
	}

	close(stop)
	cancel()
	return nil
}
