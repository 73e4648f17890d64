// netstackd runs the userspace network stack over tap interfaces described
// by a yaml configuration file
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SlopLabs/netstack/config"
	"github.com/SlopLabs/netstack/link/sniffer"
	"github.com/SlopLabs/netstack/link/tundev"
	"github.com/SlopLabs/netstack/network/arp"
	"github.com/SlopLabs/netstack/network/ipv4"
	"github.com/SlopLabs/netstack/socket"
	"github.com/SlopLabs/netstack/stack"
	"github.com/SlopLabs/netstack/transport/tcp"
	"github.com/SlopLabs/netstack/transport/udp"
	"github.com/SlopLabs/netstack/types"
)

var (
	configPath  string
	udpEchoPort uint16
)

var rootCmd = &cobra.Command{
	Use:          "netstackd",
	Short:        "userspace tcp/ip stack over tap devices",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "netstack.yaml", "configuration file")
	rootCmd.PersistentFlags().Uint16Var(&udpEchoPort, "udp-echo", 0, "run a udp echo responder on this port (0 disables)")
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	s := stack.New(
		[]string{ipv4.ProtocolName, arp.ProtocolName},
		[]string{udp.ProtocolName, tcp.ProtocolName},
	)

	var taps []*tundev.Device
	defer func() {
		for _, dev := range taps {
			dev.Close()
		}
	}()

	for _, iface := range cfg.Interfaces {
		tap, err := tundev.New(iface.Name, iface.LinkAddress, s.Pool())
		if err != nil {
			return fmt.Errorf("interface %q: %w", iface.Name, err)
		}
		taps = append(taps, tap)

		var dev types.Device = tap
		if iface.Sniff {
			dev = sniffer.New(dev)
		}

		if err := s.CreateDevice(iface.ID, dev); err != nil {
			return fmt.Errorf("interface %q: %v", iface.Name, err)
		}
		if err := s.EnableDevice(iface.ID); err != nil {
			return fmt.Errorf("interface %q: %v", iface.Name, err)
		}
		for _, addr := range iface.Addresses {
			if err := s.AddAddress(iface.ID, ipv4.ProtocolNumber, addr); err != nil {
				return fmt.Errorf("interface %q address: %v", iface.Name, err)
			}
		}
		if err := s.AddAddress(iface.ID, arp.ProtocolNumber, arp.ProtocolAddress); err != nil {
			return fmt.Errorf("interface %q arp: %v", iface.Name, err)
		}

		log.Printf("interface %q up, device %d, mtu %d", iface.Name, iface.ID, tap.MTU())
	}

	s.SetRouteTable(cfg.Routes)
	log.Printf("%d routes installed", len(cfg.Routes))

	sockets := socket.NewTable(s)
	if udpEchoPort != 0 {
		if err := startUDPEcho(sockets, udpEchoPort); err != nil {
			return fmt.Errorf("udp echo: %v", err)
		}
		log.Printf("udp echo responder on port %d", udpEchoPort)
	}

	// The periodic tick drives every timer in the stack
	ticker := time.NewTicker(stack.TickDuration)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			s.Tick()
		case sig := <-sigCh:
			log.Printf("received %v, shutting down", sig)
			for _, iface := range cfg.Interfaces {
				s.RemoveDevice(iface.ID)
			}
			return nil
		}
	}
}

// startUDPEcho binds a datagram socket and echoes every datagram back to
// its sender
func startUDPEcho(sockets *socket.Table, port uint16) error {
	h, err := sockets.Open(socket.Datagram)
	if err != nil {
		return err
	}
	if err := sockets.Bind(h, types.FullAddress{Port: port}); err != nil {
		sockets.Close(h)
		return err
	}

	go func() {
		for {
			v, from, err := sockets.ReceiveFrom(h)
			if err != nil {
				log.Printf("udp echo receive: %v", err)
				return
			}
			if _, err := sockets.SendTo(h, v, from); err != nil {
				log.Printf("udp echo send: %v", err)
			}
		}
	}()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
