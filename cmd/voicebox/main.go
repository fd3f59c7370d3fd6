package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tecnosam/voicebox/internal/audio"
	"github.com/tecnosam/voicebox/internal/logger"
	"github.com/tecnosam/voicebox/internal/namr"
	"github.com/tecnosam/voicebox/internal/node"
	"github.com/tecnosam/voicebox/internal/protocol"
)

// portRetries bounds how many successive ports are tried when the requested
// one is in use.
const portRetries = 16

var (
	flagUsername       string
	flagPort           int
	flagHost           string
	flagNamrServers    []string
	flagDebug          bool
	flagPlaintextAudio bool
)

var rootCmd = &cobra.Command{
	Use:  "voicebox",
	Long: "voicebox is a peer to peer voice and text communication node",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.New(flagDebug)

		n, err := startNode(log)
		if err != nil {
			return err
		}
		defer n.Close()

		registry := node.NewRegistry()
		registry.Add(n)

		streamer := audio.NewStreamer(audio.Discard, registry, log)
		if err := streamer.Start(); err != nil {
			return fmt.Errorf("starting microphone stream: %w", err)
		}
		defer streamer.Close()

		var dir *namr.Client
		if len(flagNamrServers) > 0 {
			dir = namr.NewClient(flagNamrServers, log)
			if ok, err := dir.Register(flagUsername, n.Addr()); err != nil {
				log.WithError(err).Warn("Could not reach a namr server")
			} else if !ok {
				log.WithField("username", flagUsername).Warn("Username already taken on namr")
			}
		}

		fmt.Printf("Welcome %s! Others can call you at %s\n", flagUsername, n.Addr())
		runMenu(n, streamer, dir, log)
		return nil
	},
}

// startNode binds the node, retrying successive ports while the requested
// one is in use.
func startNode(log *logrus.Logger) (*node.Node, error) {
	port := flagPort
	for attempt := 0; ; attempt++ {
		n, err := node.New(node.Config{
			Username:            flagUsername,
			Host:                flagHost,
			Port:                port,
			Logger:              log,
			AllowPlaintextAudio: flagPlaintextAudio,
		})
		if err == nil {
			return n, nil
		}
		if attempt >= portRetries {
			return nil, err
		}
		port++
		fmt.Printf("Port in use. Retrying %d...\n", port)
	}
}

func runMenu(n *node.Node, streamer *audio.Streamer, dir *namr.Client, log *logrus.Logger) {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "call", "new_call", "new_chat":
			if len(fields) < 2 {
				fmt.Println("Usage: call <username or ip:port>")
				continue
			}
			call(n, dir, fields[1], log)

		case "send", "send_msg":
			if len(fields) < 2 {
				fmt.Println("Usage: send <message>")
				continue
			}
			sendMessage(n, strings.Join(fields[1:], " "), log)

		case "mute", "toggle_mute":
			muted := streamer.ToggleMute()
			n.ToggleMute()
			fmt.Println("Muted state:", muted)

		case "end", "end_call":
			if len(fields) < 2 {
				fmt.Println("Usage: end <ip:port>")
				continue
			}
			n.EndCall(fields[1], true)

		case "view", "view_machines":
			for _, peer := range n.Peers() {
				fmt.Println(peer)
			}

		case "help", "h":
			fmt.Println("Type 'call' to call, 'mute' to toggle microphone, 'send' to message")
			fmt.Println("Type 'view' to list connected machines, 'end' to hang up, 'quit' to exit")

		case "quit", "exit", "q":
			return
		}
	}
}

// call dials a peer given either a raw ip:port or a username resolved
// through the namr directory.
func call(n *node.Node, dir *namr.Client, target string, log *logrus.Logger) {
	addr := target
	if !strings.Contains(target, ":") {
		if dir == nil {
			fmt.Println("No namr server configured; use ip:port")
			return
		}
		resolved, ok, err := dir.Lookup(target)
		if err != nil {
			log.WithError(err).Error("Namr lookup failed")
			return
		}
		if !ok {
			fmt.Printf("No machine registered as %q\n", target)
			return
		}
		addr = resolved
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		fmt.Println("Bad address:", addr)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		fmt.Println("Bad port:", portStr)
		return
	}

	if err := n.ConnectTo(host, port); err != nil {
		log.WithError(err).Error("Call failed")
	}
}

func sendMessage(n *node.Node, msg string, log *logrus.Logger) {
	peers := n.Peers()
	if len(peers) == 0 {
		fmt.Println("Not connected to any machine")
		return
	}
	for _, peer := range peers {
		if err := n.Send(peer, []byte(msg), protocol.TypeMsg); err != nil {
			log.WithField("peer", peer).WithError(err).Error("Send failed")
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "username to register and answer to")
	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 4000, "port to listen on")
	rootCmd.Flags().StringVar(&flagHost, "host", "", "address to bind (default: outbound IP)")
	rootCmd.Flags().StringSliceVar(&flagNamrServers, "namr", nil, "namr directory servers (host:port)")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&flagPlaintextAudio, "allow-plaintext-audio", false,
		"broadcast audio to peers before their key exchange completes (insecure)")
	_ = rootCmd.MarkFlagRequired("username")
}
