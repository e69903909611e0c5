package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/ciphersuite"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/config"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/keystore"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/messagestore"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/node"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/transport"
)

const passwordEnv = "ADTN_PASSWORD"

var rootCmd = &cobra.Command{
	Use:   "adtn",
	Short: "Delay-tolerant group messaging.",
	Long: `adtn: anonymous delay-tolerant group messaging.

Messages are encrypted for every group you belong to and broadcast to
whoever is nearby. Every node sends the same number of fixed-size packets
at all times, real or not. Nobody can tell who belongs to which group,
or whether you said anything at all.`,
	SilenceUsage: true,
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	dataDir, _ := flags.GetString("data")
	path, _ := flags.GetString("config")
	if path == "" {
		path = filepath.Join(dataDir, config.FileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if flags.Changed("data") {
		cfg.DataDir = dataDir
	}
	if f := flags.Lookup("listen"); f != nil && f.Changed {
		cfg.Listen = f.Value.String()
	}
	if f := flags.Lookup("transport"); f != nil && f.Changed {
		cfg.Transport = f.Value.String()
	}
	if f := flags.Lookup("broadcast"); f != nil && f.Changed {
		cfg.Broadcast = f.Value.String()
	}
	if flags.Lookup("bootstrap") != nil && flags.Changed("bootstrap") {
		cfg.Bootstrap, _ = flags.GetStringSlice("bootstrap")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, os.MkdirAll(cfg.DataDir, 0700)
}

func newSuite(cfg config.Config) (*ciphersuite.Suite, error) {
	sc, err := ciphersuite.StreamCipherByName(cfg.StreamCipher)
	if err != nil {
		return nil, err
	}
	mac, err := ciphersuite.MACByName(cfg.MAC)
	if err != nil {
		return nil, err
	}
	return node.NewSuite(ciphersuite.WithStreamCipher(sc), ciphersuite.WithMAC(mac))
}

func password(cmd *cobra.Command) (string, error) {
	pw, _ := cmd.Flags().GetString("password")
	if pw == "" {
		pw = os.Getenv(passwordEnv)
	}
	if pw == "" {
		return "", fmt.Errorf("no key store password: use --password or set %s", passwordEnv)
	}
	return pw, nil
}

func openKeyStore(cmd *cobra.Command, cfg config.Config, suite *ciphersuite.Suite, create bool) (*keystore.Store, error) {
	pw, err := password(cmd)
	if err != nil {
		return nil, err
	}
	ks, err := keystore.Open(cfg.DataDir, pw, suite, create)
	if errors.Is(err, keystore.ErrNoStore) {
		return nil, errors.New("no group keys yet: run 'adtn group add' first")
	}
	return ks, err
}

func printKey(k ciphersuite.GroupKey) {
	fmt.Printf("  Key      : %s\n", k.Hex())
	fmt.Printf("  Checksum : %08x\n", k.Checksum())
}

// ─── keygen ─────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new group key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		suite, err := newSuite(cfg)
		if err != nil {
			return err
		}
		k, err := suite.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Printf("\n✓ Group key generated\n")
		printKey(k)
		fmt.Println("\nShare the key with the members of your group over a channel you trust,")
		fmt.Println("and compare checksums. Add it with 'adtn group add <alias> <key>'.")
		return nil
	},
}

// ─── group ──────────────────────────────────────────────────────────────────

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage the group keys this node uses",
}

var groupAddCmd = &cobra.Command{
	Use:   "add <alias> [key]",
	Short: "Add a group key; without a key a new one is generated",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		suite, err := newSuite(cfg)
		if err != nil {
			return err
		}

		var k ciphersuite.GroupKey
		if len(args) == 2 {
			raw, err := hex.DecodeString(strings.TrimSpace(args[1]))
			if err != nil {
				return fmt.Errorf("key is not hex: %w", err)
			}
			if len(raw) != suite.EncodedKeySize() {
				return fmt.Errorf("key must be %d bytes, got %d", suite.EncodedKeySize(), len(raw))
			}
			if k, err = suite.BytesToKey(raw); err != nil {
				return err
			}
		} else if k, err = suite.GenerateKey(); err != nil {
			return err
		}

		ks, err := openKeyStore(cmd, cfg, suite, true)
		if err != nil {
			return err
		}
		defer ks.Close()

		e, err := ks.Add(args[0], k)
		var ce *keystore.ConflictError
		if errors.As(err, &ce) {
			other, _ := ks.Entry(ce.ID)
			return fmt.Errorf("%w: %q", err, other.Alias)
		}
		if err != nil {
			return err
		}
		fmt.Printf("✓ Added group %d '%s'\n", e.ID, e.Alias)
		printKey(e.Key)
		return nil
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List group keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		suite, err := newSuite(cfg)
		if err != nil {
			return err
		}
		ks, err := openKeyStore(cmd, cfg, suite, false)
		if err != nil {
			return err
		}
		defer ks.Close()

		table := tablewriter.NewWriter(os.Stdout)
		defer table.Render()
		table.SetHeader([]string{"ID", "Alias", "Checksum"})
		for _, e := range ks.Entries() {
			table.Append([]string{
				strconv.FormatUint(e.ID, 10),
				e.Alias,
				fmt.Sprintf("%08x", e.Key.Checksum()),
			})
		}
		return nil
	},
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid group id %q", s)
	}
	return id, nil
}

var groupShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a group key for sharing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		suite, err := newSuite(cfg)
		if err != nil {
			return err
		}
		ks, err := openKeyStore(cmd, cfg, suite, false)
		if err != nil {
			return err
		}
		defer ks.Close()

		e, ok := ks.Entry(id)
		if !ok {
			return keystore.ErrNotFound
		}
		fmt.Printf("Group %d '%s'\n", e.ID, e.Alias)
		printKey(e.Key)
		return nil
	},
}

var groupRenameCmd = &cobra.Command{
	Use:   "rename <id> <alias>",
	Short: "Rename a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		suite, err := newSuite(cfg)
		if err != nil {
			return err
		}
		ks, err := openKeyStore(cmd, cfg, suite, false)
		if err != nil {
			return err
		}
		defer ks.Close()

		if err := ks.Rename(id, args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Renamed group %d to '%s'\n", id, strings.TrimSpace(args[1]))
		return nil
	},
}

var groupRmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Delete groups",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uint64, 0, len(args))
		for _, a := range args {
			id, err := parseID(a)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		suite, err := newSuite(cfg)
		if err != nil {
			return err
		}
		ks, err := openKeyStore(cmd, cfg, suite, false)
		if err != nil {
			return err
		}
		defer ks.Close()

		if err := ks.Delete(ids...); err != nil {
			return err
		}
		fmt.Printf("✓ Deleted %d group(s)\n", len(ids))
		return nil
	},
}

// ─── messages ───────────────────────────────────────────────────────────────

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "List stored messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ms, err := messagestore.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer ms.Close()

		if reset, _ := cmd.Flags().GetBool("reset"); reset {
			if err := ms.Reset(); err != nil {
				return err
			}
			fmt.Println("✓ Message store cleared")
			return nil
		}

		msgs, err := ms.All()
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		defer table.Render()
		table.SetHeader([]string{"ID", "Created", "Sent", "Received", "Message"})
		for _, m := range msgs {
			text := ""
			if len(m.Content) > 0 {
				text = node.Message{Header: m.Content[0], Content: m.Content[1:]}.Text()
			}
			if len(text) > 40 {
				text = text[:40] + "..."
			}
			table.Append([]string{
				m.ID.Short(),
				m.Created.Format(time.RFC3339),
				strconv.FormatUint(m.TimesSent, 10),
				strconv.FormatUint(m.TimesReceived, 10),
				text,
			})
		}
		return nil
	},
}

// ─── daemon ──────────────────────────────────────────────────────────────────

func newTransport(cfg config.Config, packetSize int, log *logrus.Logger) transport.Transport {
	if cfg.Transport == "udp" {
		return transport.NewUDP(cfg.Listen, cfg.Broadcast, packetSize, log)
	}
	return transport.NewTCP(cfg.Listen, packetSize, log)
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the node (this is all you need)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := cfg.Logger()
		suite, err := newSuite(cfg)
		if err != nil {
			return err
		}
		ks, err := openKeyStore(cmd, cfg, suite, true)
		if err != nil {
			return err
		}
		defer ks.Close()
		ms, err := messagestore.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open message store: %w", err)
		}
		defer ms.Close()

		tr := newTransport(cfg, suite.CiphertextSize(), log)
		n, err := node.New(node.Config{
			Keys:            ks,
			Messages:        ms,
			Transport:       tr,
			Suite:           suite,
			Bootstrap:       cfg.Bootstrap,
			SendInterval:    time.Duration(cfg.SendInterval),
			BatchSize:       cfg.BatchSize,
			RefillThreshold: cfg.RefillThreshold,
			SeenSize:        cfg.SeenSize,
			SeenExpiry:      time.Duration(cfg.SeenExpiry),
			Log:             log,
		})
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}
		defer n.Stop()

		// Print incoming messages to stdout
		go func() {
			for msg := range n.Messages() {
				if msg.Type() != node.MessageTypeChat {
					continue
				}
				fmt.Printf("\n📨 [%s] %s\n> ", msg.ID.Short(), msg.Text())
			}
		}()

		fmt.Printf("\n")
		fmt.Printf("  Groups    : %d\n", ks.Len())
		fmt.Printf("  Transport : %s %s\n", cfg.Transport, cfg.Listen)
		if cfg.Transport == "udp" && cfg.Broadcast != "" {
			fmt.Printf("  Broadcast : %s\n", cfg.Broadcast)
		}
		fmt.Printf("  Packets   : %d bytes, %d every %s\n", n.PacketSize(), cfg.BatchSize, time.Duration(cfg.SendInterval))
		fmt.Printf("  Data      : %s\n", cfg.DataDir)
		if len(cfg.Bootstrap) > 0 {
			fmt.Printf("  Bootstrap : %s\n", strings.Join(cfg.Bootstrap, ", "))
		}
		fmt.Printf("\n  Commands:\n")
		fmt.Printf("    send <message>  broadcast a chat message to all groups\n")
		fmt.Printf("    status          show node status\n\n")

		// Interactive console
		fmt.Print("> ")
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					fmt.Print("> ")
					continue
				}
				parts := strings.SplitN(line, " ", 2)
				switch parts[0] {
				case "send":
					if len(parts) < 2 {
						fmt.Println("usage: send <message>")
					} else if ks.Len() == 0 {
						fmt.Println("no groups: add one with 'adtn group add'")
					} else if id, err := n.SendChat(parts[1]); err != nil {
						fmt.Printf("error: %v\n", err)
					} else {
						fmt.Printf("✓ queued %s\n", id.Short())
					}
				case "status":
					fmt.Printf("peers: %d  groups: %d  messages: %d  pending packets: %d\n",
						n.PeerCount(), ks.Len(), ms.Len(), n.PendingPackets())
				default:
					fmt.Printf("unknown command: %s\n", parts[0])
				}
				fmt.Print("> ")
			}
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("\nShutting down.")
		return nil
	},
}

// ─── status ──────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and stored state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		suite, err := newSuite(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("Data      : %s\n", cfg.DataDir)
		fmt.Printf("Transport : %s %s\n", cfg.Transport, cfg.Listen)
		fmt.Printf("Cipher    : %s / %s, %d byte packets\n", cfg.StreamCipher, cfg.MAC, suite.CiphertextSize())

		ms, err := messagestore.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer ms.Close()
		fmt.Printf("Messages  : %d\n", ms.Len())

		ks, err := openKeyStore(cmd, cfg, suite, false)
		if err != nil {
			fmt.Printf("Groups    : %v\n", err)
			return nil
		}
		defer ks.Close()
		fmt.Printf("Groups    : %d\n", ks.Len())
		return nil
	},
}

// ─── config ──────────────────────────────────────────────────────────────────

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration, or write it with --write",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if write, _ := cmd.Flags().GetBool("write"); write {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = filepath.Join(cfg.DataDir, config.FileName)
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Printf("✓ Wrote %s\n", path)
			return nil
		}
		table := tablewriter.NewWriter(os.Stdout)
		defer table.Render()
		table.SetHeader([]string{"Setting", "Value"})
		table.Append([]string{"dataDir", cfg.DataDir})
		table.Append([]string{"logLevel", cfg.LogLevel})
		table.Append([]string{"transport", cfg.Transport})
		table.Append([]string{"listen", cfg.Listen})
		table.Append([]string{"broadcast", cfg.Broadcast})
		table.Append([]string{"bootstrap", strings.Join(cfg.Bootstrap, ", ")})
		table.Append([]string{"streamCipher", cfg.StreamCipher})
		table.Append([]string{"mac", cfg.MAC})
		table.Append([]string{"sendInterval", time.Duration(cfg.SendInterval).String()})
		table.Append([]string{"batchSize", strconv.Itoa(cfg.BatchSize)})
		table.Append([]string{"refillThreshold", strconv.Itoa(cfg.RefillThreshold)})
		table.Append([]string{"seenSize", strconv.Itoa(cfg.SeenSize)})
		table.Append([]string{"seenExpiry", time.Duration(cfg.SeenExpiry).String()})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("data", config.Default().DataDir, "Data directory (~/.adtn)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default <data>/"+config.FileName+")")
	rootCmd.PersistentFlags().String("password", "", "Key store password (or $"+passwordEnv+")")

	daemonCmd.Flags().String("listen", "0.0.0.0:4242", "Listen address for peer traffic")
	daemonCmd.Flags().String("transport", "tcp", "Transport: tcp or udp")
	daemonCmd.Flags().String("broadcast", "", "UDP broadcast address (udp transport only)")
	daemonCmd.Flags().StringSlice("bootstrap", []string{}, "Bootstrap peer addresses (host:port)")

	messagesCmd.Flags().Bool("reset", false, "Delete every stored message")
	configCmd.Flags().Bool("write", false, "Write the effective configuration to the config file")

	groupCmd.AddCommand(groupAddCmd, groupListCmd, groupShowCmd, groupRenameCmd, groupRmCmd)
	rootCmd.AddCommand(keygenCmd, groupCmd, messagesCmd, daemonCmd, statusCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
