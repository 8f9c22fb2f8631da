package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"meshwork/internal/identity"
	"meshwork/internal/node"
)

func printHelp() {
	fmt.Println("commands:")
	fmt.Println("  /send <node-id-hex> <message>  - encrypted unicast")
	fmt.Println("  /cast <message>                - signed broadcast")
	fmt.Println("  /peers                         - routing table summary")
	fmt.Println("  /stats                         - frame pipeline counters")
	fmt.Println("  /quit                          - exit")
	fmt.Println()
}

func short(hexID string) string {
	if len(hexID) > 8 {
		return hexID[:8]
	}
	return hexID
}

func repl(n *node.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/quit":
			os.Exit(0)

		case strings.HasPrefix(line, "/send "):
			rest := strings.TrimPrefix(line, "/send ")
			parts := strings.SplitN(rest, " ", 2)
			if len(parts) != 2 {
				fmt.Println("usage: /send <node-id-hex> <message>")
				continue
			}
			dest, err := identity.ParseNodeIDHex(parts[0])
			if err != nil {
				fmt.Printf("bad node id: %v\n", err)
				continue
			}
			if err := n.SendMessage(dest, []byte(parts[1])); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}

		case strings.HasPrefix(line, "/cast "):
			if err := n.Broadcast([]byte(strings.TrimPrefix(line, "/cast "))); err != nil {
				fmt.Printf("broadcast failed: %v\n", err)
			}

		case line == "/peers":
			rt := n.DHT().Routing()
			fmt.Printf("links=%d table=%d\n", n.LinkCount(), rt.Size())
			for _, p := range rt.Closest(n.ID(), 16) {
				fmt.Printf("  %s  %-20s %s\n", p.ID.Short(), p.Addr, p.Name)
			}

		case line == "/stats":
			s := n.RouterStats()
			fmt.Printf("delivered=%d control=%d forwarded=%d\n", s.Delivered, s.ControlHandled, s.Forwarded)
			fmt.Printf("drops: decode=%d auth=%d unknown=%d replay=%d ttl=%d unreachable=%d overflow=%d\n",
				s.DecodeDrops, s.AuthDrops, s.UnknownDrops, s.ReplayDrops,
				s.TTLDrops, s.UnreachableDrops, s.OverflowDrops)

		default:
			fmt.Println("unknown command")
			printHelp()
		}
	}
}
