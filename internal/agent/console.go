package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/hyposync/hyposync/internal/common"
	"github.com/hyposync/hyposync/internal/devices"
	"github.com/hyposync/hyposync/internal/pairing"
	"github.com/hyposync/hyposync/internal/protocol"
	"github.com/hyposync/hyposync/internal/transport"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

func (a *App) consoleStatus() string {
	marks := make([]string, 0, 2)
	for _, tr := range []*transport.Transport{a.lan, a.cloud} {
		if tr.Connected() {
			marks = append(marks, tr.Name())
		}
	}
	if len(marks) == 0 {
		return "(offline)"
	}
	return "(" + strings.Join(marks, "+") + ")"
}

func (a *App) console(ctx context.Context, cancelFunc context.CancelFunc) {
	fmt.Println("hyposync agent console (type 'help' for commands)")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Printf("hyposync %s> ", a.consoleStatus())
		if !scanner.Scan() {
			cancelFunc()
			return
		}
		if ctx.Err() != nil {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "help":
			fmt.Println("Available commands: status, peers, discover, pair, host, code, copy, history, pin, unpin, unpair, exit")
		case "status":
			a.printStatus()
		case "peers":
			a.printPeers(ctx)
		case "discover":
			a.printDiscovered()
		case "pair":
			if len(args) == 0 {
				fmt.Println("Usage: pair <device_id> (see 'discover')")
				continue
			}
			a.pairLAN(ctx, args[0])
		case "host":
			a.hostCode(ctx)
		case "code":
			a.claimCode(ctx)
		case "copy":
			if len(args) == 0 {
				fmt.Println("Usage: copy <text>")
				continue
			}
			a.copyText(ctx, strings.Join(args, " "))
		case "history":
			a.printHistory()
		case "pin", "unpin":
			if len(args) == 0 {
				fmt.Printf("Usage: %s <index>\n", cmd)
				continue
			}
			a.pinEntry(ctx, args[0], cmd == "pin")
		case "unpair":
			if len(args) == 0 {
				fmt.Println("Usage: unpair <device_id>")
				continue
			}
			a.unpairPeer(ctx, args[0])
		case "exit", "quit":
			fmt.Println("Bye!")
			cancelFunc()
			return
		default:
			fmt.Println("Unknown command:", cmd)
		}
	}
}

func (a *App) printStatus() {
	for _, tr := range []*transport.Transport{a.lan, a.cloud} {
		fmt.Printf("%-6s %-12s queued=%d\n", tr.Name(), tr.Status(), tr.QueueLen())
	}
}

func (a *App) printPeers(ctx context.Context) {
	peers, err := a.repo.List(ctx)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	if len(peers) == 0 {
		fmt.Println("No paired peers")
		return
	}
	for _, p := range peers {
		fmt.Printf("%s  %-20s last seen %s via %s\n",
			p.ID, p.Name, p.LastSeen.Format(time.RFC3339), p.LastTransport)
	}
}

func (a *App) printDiscovered() {
	a.mu.Lock()
	descs := make([]pairing.PeerDescriptor, 0, len(a.lanPeers))
	for _, d := range a.lanPeers {
		descs = append(descs, d)
	}
	a.mu.Unlock()

	if len(descs) == 0 {
		fmt.Println("No devices discovered on the local network yet")
		return
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].DeviceID < descs[j].DeviceID })
	for _, d := range descs {
		fmt.Printf("%s  %-20s %s\n", d.DeviceID, d.DeviceName, d.Addr)
	}
}

// pairLAN runs the challenge handshake against a discovered peer over
// the LAN transport.
func (a *App) pairLAN(ctx context.Context, deviceID string) {
	a.mu.Lock()
	desc, ok := a.lanPeers[devices.NormalizeID(deviceID)]
	a.mu.Unlock()
	if !ok {
		fmt.Println("Unknown device; run 'discover' to list devices on this network")
		return
	}

	if desc.Addr != "" {
		a.lanTarget.Store(desc.Addr)
	}

	pairCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	peer, err := a.pair.Pair(pairCtx, desc, a.lan)
	if err != nil {
		fmt.Println("Pairing failed:", err)
		return
	}
	fmt.Printf("Paired with %s (%s)\n", peer.Name, peer.ID)
}

// hostCode publishes a pairing code on the relay and waits for the other
// device to claim it.
func (a *App) hostCode(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	err := a.pair.ServeCode(waitCtx, a.codes, func(code string) {
		fmt.Printf("Pairing code: %s (enter it on the other device)\n", code)
	})
	if err != nil {
		fmt.Println("Pairing failed:", err)
		return
	}
	fmt.Println("Paired")
}

// claimCode reads the code without echo so it never lands in terminal
// scrollback, then pairs through the relay.
func (a *App) claimCode(ctx context.Context) {
	fmt.Print("Enter pairing code: ")
	raw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	code := strings.TrimSpace(string(raw))
	if code == "" {
		fmt.Println("Empty code")
		return
	}

	pairCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	peer, err := a.pair.PairByCode(pairCtx, a.codes, code)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			fmt.Println("Code not recognized or expired")
			return
		}
		fmt.Println("Pairing failed:", err)
		return
	}
	fmt.Printf("Paired with %s (%s)\n", peer.Name, peer.ID)
}

func (a *App) copyText(ctx context.Context, text string) {
	if err := a.coord.Capture(ctx, protocol.ContentText, []byte(text)); err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Printf("Copied %d bytes\n", len(text))
}

func (a *App) printHistory() {
	entries := a.coord.History()
	if len(entries) == 0 {
		fmt.Println("History is empty")
		return
	}
	for i, e := range entries {
		pin := " "
		if e.Pinned {
			pin = "*"
		}
		fmt.Printf("%3d %s %-6s %6dB %s from %s\n",
			i, pin, e.ContentType, e.Length, e.Time.Format("15:04:05"), e.Origin)
	}
}

func (a *App) pinEntry(ctx context.Context, arg string, pinned bool) {
	index, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Println("Index must be a number")
		return
	}
	if err := a.coord.Pin(ctx, index, pinned); err != nil {
		fmt.Println("Error:", err)
	}
}

func (a *App) unpairPeer(ctx context.Context, deviceID string) {
	if err := a.coord.Unpair(ctx, deviceID); err != nil {
		fmt.Println("Error:", err)
		return
	}
	fmt.Println("Unpaired", devices.NormalizeID(deviceID))
}
