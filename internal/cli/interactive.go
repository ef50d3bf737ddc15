package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/peerdrop/peerdrop/internal/messaging"
	"github.com/peerdrop/peerdrop/internal/node"
	"github.com/peerdrop/peerdrop/internal/protocol"
	"github.com/peerdrop/peerdrop/internal/signaling"
	"github.com/peerdrop/peerdrop/internal/transfer"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

const defaultPrompt = "peerdrop> "

type session struct {
	url     string
	logger  *logrus.Logger
	console *console
	node    *node.Node
}

func newSession(url string, logger *logrus.Logger) *session {
	return &session{url: url, logger: logger}
}

func (s *session) run() error {
	con, err := newConsole(defaultPrompt)
	if err != nil {
		return err
	}
	s.console = con
	defer con.Close()

	s.node = node.New(node.Config{
		URL:    s.url,
		Logger: s.logger,
		Events: node.Events{
			OnReady:      s.onReady,
			OnPeerJoin:   s.onPeerJoin,
			OnPeerLeave:  s.onPeerLeave,
			OnPeerRename: s.onPeerRename,
			OnOffer:      s.onOffer,
			OnMessage:    s.onMessage,
			OnStatus:     s.onStatus,
		},
	})

	con.Printf("connecting to %s ...", s.url)
	if err := s.node.Start(context.Background()); err != nil {
		return err
	}
	defer s.node.Stop()

	for {
		line, err := con.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if done := s.dispatch(fields[0], fields[1:], line); done {
			return nil
		}
	}
}

func (s *session) dispatch(cmd string, args []string, raw string) bool {
	switch cmd {
	case "exit", "quit":
		return true
	case "help":
		s.printHelp()
	case "peers":
		s.printPeers()
	case "select":
		s.selectPeer(args)
	case "send":
		s.sendFile(args)
	case "msg":
		s.sendText(raw)
	case "transfers":
		s.printTransfers()
	case "accept":
		s.accept(args)
	case "decline":
		s.decline(args)
	case "cancel":
		s.cancel(args)
	case "save":
		s.save(args)
	case "name":
		s.rename(args)
	case "status":
		s.printStatus()
	case "reconnect":
		if err := s.node.Reconnect(context.Background()); err != nil {
			s.console.Printf("reconnect failed: %v", err)
		}
	default:
		s.console.Printf("unknown command %q, try help", cmd)
	}
	return false
}

func (s *session) printHelp() {
	s.console.Println(strings.TrimSpace(`
peers                  list connected peers
select <peer>          pick a peer by name or id prefix
send <path>            send a file to the selected peer
msg <text>             send a text message to the selected peer
transfers              list transfers
accept <id>            accept an incoming file offer
decline <id> [reason]  decline an incoming file offer
cancel <id>            cancel an outgoing transfer
save <id> [dir]        write a received file to disk
name <new-name>        change your display name
status                 show connection and session state
reconnect              drop sessions and re-dial the relay
exit                   quit`))
}

func (s *session) printPeers() {
	peers := s.node.Peers()
	if len(peers) == 0 {
		s.console.Println("no peers online")
		return
	}
	states := s.node.SessionStates()
	selected, hasSelection := s.node.Selected()
	for _, p := range peers {
		marker := "  "
		if hasSelection && p.ID == selected.ID {
			marker = colorize("* ", colorBold)
		}
		line := fmt.Sprintf("%s%s  %s", marker, colorize(p.Name, colorCyan), colorize(p.ID, colorDim))
		if st, ok := states[p.ID]; ok {
			line += fmt.Sprintf("  [link %s, channel %s]", st.Link, st.Channel)
		}
		s.console.Println(line)
	}
}

func (s *session) selectPeer(args []string) {
	if len(args) != 1 {
		s.console.Println("usage: select <peer>")
		return
	}
	peer, err := s.node.Select(args[0])
	if err != nil {
		s.console.Printf("select failed: %v", err)
		return
	}
	s.console.Printf("talking to %s", colorize(peer.Name, colorCyan))
	s.console.SetPrompt(peer.Name + "> ")
}

func (s *session) sendFile(args []string) {
	if len(args) != 1 {
		s.console.Println("usage: send <path>")
		return
	}
	path := args[0]

	go func() {
		var bar *progressbar.ProgressBar
		id, err := s.node.SendFile(context.Background(), path, func(sent, total int64) {
			if bar == nil {
				bar = progressbar.NewOptions64(total,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowBytes(true),
					progressbar.OptionClearOnFinish(),
					progressbar.OptionSetDescription("sending"),
				)
			}
			_ = bar.Set64(sent)
		})
		if bar != nil {
			_ = bar.Finish()
		}
		if err != nil {
			s.console.Printf("send failed: %v", err)
			return
		}
		if t, ok := s.node.Transfer(id); ok {
			s.printOutcome(t)
		}
	}()
}

func (s *session) printOutcome(t transfer.Transfer) {
	switch t.Status {
	case transfer.StatusCompleted:
		s.console.Printf("sent %s (%d bytes) to %s", t.FileName, t.Size, t.PeerName)
	case transfer.StatusCanceled:
		reason := t.Error
		if reason == "" {
			reason = "canceled"
		}
		s.console.Printf("transfer of %s stopped: %s", t.FileName, reason)
	case transfer.StatusError:
		s.console.Printf("transfer of %s failed: %s", t.FileName, t.Error)
	}
}

func (s *session) sendText(raw string) {
	text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "msg"))
	if text == "" {
		s.console.Println("usage: msg <text>")
		return
	}
	go func() {
		if _, err := s.node.SendText(context.Background(), text); err != nil {
			s.console.Printf("message failed: %v", err)
		}
	}()
}

func (s *session) printTransfers() {
	transfers := s.node.Transfers()
	if len(transfers) == 0 {
		s.console.Println("no transfers yet")
		return
	}
	for _, t := range transfers {
		arrow := "->"
		if t.Direction == transfer.DirectionReceive {
			arrow = "<-"
		}
		line := fmt.Sprintf("%s %s %s  %s (%d/%d bytes) %s",
			colorize(shortID(t.ID), colorDim), arrow, t.PeerName, t.FileName, t.Bytes, t.Size, t.Status)
		if t.Error != "" {
			line += ": " + t.Error
		}
		s.console.Println(line)
	}
}

func (s *session) accept(args []string) {
	if len(args) != 1 {
		s.console.Println("usage: accept <id>")
		return
	}
	t, err := s.findTransfer(args[0])
	if err != nil {
		s.console.Println(err.Error())
		return
	}
	if err := s.node.Accept(t.ID); err != nil {
		s.console.Printf("accept failed: %v", err)
		return
	}
	s.console.Printf("receiving %s from %s", t.FileName, t.PeerName)
}

func (s *session) decline(args []string) {
	if len(args) < 1 {
		s.console.Println("usage: decline <id> [reason]")
		return
	}
	t, err := s.findTransfer(args[0])
	if err != nil {
		s.console.Println(err.Error())
		return
	}
	reason := strings.Join(args[1:], " ")
	if err := s.node.Decline(t.ID, reason); err != nil {
		s.console.Printf("decline failed: %v", err)
	}
}

func (s *session) cancel(args []string) {
	if len(args) != 1 {
		s.console.Println("usage: cancel <id>")
		return
	}
	t, err := s.findTransfer(args[0])
	if err != nil {
		s.console.Println(err.Error())
		return
	}
	if err := s.node.CancelTransfer(t.ID); err != nil {
		s.console.Printf("cancel failed: %v", err)
	}
}

func (s *session) save(args []string) {
	if len(args) < 1 || len(args) > 2 {
		s.console.Println("usage: save <id> [dir]")
		return
	}
	t, err := s.findTransfer(args[0])
	if err != nil {
		s.console.Println(err.Error())
		return
	}
	dir := "."
	if len(args) == 2 {
		dir = args[1]
	}
	path, err := s.node.SaveResult(t.ID, dir)
	if err != nil {
		s.console.Printf("save failed: %v", err)
		return
	}
	s.console.Printf("wrote %s", path)
}

func (s *session) rename(args []string) {
	if len(args) != 1 {
		s.console.Println("usage: name <new-name>")
		return
	}
	if err := s.node.Rename(args[0]); err != nil {
		s.console.Printf("rename failed: %v", err)
		return
	}
	s.console.Printf("you are now %s", colorize(args[0], colorCyan))
}

func (s *session) printStatus() {
	s.console.Printf("relay %s: %s", s.node.URL(), s.node.Status())
	self := s.node.Self()
	if self.ID != "" {
		s.console.Printf("you are %s (%s)", colorize(self.Name, colorCyan), colorize(self.ID, colorDim))
	}
	for peerID, st := range s.node.SessionStates() {
		s.console.Printf("session %s: link %s, channel %s", shortID(peerID), st.Link, st.Channel)
	}
}

// findTransfer resolves a transfer by id prefix.
func (s *session) findTransfer(prefix string) (transfer.Transfer, error) {
	var matches []transfer.Transfer
	for _, t := range s.node.Transfers() {
		if strings.HasPrefix(t.ID, prefix) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return transfer.Transfer{}, fmt.Errorf("no transfer matches %q", prefix)
	default:
		return transfer.Transfer{}, fmt.Errorf("%q matches %d transfers", prefix, len(matches))
	}
}

func (s *session) onReady(self protocol.PeerInfo, peers []protocol.PeerInfo) {
	s.console.Printf("connected as %s (%s), %d peer(s) online",
		colorize(self.Name, colorCyan), colorize(self.ID, colorDim), len(peers))
}

func (s *session) onPeerJoin(peer protocol.PeerInfo) {
	s.console.Printf("%s joined", colorize(peer.Name, colorCyan))
}

func (s *session) onPeerLeave(peer protocol.PeerInfo) {
	name := peer.Name
	if name == "" {
		name = shortID(peer.ID)
	}
	s.console.Printf("%s left", colorize(name, colorCyan))
	if _, ok := s.node.Selected(); !ok {
		s.console.SetPrompt(defaultPrompt)
	}
}

func (s *session) onPeerRename(peer protocol.PeerInfo, oldName string) {
	s.console.Printf("%s is now %s", oldName, colorize(peer.Name, colorCyan))
}

func (s *session) onOffer(t transfer.Transfer) {
	s.console.Printf("%s offers %s (%d bytes), accept %s or decline %s",
		colorize(t.PeerName, colorCyan), colorize(t.FileName, colorBold), t.Size,
		shortID(t.ID), shortID(t.ID))
}

func (s *session) onMessage(m messaging.Message) {
	if m.Direction != messaging.DirectionReceived {
		return
	}
	s.console.Printf("%s %s: %s",
		colorize(m.Timestamp.Format("15:04:05"), colorDim),
		colorize(m.PeerName, colorCyan), m.Text)
}

func (s *session) onStatus(status signaling.Status) {
	switch status {
	case signaling.StatusClosed:
		s.console.Println(colorize("relay connection closed, use reconnect", colorYel))
	case signaling.StatusError:
		s.console.Println(colorize("relay connection error", colorYel))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
