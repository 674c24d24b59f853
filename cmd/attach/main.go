// Command ttysim-attach joins a terminal session from the local terminal.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/remote-agent-terminal/ttysim/internal/model"
	"github.com/remote-agent-terminal/ttysim/internal/ws"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var serverURL string
	var clientID string
	var kind string

	flagSet := pflag.NewFlagSet("ttysim-attach", pflag.ContinueOnError)
	flagSet.StringVarP(&serverURL, "url", "u", "ws://localhost:3000/ws", "server WebSocket URL")
	flagSet.StringVar(&clientID, "id", "", "client id (default: random)")
	flagSet.StringVar(&kind, "kind", string(model.ClientKindCLI), "client kind: web, mobile, desktop, cli")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: ttysim-attach [flags] SESSION\n\nDetach with Ctrl-].\n\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return errors.New("exactly one session id is required")
	}
	sessionID := flagSet.Arg(0)
	if clientID == "" {
		clientID = defaultClientID()
	}

	stdin := int(os.Stdin.Fd())
	res := terminalSize(stdin)

	conn, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverURL, err)
	}
	defer conn.Close()

	a := newAttachment(conn, sessionID, clientID, os.Stdout, os.Stderr)
	if err := a.send(ws.JoinPayload{Client: model.ClientInfo{
		ID:                  clientID,
		Kind:                model.ClientKind(kind),
		PreferredResolution: res,
		CurrentResolution:   res,
		UserAgent:           "ttysim-attach",
	}}); err != nil {
		return err
	}

	if term.IsTerminal(stdin) {
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer term.Restore(stdin, state)
	}

	stopResize := watchResize(func() {
		a.send(ws.ResizePayload{Resolution: terminalSize(stdin)})
	})
	defer stopResize()

	go a.pumpInput(os.Stdin)
	return a.readLoop()
}

func defaultClientID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cli"
	}
	return host + "-" + uuid.NewString()[:8]
}

func terminalSize(fd int) model.Resolution {
	cols, rows, err := term.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return model.DefaultResolution()
	}
	return model.Resolution{Cols: uint16(cols), Rows: uint16(rows)}
}

// attachment is one attached session.
type attachment struct {
	conn      *websocket.Conn
	sessionID string
	clientID  string
	out       io.Writer
	errOut    io.Writer

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newAttachment(conn *websocket.Conn, sessionID, clientID string, out, errOut io.Writer) *attachment {
	return &attachment{
		conn:      conn,
		sessionID: sessionID,
		clientID:  clientID,
		out:       out,
		errOut:    errOut,
		done:      make(chan struct{}),
	}
}

func (a *attachment) send(p ws.Payload) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.WriteJSON(ws.NewEvent(a.sessionID, a.clientID, p)); err != nil {
		return fmt.Errorf("failed to send %s: %w", p.Type(), err)
	}
	return nil
}

func (a *attachment) detach() {
	a.once.Do(func() {
		close(a.done)
		a.writeMu.Lock()
		a.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		a.writeMu.Unlock()
		a.conn.Close()
	})
}

// pumpInput forwards local keystrokes until the detach key is pressed.
func (a *attachment) pumpInput(r io.Reader) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]
			if i := bytes.IndexByte(data, detachKey); i >= 0 {
				if i > 0 {
					a.send(ws.InputPayload{Data: string(data[:i])})
				}
				a.detach()
				return
			}
			if a.send(ws.InputPayload{Data: string(data)}) != nil {
				return
			}
		}
		if err != nil {
			a.detach()
			return
		}
	}
}

// readLoop handles server events until the connection closes.
func (a *attachment) readLoop() error {
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			select {
			case <-a.done:
				a.notice("detached")
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		var ev ws.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if stop, err := a.handle(ev); stop {
			return err
		}
	}
}

// handle renders one server event. It returns true when the attachment
// should end.
func (a *attachment) handle(ev ws.Event) (bool, error) {
	switch p := ev.Payload.(type) {
	case ws.OutputPayload:
		io.WriteString(a.out, p.Output)
	case ws.SyncPayload:
		a.notice(fmt.Sprintf("attached to %s (%s, %d clients)", ev.SessionID, p.Resolution, len(p.Clients)))
		io.WriteString(a.out, p.History)
	case ws.JoinPayload:
		if p.Client.ID != a.clientID {
			a.notice(fmt.Sprintf("%s joined (%s)", p.Client.ID, p.Client.Kind))
		}
	case ws.LeavePayload:
		a.notice(p.ClientID + " left")
	case ws.ResolutionPayload:
		a.notice("resolution " + p.Resolution.String())
	case ws.ErrorPayload:
		a.notice(fmt.Sprintf("%s: %s", p.Kind, p.Message))
		switch p.Kind {
		case ws.KindSessionExpired:
			return true, nil
		case ws.KindInvalidJoinRequest, ws.KindDuplicateClientID, ws.KindSessionLimitExceeded:
			return true, fmt.Errorf("join rejected: %s", p.Message)
		}
	}
	return false, nil
}

func (a *attachment) notice(msg string) {
	fmt.Fprintf(a.errOut, "\r\n[ttysim] %s\r\n", msg)
}
