package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/meshdraw/internal/codec"
	"github.com/DoyleJ11/meshdraw/internal/config"
	"github.com/DoyleJ11/meshdraw/internal/engine"
	"github.com/DoyleJ11/meshdraw/internal/lobby"
	"github.com/DoyleJ11/meshdraw/internal/logging"
	"github.com/DoyleJ11/meshdraw/internal/mesh"
	signaling "github.com/DoyleJ11/meshdraw/internal/signal"
	"github.com/DoyleJ11/meshdraw/internal/types"
)

const releaseVersion = "0.1.0"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cobra.CheckErr(newCmd(&config.Peer{}).Execute())
}

func newCmd(cfg *config.Peer) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "meshdraw-peer",
		Short:   "Join a meshdraw room from the terminal.",
		Args:    cobra.ExactArgs(0),
		Version: releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.RelayURL, "relay", "r", "ws://localhost:8080/ws", "relay websocket url (env: MESHDRAW_RELAY)")
	fs.StringVarP(&cfg.Name, "name", "n", "", "display name (env: MESHDRAW_NAME)")
	fs.StringVar(&cfg.Room, "room", "", "room code to join, empty creates a room (env: MESHDRAW_ROOM)")
	fs.StringSliceVar(&cfg.STUNServers, "stun", config.DefaultSTUNServers, "ICE servers (env: MESHDRAW_STUN)")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", 100*time.Millisecond, "how often buffered strokes are sent (env: MESHDRAW_FLUSH_INTERVAL)")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", 5*time.Second, "peer keep-alive interval, 0 disables (env: MESHDRAW_PING_INTERVAL)")
	fs.BoolVar(&cfg.QR, "qr", false, "print the room code as a QR code once joined (env: MESHDRAW_QR)")
	fs.BoolVar(&cfg.JSON, "json", false, "print notifications as JSON lines (env: MESHDRAW_JSON)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "log at debug level (env: MESHDRAW_VERBOSE)")
	config.BindEnv(fs)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	return cmd
}

func run(ctx context.Context, cfg *config.Peer, in io.Reader, out io.Writer) error {
	log, err := logging.New(cfg.Verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	client := signaling.NewClient(signaling.Options{Logger: log, PingInterval: 20 * time.Second})
	defer func() { _ = client.Close() }()

	coord := mesh.NewCoordinator(mesh.Config{ICEServers: cfg.STUNServers, Logger: log})
	session := lobby.New(ctx, lobby.Config{
		Name:          cfg.Name,
		Room:          cfg.Room,
		Relay:         client,
		Signals:       client.Events(),
		Mesh:          coord,
		FlushInterval: cfg.FlushInterval,
		PingInterval:  cfg.PingInterval,
		Logger:        log,
	})

	p := newPrinter(out, cfg.JSON, cfg.QR)
	unsubscribe := session.Subscribe(p.note)
	defer unsubscribe()

	if err := client.Connect(ctx, cfg.RelayURL); err != nil {
		log.Error("connect to relay", zap.String("url", cfg.RelayURL), zap.Error(err))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-session.Done():
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := session.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		for {
			select {
			case <-session.Done():
				return nil
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					// stdin closed
					_ = session.Leave()
					return nil
				}
				if err := handleLine(gctx, session, p, line); err != nil {
					if errors.Is(err, lobby.ErrSessionClosed) {
						return nil
					}
					p.line("error: " + err.Error())
				}
			}
		}
	})
	return g.Wait()
}

func handleLine(ctx context.Context, s *lobby.Session, p *printer, line string) error {
	in, err := parseLine(line)
	if errors.Is(err, errEmptyLine) {
		return nil
	}
	if err != nil {
		return err
	}

	switch in.Type {
	case types.IntentChat:
		return s.SendChat(in.Text)
	case types.IntentSeal:
		return s.Seal()
	case types.IntentTurn:
		if in.PeerID != 0 {
			return s.ChangeTurn(in.PeerID)
		}
		v, err := s.Snapshot(ctx)
		if err != nil {
			return err
		}
		next := engine.NextLeader(&v.Lobby)
		if next == 0 {
			return fmt.Errorf("%w: nobody to pass the turn to", errUsage)
		}
		return s.ChangeTurn(next)
	case types.IntentWord:
		return s.ChangeWord(in.Text)
	case types.IntentWords:
		return s.OfferWords(in.Amount)
	case types.IntentDraw:
		return s.Draw(in.Point)
	case types.IntentLeave:
		return s.Leave()

	case types.IntentScore, types.IntentTime:
		v, err := s.Snapshot(ctx)
		if err != nil {
			return err
		}
		state := v.Lobby.State.Clone()
		kind := codec.SocketScoreChange
		if in.Type == types.IntentScore {
			state.Scores[in.PeerID] += in.Amount
		} else {
			kind = codec.SocketTimeUpdate
			state.Game.Time = uint32(in.Amount)
		}
		return s.PushState(kind, state)

	case types.IntentWho:
		v, err := s.Snapshot(ctx)
		if err != nil {
			return err
		}
		if !v.Joined {
			p.line("not joined yet")
			return nil
		}
		p.raw(formatRoster(v.Lobby))
		return nil

	default:
		return fmt.Errorf("%w: unknown command %s", errUsage, in.Text)
	}
}

// printer serializes terminal output from the session loop and the input loop.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	enc     *json.Encoder
	qr      bool
	printed bool
}

func newPrinter(out io.Writer, asJSON, qr bool) *printer {
	p := &printer{out: out, qr: qr}
	if asJSON {
		p.enc = json.NewEncoder(out)
	}
	return p
}

func (p *printer) note(n types.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enc != nil {
		_ = p.enc.Encode(n)
		return
	}
	if s := formatNote(n); s != "" {
		fmt.Fprintln(p.out, s)
	}
	if n.Type == types.NoteConnected && p.qr && !p.printed && n.Text != "" {
		p.printed = true
		if code, err := qrcode.New(n.Text, qrcode.Medium); err == nil {
			fmt.Fprint(p.out, code.ToSmallString(false))
		}
	}
}

func (p *printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

func (p *printer) raw(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, s)
}
