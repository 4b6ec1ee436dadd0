package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/jamlink/internal/app"
	"github.com/charlesng35/jamlink/internal/connection"
	"github.com/charlesng35/jamlink/internal/identity"
	"github.com/charlesng35/jamlink/internal/localstore"
	"github.com/charlesng35/jamlink/internal/session"
	"github.com/charlesng35/jamlink/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("jamlink", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var (
		configPath  string
		sessionID   string
		inviteToken string
		displayName string
		inviteQR    string
	)
	fs.StringVar(&configPath, "config", "", "Path to configuration directory")
	fs.StringVar(&sessionID, "session", "", "Session id to resume or join")
	fs.StringVar(&inviteToken, "invite", "", "Invite token for joining a shared session")
	fs.StringVar(&displayName, "name", "", "Display name shown to other participants")
	fs.StringVar(&inviteQR, "invite-qr", "", "Print a QR code for the given invite URL and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if inviteQR != "" {
		return printInviteQR(inviteQR)
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("cli")

	local, err := localstore.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}

	store := session.NewStore()
	dialer := connection.NewWebsocketDialer(cfg.Connection.ConnectionTimeout)
	manager, err := connection.New(cfg.ManagerConfig(), dialer, store)
	if err != nil {
		local.Close()
		return fmt.Errorf("build connection manager: %w", err)
	}

	defer func() {
		err = multierr.Append(err, manager.Close())
		err = multierr.Append(err, local.Close())
	}()

	coordinator := identity.NewCoordinator(manager, local)

	if displayName == "" {
		displayName = "guest-" + uuid.NewString()[:8]
	}

	manager.OnStatusChange(func(status connection.Status) {
		fmt.Printf("* connection %s\n", status)
	})
	manager.OnError(func(err error) {
		fmt.Printf("* connection error: %v\n", err)
	})
	unsubscribe := watchSession(store)
	defer unsubscribe()

	if sessionID == "" {
		if saved, loadErr := local.SessionID(ctx); loadErr == nil {
			sessionID = saved
		}
	}

	manager.OnceConnected(func() {
		if id := manager.SessionID(); id != "" {
			if saveErr := local.SaveSessionID(context.Background(), id); saveErr != nil {
				log.Warn("persist session id", zap.Error(saveErr))
			}
		}
	})
	if err := manager.Connect(connection.ConnectParams{
		SessionID:   sessionID,
		InviteToken: inviteToken,
		DisplayName: displayName,
	}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	return inputLoop(ctx, manager, coordinator, local, displayName)
}

// inputLoop reads commands from stdin until EOF or a shutdown signal.
// Plain lines are chat; /code, /ai, /login, and /logout drive the other
// channels.
func inputLoop(ctx context.Context, manager *connection.Manager, coordinator *identity.Coordinator, local *localstore.Store, displayName string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, manager, coordinator, local, displayName, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func handleLine(ctx context.Context, manager *connection.Manager, coordinator *identity.Coordinator, local *localstore.Store, displayName, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return manager.SendChatMessage(line)
	}

	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch command {
	case "/code":
		if err := manager.SendCodeUpdate(rest); err != nil {
			return err
		}
		if coordinator.Identity() == nil {
			// anonymous code is the fallback a later login replays when the
			// live connection did not survive the auth redirect
			return local.SaveAnonymousCode(ctx, rest, localstore.SnapshotMeta{
				SavedAt:     time.Now(),
				DisplayName: displayName,
			})
		}
		return nil
	case "/ai":
		return manager.SendAgentRequest(rest)
	case "/login":
		if rest == "" {
			return errors.New("usage: /login <token>")
		}
		if err := coordinator.Login(ctx, rest); err != nil {
			return err
		}
		if id := coordinator.Identity(); id != nil && id.DisplayName != "" {
			fmt.Printf("* logged in as %s\n", id.DisplayName)
		}
		return nil
	case "/logout":
		if err := coordinator.Logout(ctx, displayName); err != nil {
			return err
		}
		fmt.Println("* logged out")
		return nil
	case "/quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// watchSession prints chat and participant changes as the mirror evolves.
func watchSession(store *session.Store) func() {
	var lastChat, lastParticipants int
	return store.Subscribe(func(snap session.Snapshot) {
		for _, msg := range snap.Messages[min(lastChat, len(snap.Messages)):] {
			fmt.Printf("[%s] %s\n", msg.Author, msg.Text)
		}
		lastChat = len(snap.Messages)

		if len(snap.Participants) != lastParticipants {
			names := make([]string, 0, len(snap.Participants))
			for _, p := range snap.Participants {
				names = append(names, p.DisplayName)
			}
			fmt.Printf("* participants: %s\n", strings.Join(names, ", "))
			lastParticipants = len(snap.Participants)
		}
	})
}

func printInviteQR(url string) error {
	qr, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode invite: %w", err)
	}
	fmt.Println(qr.ToSmallString(false))
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	if strings.TrimSpace(path) == "" {
		return app.LoadConfig()
	}
	return app.LoadConfig(path)
}
