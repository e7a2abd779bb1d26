package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/chatclient"
	"github.com/pliu/cipherchat/internal/config"
	"github.com/pliu/cipherchat/internal/keystore"
	"github.com/pliu/cipherchat/internal/models"
	"github.com/pliu/cipherchat/internal/reconcile"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Opens an encrypted conversation with another user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient(viper.GetViper())
		if err != nil {
			return err
		}
		peer, _ := cmd.Flags().GetString("peer")
		if peer == "" {
			return errors.New("--peer is required")
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return chat(ctx, cfg, peer, os.Stdin, os.Stdout)
	},
}

func chat(ctx context.Context, cfg config.Client, peerName string, in io.Reader, out io.Writer) error {
	api, err := chatclient.NewAPI(cfg.ServerURL)
	if err != nil {
		return err
	}
	me, err := api.LoginOrSignup(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return errors.WithMessage(err, "login")
	}

	local, err := keystore.NewGormStore(cfg.KeystorePath)
	if err != nil {
		return err
	}
	defer local.Close()
	pair := keystore.New(local, api).EnsureKeyPair(ctx, me.ID)

	peer, err := findUser(ctx, api, peerName)
	if err != nil {
		return err
	}

	tr, err := chatclient.Dial(ctx, api.WebsocketURL(), api.Jar())
	if err != nil {
		return err
	}
	defer tr.Close()

	sess := chatclient.NewSession(pair, api, tr, cfg.Timeouts)
	view := &printer{out: out, self: me.ID, names: map[string]string{me.ID: me.Username, peer.ID: peer.Username}}
	sess.OnChange = func(peerID string) {
		if peerID == peer.ID {
			view.render(sess.Views.Entries(peerID))
		}
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- tr.Run(ctx, func(env models.Envelope) { sess.Handle(ctx, env) })
	}()

	if _, err := sess.Open(ctx, peer.ID); err != nil {
		jww.WARN.Printf("[CHAT] %v", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if _, err := sess.Send(ctx, text); err != nil {
				fmt.Fprintf(out, "! not sent: %v\n", err)
			}
		}
	}
}

func findUser(ctx context.Context, api *chatclient.API, username string) (*models.User, error) {
	users, err := api.Users(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "list users")
	}
	for i := range users {
		if users[i].Username == username || users[i].ID == username {
			return &users[i], nil
		}
	}
	return nil, errors.Errorf("no user named %q", username)
}

// printer redraws new entries as the conversation view changes.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	self  string
	names map[string]string
	shown map[string]string
}

func (p *printer) render(entries []reconcile.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shown == nil {
		p.shown = make(map[string]string)
	}
	for _, e := range entries {
		key := e.TempID
		if key == "" {
			key = e.ID
		}
		line := p.format(e)
		if p.shown[key] == line {
			continue
		}
		p.shown[key] = line
		fmt.Fprintln(p.out, line)
	}
}

func (p *printer) format(e reconcile.Entry) string {
	text := e.Text
	if e.Kind == models.KindImage && !e.Locked() {
		text = "[image]"
	}
	who := p.names[e.SenderID]
	if who == "" {
		who = e.SenderID
	}
	line := fmt.Sprintf("%s %s: %s", e.CreatedAt.Local().Format("15:04"), who, text)
	if e.SenderID == p.self {
		line += fmt.Sprintf(" (%s)", e.Status)
	}
	return line
}

func init() {
	chatCmd.Flags().String("peer", "", "Username of the person to chat with")

	chatCmd.Flags().String("server", "http://localhost:8080", "Server base URL")
	viper.BindPFlag(config.KeyServerURL, chatCmd.Flags().Lookup("server"))

	chatCmd.Flags().StringP("username", "u", "", "Account name, created on first login")
	viper.BindPFlag(config.KeyUsername, chatCmd.Flags().Lookup("username"))

	chatCmd.Flags().StringP("password", "p", "", "Account password")
	viper.BindPFlag(config.KeyPassword, chatCmd.Flags().Lookup("password"))

	chatCmd.Flags().String("keystore", "cipherchat-keys.db", "Local private key database")
	viper.BindPFlag(config.KeyKeystore, chatCmd.Flags().Lookup("keystore"))

	rootCmd.AddCommand(chatCmd)
}
