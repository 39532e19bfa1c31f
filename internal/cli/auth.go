package cli

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/spf13/cobra"

	"github.com/arturoeanton/barnstaff/internal/adapter/memory"
	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/session"
)

func loginCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "login [google|github]",
		Short: "Sign in through an identity provider",
		Long: `Open the provider's consent page and wait for the browser to come back
to BARN_APP_ORIGIN on this machine. The session is kept in BARN_STATE_DIR.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := "google"
			if len(args) == 1 {
				provider = strings.ToLower(args[0])
			}
			a := g.open(cmd)
			defer a.close()
			return runLogin(cmd.Context(), a, provider)
		},
	}
}

func runLogin(ctx context.Context, a *app, provider string) error {
	st, err := a.start(ctx)
	if err != nil {
		return err
	}
	if st.Session != nil {
		a.printer.Info("Already signed in as %s", st.Session.User.Email)
		return nil
	}

	authURL, err := a.ctrl.SignInWithOAuth(ctx, provider)
	if err != nil {
		return err
	}

	var s *domain.Session
	if a.memory != nil {
		s = a.memory.CompleteSignIn(memory.DemoAdminID, memory.DemoAdminEmail)
	} else {
		rcv, err := listenRedirect(a.cfg.AppOrigin)
		if err != nil {
			return err
		}
		defer rcv.Close()

		a.printer.Info("Open this URL in your browser to sign in:")
		a.printer.Plain("  %s", authURL)
		a.printer.Info("Waiting for the provider to redirect back to %s ...", rcv.Origin())

		callback, err := rcv.Wait(ctx)
		if err != nil {
			return err
		}
		if s, err = a.remote.CompleteRedirect(ctx, callback); err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
	}

	profile := a.ctrl.FetchProfile(ctx, s.User.ID)
	a.printer.Success("Signed in as %s", s.User.Email)
	if !profile.Complete() {
		a.printer.Warn("Finish your profile: barnctl profile set-name <your name>")
	}
	return nil
}

// redirectReceiver is a one-shot local HTTP endpoint the OAuth flow
// redirects the browser to.
type redirectReceiver struct {
	app    *fiber.App
	ln     net.Listener
	scheme string
	got    chan string
}

// listenRedirect binds the host of origin. Port 0 picks a free port.
func listenRedirect(origin string) (*redirectReceiver, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid app origin %q", origin)
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("listen for sign-in redirect on %s: %w", u.Host, err)
	}

	r := &redirectReceiver{
		app:    fiber.New(),
		ln:     ln,
		scheme: u.Scheme,
		got:    make(chan string, 1),
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	r.app.Get(path, func(c fiber.Ctx) error {
		select {
		case r.got <- r.Origin() + c.OriginalURL():
		default:
		}
		c.Type("html")
		if c.Query("error") != "" {
			return c.SendString("<p>Sign-in was cancelled. You can close this tab.</p>")
		}
		return c.SendString("<p>Signed in to barnctl. You can close this tab.</p>")
	})
	go func() {
		_ = r.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	return r, nil
}

// Origin is the address actually bound.
func (r *redirectReceiver) Origin() string {
	return r.scheme + "://" + r.ln.Addr().String()
}

// Wait returns the full URL of the first redirect received.
func (r *redirectReceiver) Wait(ctx context.Context) (string, error) {
	select {
	case raw := <-r.got:
		return raw, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *redirectReceiver) Close() {
	_ = r.app.Shutdown()
}

func logoutCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear local state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := g.open(cmd)
			defer a.close()
			if _, err := a.start(cmd.Context()); err != nil {
				return err
			}
			a.ctrl.SignOut(cmd.Context())
			a.printer.Success("Signed out")
			return nil
		},
	}
}

func whoamiCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := g.open(cmd)
			defer a.close()
			st, err := a.start(cmd.Context())
			if err != nil {
				return err
			}
			if st.Session == nil {
				a.printer.Warn("Not signed in")
				return nil
			}
			name, role := "-", string(domain.RoleStaff)
			if st.Profile != nil {
				if st.Profile.Complete() {
					name = *st.Profile.DisplayName
				}
				role = string(st.Profile.Role)
			}
			a.printer.Table([]string{"Email", "Name", "Role", "State"}, [][]string{
				{st.Session.User.Email, name, role, phaseLabel(st.Phase())},
			})
			return nil
		},
	}
}

func phaseLabel(p session.Phase) string {
	switch p {
	case session.PhaseAuthenticatedNoProfile:
		return "profile incomplete"
	case session.PhaseAuthenticatedComplete:
		return "ready"
	default:
		return string(p)
	}
}

func profileCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage your profile",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set-name <name>",
		Short: "Set the display name other staff see",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := g.open(cmd)
			defer a.close()
			if _, err := a.start(cmd.Context()); err != nil {
				return err
			}
			p, err := a.ctrl.UpdateDisplayName(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			a.printer.Success("Display name set to %s", *p.DisplayName)
			return nil
		},
	})
	return cmd
}
