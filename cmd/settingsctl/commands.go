package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kuitang/settings-e2e/internal/artifacts"
	"github.com/kuitang/settings-e2e/internal/config"
	"github.com/kuitang/settings-e2e/internal/errs"
	"github.com/kuitang/settings-e2e/internal/identity"
	"github.com/kuitang/settings-e2e/internal/mail"
	"github.com/kuitang/settings-e2e/internal/obs"
	"github.com/kuitang/settings-e2e/internal/proxy"
	"github.com/kuitang/settings-e2e/internal/serviceconfig"
)

// cli carries state shared by every subcommand.
type cli struct {
	out      io.Writer
	load     func() (*config.Config, error)
	cfg      *config.Config
	logLevel string
}

func (c *cli) config() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := c.load()
	if err != nil {
		if errors.Is(err, config.ErrNotConfigured) {
			return nil, errs.Wrap(errs.FailedPrecondition, "set "+config.EnvPublicURL+" (or add it to .env)", err)
		}
		return nil, errs.Wrap(errs.InvalidArgument, "configuration", err)
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *cli) serviceConfig() (*serviceconfig.Manager, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	return serviceconfig.New(cfg.ConfigFile, cfg.ProfilesDir, cfg.ReloadSettle), nil
}

func (c *cli) mailbox() (*mail.Mailbox, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	return mail.New(cfg.MailURL, cfg.MailPollInterval, cfg.MailPollTimeout, nil), nil
}

func (c *cli) identity() (*identity.Client, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	return identity.New(cfg.PublicURL, cfg.AdminURL, nil), nil
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func newRootCmd(out io.Writer, load func() (*config.Config, error)) *cobra.Command {
	c := &cli{out: out, load: load}

	root := &cobra.Command{
		Use:           "settingsctl",
		Short:         "Operate the settings E2E environment",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if c.logLevel != "" {
				obs.SetLevel(c.logLevel)
			}
			ctx := obs.WithCorrelation(cmd.Context(), obs.Correlation{RunID: obs.NewRunID()})
			cmd.SetContext(ctx)
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newProxyCmd(c),
		newProfileCmd(c),
		newPrivilegedSessionCmd(c),
		newVerificationCmd(c),
		newConfigCmd(c),
		newMailCmd(c),
		newIdentityCmd(c),
		newArtifactsCmd(c),
	)
	return root
}

func (c *cli) artifacts(ctx context.Context, runID string) (*artifacts.Store, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	store, err := artifacts.FromConfig(ctx, cfg, runID)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errs.New(errs.FailedPrecondition, "set "+config.EnvArtifactBucket+" to read artifacts")
	}
	return store, nil
}

func newProxyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "proxy", Short: "Run or steer the variant proxy"}

	var listen, initial string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve both app variants and the identity API from one origin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			if listen == "" {
				listen = cfg.ProxyListen
			}
			sw, err := proxy.New(cfg.PublicURL, map[string]string{
				"express": cfg.ExpressUpstream,
				"react":   cfg.ReactUpstream,
			}, initial)
			if err != nil {
				return err
			}
			return serveUntilSignal(cmd.Context(), listen, sw.Handler(), "proxy")
		},
	}
	serve.Flags().StringVar(&listen, "listen", "", "listen address (default "+config.EnvProxyListen+")")
	serve.Flags().StringVar(&initial, "app", "react", "app selected at startup")

	use := &cobra.Command{
		Use:       "use <express|react>",
		Short:     "Route app traffic to a variant",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"express", "react"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			if err := proxy.NewController(cfg.ProxyURL, nil).Use(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.printf("proxy now serves %s\n", args[0])
			return nil
		},
	}

	current := &cobra.Command{
		Use:   "current",
		Short: "Print the variant the proxy is serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			app, err := proxy.NewController(cfg.ProxyURL, nil).Current(cmd.Context())
			if err != nil {
				return err
			}
			c.printf("%s\n", app)
			return nil
		},
	}

	cmd.AddCommand(serve, use, current)
	return cmd
}

func newProfileCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "profile", Short: "Manage identity service configuration profiles"}
	cmd.AddCommand(&cobra.Command{
		Use:   "use <name>",
		Short: "Replace the live service configuration with a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.serviceConfig()
			if err != nil {
				return err
			}
			if err := m.UseProfile(cmd.Context(), args[0]); err != nil {
				return err
			}
			c.printf("using profile %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newPrivilegedSessionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:       "privileged-session <short|long>",
		Short:     "Set how long a fresh login counts as privileged",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"short", "long"},
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.serviceConfig()
			if err != nil {
				return err
			}
			switch args[0] {
			case "short":
				err = m.ShortPrivilegedSessionTime(cmd.Context())
			case "long":
				err = m.LongPrivilegedSessionTime(cmd.Context())
			default:
				return errs.New(errs.InvalidArgument, fmt.Sprintf("expected short or long, got %q", args[0]))
			}
			if err != nil {
				return err
			}
			c.printf("privileged session: %s\n", args[0])
			return nil
		},
	}
}

func newVerificationCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:       "verification <enable|disable>",
		Short:     "Toggle email verification on trait changes",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"enable", "disable"},
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.serviceConfig()
			if err != nil {
				return err
			}
			switch args[0] {
			case "enable":
				err = m.EnableVerification(cmd.Context())
			case "disable":
				err = m.DisableVerification(cmd.Context())
			default:
				return errs.New(errs.InvalidArgument, fmt.Sprintf("expected enable or disable, got %q", args[0]))
			}
			if err != nil {
				return err
			}
			c.printf("verification %sd\n", args[0])
			return nil
		},
	}
}

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect the live service configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <dotted.path>",
		Short: "Print one value of the live configuration as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := c.serviceConfig()
			if err != nil {
				return err
			}
			v, ok, err := m.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errs.New(errs.NotFound, args[0]+" is not set")
			}
			out, err := yaml.Marshal(v)
			if err != nil {
				return errs.Wrap(errs.Internal, "encode value", err)
			}
			c.printf("%s", out)
			return nil
		},
	})
	return cmd
}

func newMailCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "mail", Short: "Read and prune the mail catcher"}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every captured mail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			box, err := c.mailbox()
			if err != nil {
				return err
			}
			if err := box.Delete(cmd.Context()); err != nil {
				return err
			}
			c.printf("mailbox cleared\n")
			return nil
		},
	}

	code := &cobra.Command{
		Use:   "code <email>",
		Short: "Wait for the newest verification mail to email and print its code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			box, err := c.mailbox()
			if err != nil {
				return err
			}
			got, err := box.VerificationCode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			c.printf("%s\n", got)
			return nil
		},
	}

	var listen string
	fake := &cobra.Command{
		Use:   "fake-serve",
		Short: "Run an in-memory mail catcher with the same HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveUntilSignal(cmd.Context(), listen, obs.RequestContextMiddleware(obs.AccessLogMiddleware("mail", mail.NewFakeServer())), "mail")
		},
	}
	fake.Flags().StringVar(&listen, "listen", ":4437", "listen address")

	cmd.AddCommand(clearCmd, code, fake)
	return cmd
}

func newIdentityCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "Manage test identities"}

	var traits []string
	register := &cobra.Command{
		Use:   "register <email> <password>",
		Short: "Register an identity through the API flow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.identity()
			if err != nil {
				return err
			}
			fields, err := parseTraits(traits)
			if err != nil {
				return err
			}
			id, err := client.RegisterAPI(cmd.Context(), args[0], args[1], fields)
			if err != nil {
				return err
			}
			c.printf("%s\n", id.ID)
			return nil
		},
	}
	register.Flags().StringArrayVar(&traits, "trait", nil, "extra trait as traits.<name>=<value> (repeatable)")

	login := &cobra.Command{
		Use:   "login <email> <password>",
		Short: "Check credentials through the API login flow and resolve the session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.identity()
			if err != nil {
				return err
			}
			sess, err := client.LoginAPI(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			who, err := client.Whoami(cmd.Context(), sess.Token)
			if err != nil {
				return fmt.Errorf("resolve new session: %w", err)
			}
			c.printf("%s %s\n", who.ID, who.Email())
			return nil
		},
	}

	var missingOK bool
	del := &cobra.Command{
		Use:   "delete <email>",
		Short: "Delete the identity registered under email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.identity()
			if err != nil {
				return err
			}
			id, err := client.IdentityByEmail(cmd.Context(), args[0])
			if missingOK && errs.Is(err, errs.NotFound) {
				c.printf("no identity for %s\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			if err := client.DeleteIdentity(cmd.Context(), id.ID); err != nil {
				return err
			}
			c.printf("deleted %s\n", id.ID)
			return nil
		},
	}

	del.Flags().BoolVar(&missingOK, "missing-ok", false, "succeed when no identity has the email")

	cmd.AddCommand(register, login, del)
	return cmd
}

// parseTraits turns ["traits.website=https://x"] into form-style fields.
func parseTraits(pairs []string) (map[string]any, error) {
	fields := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("invalid --trait %q, want name=value", pair))
		}
		if !strings.HasPrefix(key, "traits.") {
			key = "traits." + key
		}
		fields[key] = value
	}
	return fields, nil
}

func serveUntilSignal(ctx context.Context, addr string, handler http.Handler, name string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log := obs.From(ctx).With("pkg", name)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errs.Wrap(errs.Unavailable, name+": listen on "+addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("server_shutdown")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errs.Wrap(errs.Internal, name+": shutdown", err)
	}
	return nil
}

func newArtifactsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "artifacts", Short: "Inspect uploaded screenshots and reports"}

	list := &cobra.Command{
		Use:   "list <run-id>",
		Short: "List the artifacts of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.artifacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			keys, err := store.Keys(cmd.Context())
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				return errs.New(errs.NotFound, fmt.Sprintf("no artifacts for %s in %s", args[0], store.Bucket()))
			}
			for _, k := range keys {
				c.printf("%s\n", k)
			}
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <run-id> <name>",
		Short: "Write one artifact of a run to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.artifacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			data, err := store.Get(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			_, err = c.out.Write(data)
			return err
		},
	}

	prune := &cobra.Command{
		Use:   "prune <run-id>",
		Short: "Delete every artifact of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.artifacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			n, err := store.Prune(cmd.Context())
			if err != nil {
				return err
			}
			c.printf("pruned %d artifacts\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, get, prune)
	return cmd
}
