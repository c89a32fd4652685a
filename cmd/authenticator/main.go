package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MrEthical07/goAuthenticator"
	"github.com/MrEthical07/goAuthenticator/push"
)

var rootCmd = &cobra.Command{
	Use:   "authenticator",
	Short: "Authenticator mechanism CLI",
	Long: `authenticator enrolls OTP and push mechanisms from otpauth:// and pushauth:// URIs.
Identities must be added before mechanisms can be enrolled against them. Mechanisms are kept
in a SQLite database (--db) or in Redis (--redis-addr).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AUTHENTICATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("db", "authenticator.db", "sqlite database path")
	flags.String("redis-addr", "", "redis address; when set, redis is used instead of sqlite")
	flags.String("redis-prefix", goAuthenticator.DefaultConfig().Store.RedisPrefix, "redis key prefix")
	flags.Bool("json", false, "output JSON")
	flags.BoolP("verbose", "v", false, "debug logging")
	for _, name := range []string{"db", "redis-addr", "redis-prefix", "json", "verbose"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(enrollCmd())
	rootCmd.AddCommand(mechanismCmd())
}

// backend is what the CLI needs from either identity store.
type backend interface {
	goAuthenticator.IdentityStore
	goAuthenticator.IdentitySource
	Lookup(ctx context.Context, handle goAuthenticator.StoreHandle) (*goAuthenticator.Mechanism, error)
	NextCode(ctx context.Context, handle goAuthenticator.StoreHandle) (string, error)
	SaveIdentity(ctx context.Context, ref goAuthenticator.IdentityRef) error
}

func withStore(ctx context.Context, fn func(ctx context.Context, s backend) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if addr := viper.GetString("redis-addr"); addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", addr, err)
		}
		return fn(ctx, goAuthenticator.NewRedisIdentityStore(client, viper.GetString("redis-prefix")))
	}
	s, err := goAuthenticator.OpenSQLiteIdentityStore(ctx, viper.GetString("db"))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity", Short: "Manage identities"}
	cmd.AddCommand(identityAddCmd())
	cmd.AddCommand(identityListCmd())
	return cmd
}

func identityAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <issuer> <account>",
		Short: "Add an identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := goAuthenticator.IdentityRef{Issuer: args[0], AccountName: args[1]}
			return withStore(cmd.Context(), func(ctx context.Context, s backend) error {
				if err := s.SaveIdentity(ctx, ref); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(identityView{Issuer: ref.Issuer, AccountName: ref.AccountName})
				}
				fmt.Println("added", ref.String())
				return nil
			})
		},
	}
}

func identityListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s backend) error {
				model, err := goAuthenticator.LoadIdentityModel(ctx, s)
				if err != nil {
					return err
				}
				identities := model.Identities()
				views := make([]identityView, 0, len(identities))
				for _, id := range identities {
					views = append(views, identityView{
						Issuer:      id.Ref().Issuer,
						AccountName: id.Ref().AccountName,
						Mechanisms:  id.MechanismCount(),
					})
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Issuer", "Account", "Mechanisms"})
				for _, v := range views {
					tw.AppendRow(table.Row{v.Issuer, v.AccountName, v.Mechanisms})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func enrollCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "enroll <uri>",
		Short: "Build a mechanism from an otpauth or pushauth URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceToken := viper.GetString("device-token")
			cfg := goAuthenticator.DefaultConfig()
			cfg.Push.DeviceToken = deviceToken

			b := goAuthenticator.New().
				WithConfig(cfg).
				WithLogger(newLogger()).
				WithOTP()
			if deviceToken != "" {
				b = b.WithPush(push.NewHTTPRegistrar(nil))
			}
			registry, err := b.Build()
			if err != nil {
				return err
			}
			defer registry.Close()

			return withStore(cmd.Context(), func(ctx context.Context, s backend) error {
				model, err := goAuthenticator.LoadIdentityModel(ctx, s)
				if err != nil {
					return err
				}
				mech, err := enroll(ctx, registry, args[0], s, model, timeout)
				if err != nil {
					if errors.Is(err, goAuthenticator.ErrUnsupportedMechanismKind) && deviceToken == "" {
						return fmt.Errorf("%w (push enrollment needs --device-token)", err)
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(newMechanismView(mech))
				}
				fmt.Printf("enrolled %s mechanism %s for %s\n", mech.Kind, mech.ID, mech.Identity.String())
				return nil
			})
		},
	}
	cmd.Flags().String("device-token", "", "device token sent on push registration")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "time to wait for the build")
	_ = viper.BindPFlag("device-token", cmd.Flags().Lookup("device-token"))
	return cmd
}

// enroll builds a mechanism and waits for its outcome even past timeout. The timeout reaches the
// build through ctx, so persistence gives up with it, and compensation is bounded by the
// registry's CompensationTimeout. Returning only after the build resolves keeps the store open
// while it may still be writing or deleting.
func enroll(ctx context.Context, registry *goAuthenticator.Registry, uri string, s backend, model goAuthenticator.IdentityModel, timeout time.Duration) (*goAuthenticator.Mechanism, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch, err := registry.BuildAsync(ctx, uri, s, model)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res.Mechanism, res.Err
	case <-ctx.Done():
	}
	newLogger().Warn("enrollment timed out; waiting for the build to finish", slog.Duration("timeout", timeout))
	res := <-ch
	return res.Mechanism, res.Err
}

func mechanismCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "mechanism", Short: "Inspect mechanisms"}
	cmd.AddCommand(mechanismListCmd())
	cmd.AddCommand(mechanismCodeCmd())
	return cmd
}

func mechanismListCmd() *cobra.Command {
	var issuer, account string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mechanisms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s backend) error {
				refs, err := s.Identities(ctx)
				if err != nil {
					return err
				}
				var views []mechanismView
				for _, ref := range refs {
					if issuer != "" && ref.Issuer != issuer {
						continue
					}
					if account != "" && ref.AccountName != account {
						continue
					}
					mechs, err := s.Mechanisms(ctx, ref)
					if err != nil {
						return err
					}
					for _, m := range mechs {
						views = append(views, newMechanismView(m))
					}
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Identity", "Kind", "Detail", "Created"})
				for _, v := range views {
					tw.AppendRow(table.Row{v.ID, v.Issuer + ":" + v.AccountName, v.Kind, v.Detail, v.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "", "issuer filter")
	cmd.Flags().StringVar(&account, "account", "", "account filter")
	return cmd
}

func mechanismCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "code <id>",
		Short: "Print the next code of an OTP mechanism",
		Long: `Prints the current TOTP code, or the HOTP code for the stored counter. Printing a HOTP
code advances the stored counter, so each code is shown once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s backend) error {
				code, err := nextCode(ctx, s, goAuthenticator.StoreHandle(args[0]), time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": args[0], "code": code})
				}
				fmt.Println(code)
				return nil
			})
		},
	}
}

// nextCode returns the TOTP code for now, or consumes the next HOTP code.
func nextCode(ctx context.Context, s backend, handle goAuthenticator.StoreHandle, now time.Time) (string, error) {
	mech, err := s.Lookup(ctx, handle)
	if err != nil {
		return "", err
	}
	if mech.OTP == nil {
		return "", fmt.Errorf("mechanism %s is %s, not otp", mech.ID, mech.Kind)
	}
	if mech.OTP.Type == goAuthenticator.OTPTypeHOTP {
		return s.NextCode(ctx, handle)
	}
	return mech.OTP.Code(now)
}

type identityView struct {
	Issuer      string `json:"issuer"`
	AccountName string `json:"account_name"`
	Mechanisms  int    `json:"mechanisms"`
}

// mechanismView is the printable form of a mechanism. Secrets are never included.
type mechanismView struct {
	ID          string    `json:"id"`
	Issuer      string    `json:"issuer"`
	AccountName string    `json:"account_name"`
	Kind        string    `json:"kind"`
	Protocol    string    `json:"protocol"`
	Detail      string    `json:"detail"`
	CreatedAt   time.Time `json:"created_at"`
}

func newMechanismView(m *goAuthenticator.Mechanism) mechanismView {
	v := mechanismView{
		ID:          m.ID,
		Issuer:      m.Identity.Issuer,
		AccountName: m.Identity.AccountName,
		Kind:        m.Kind.String(),
		Protocol:    m.Protocol,
		CreatedAt:   m.CreatedAt,
	}
	switch {
	case m.OTP != nil:
		v.Detail = fmt.Sprintf("%s %s/%d", m.OTP.Type, m.OTP.Algorithm, m.OTP.Digits)
	case m.Push != nil:
		v.Detail = m.Push.AuthenticationEndpoint
	}
	return v
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
