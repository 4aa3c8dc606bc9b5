package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/blogauth/blogauth/internal/audit"
	"github.com/blogauth/blogauth/internal/auth"
	"github.com/blogauth/blogauth/internal/config"
	"github.com/blogauth/blogauth/internal/database"
	"github.com/blogauth/blogauth/internal/email"
	"github.com/blogauth/blogauth/internal/logger"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/blogauth/blogauth/internal/ratelimit"
	"github.com/blogauth/blogauth/internal/repository"
	"github.com/blogauth/blogauth/internal/service"
	"github.com/blogauth/blogauth/internal/tokens"
	"github.com/spf13/cobra"
)

// actor is the name recorded in the audit log for changes made here
const actor = "authctl"

var (
	createReq   service.CreateUserRequest
	createRole  string
	eventsLimit int
)

var rootCmd = &cobra.Command{
	Use:   "authctl",
	Short: "Administrative tasks for blog accounts",
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an account",
	RunE:  runUserCreate,
}

var userUnlockCmd = &cobra.Command{
	Use:   "unlock [username]",
	Short: "Clear login lockouts for an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserUnlock,
}

var userRequireChangeCmd = &cobra.Command{
	Use:   "require-password-change [username]",
	Short: "Force a password change at next login",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserRequireChange,
}

var userResetTwoFactorCmd = &cobra.Command{
	Use:   "reset-2fa [username]",
	Short: "Email the account a link to remove two-factor authentication",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserResetTwoFactor,
}

var userEventsCmd = &cobra.Command{
	Use:   "events [username]",
	Short: "Show recent security events for an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserEvents,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune stale reset tokens and login attempts",
	RunE:  runCleanup,
}

func init() {
	f := userCreateCmd.Flags()
	f.StringVar(&createReq.Username, "username", "", "account username")
	f.StringVar(&createReq.Email, "email", "", "account email address")
	f.StringVar(&createReq.Password, "password", "", "initial password")
	f.StringVar(&createRole, "role", string(model.RoleUser), "role: user or admin")
	f.BoolVar(&createReq.MustChangePassword, "must-change", false, "require a password change at first login")
	_ = userCreateCmd.MarkFlagRequired("username")
	_ = userCreateCmd.MarkFlagRequired("email")
	_ = userCreateCmd.MarkFlagRequired("password")

	userEventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "number of events to show")

	userCmd.AddCommand(userCreateCmd, userUnlockCmd, userRequireChangeCmd, userResetTwoFactorCmd, userEventsCmd)
	rootCmd.AddCommand(userCmd, cleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the components the commands share
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *database.Postgres
	rdb      *database.Redis
	users    *repository.UserRepository
	limiter  *ratelimit.Limiter
	hasher   *auth.Hasher
	recorder *audit.Recorder
}

func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, "text")

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a := &app{cfg: cfg, log: log, db: db, users: repository.NewUserRepository(db)}

	var attempts ratelimit.AttemptStore = repository.NewLoginAttemptRepository(db)
	if cfg.Security.RateLimiting.Backend == "redis" {
		rdb, err := database.NewRedis(cfg.Redis)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.rdb = rdb
		attempts = ratelimit.NewRedisAttemptStore(rdb.Client, cfg.Security.RateLimiting.AttemptRetention)
	}
	a.limiter = ratelimit.New(attempts, cfg.Security.RateLimiting, log)

	a.hasher, err = auth.NewHasher(auth.ParamsFromConfig(cfg.Security.Password))
	if err != nil {
		a.close()
		return nil, err
	}
	a.recorder = audit.NewRecorder(repository.NewAuditRepository(db), log)
	return a, nil
}

func (a *app) close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	a.db.Close()
}

func (a *app) accounts() *service.AccountService {
	// sessions are untouched by the operations exposed here
	return service.NewAccountService(a.users, nil, a.limiter, a.hasher, a.recorder, a.cfg, a.log)
}

// adminSession stands in for a signed-in administrator
func adminSession() *model.Session {
	sess := model.NewAnonymousSession("")
	sess.Authenticate(actor, model.RoleAdmin, false, time.Now().UTC())
	return sess
}

func cliMeta(cmd *cobra.Command) audit.Meta {
	return audit.Meta{ClientIP: "local", UserAgent: actor, Path: cmd.CommandPath(), Method: "CLI"}
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	createReq.Role = model.Role(createRole)
	user, err := a.accounts().CreateUser(cmd.Context(), createReq)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s account %q (%s)\n", user.Role, user.Username, user.ID)
	return nil
}

func runUserUnlock(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.accounts().ResetLockout(cmd.Context(), actor, args[0], cliMeta(cmd))
	if err != nil {
		return err
	}
	fmt.Printf("Cleared %d failed attempts for %s\n", n, args[0])
	return nil
}

func runUserRequireChange(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.accounts().RequirePasswordChange(cmd.Context(), adminSession(), args[0], cliMeta(cmd)); err != nil {
		return err
	}
	fmt.Printf("%s must change their password at next login\n", args[0])
	return nil
}

func runUserResetTwoFactor(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	sender, err := email.NewSender(ctx, a.cfg.Email, a.log)
	if err != nil {
		return fmt.Errorf("failed to initialize email sender: %w", err)
	}
	mgr := tokens.NewManager(repository.NewResetTokenRepository(a.db), model.PurposeTwoFactorReset, a.cfg.Security.Tokens.TwoFactorResetTTL, a.log)
	svc := service.NewTwoFactorResetService(a.users, mgr, sender, a.recorder, a.cfg.App.Name, a.cfg.App.BaseURL, a.log)

	if err := svc.Issue(ctx, adminSession(), args[0], cliMeta(cmd)); err != nil {
		return err
	}
	fmt.Printf("Two-factor reset link sent to %s\n", args[0])
	return nil
}

func runUserEvents(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	entries, err := repository.NewAuditRepository(a.db).ListByUsername(cmd.Context(), args[0], eventsLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No events recorded")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %-24s %-15s %3d  %s\n",
			e.CreatedAt.Format(time.RFC3339), e.EventType, e.IPAddress, e.Status, e.Details)
	}
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	tokenRepo := repository.NewResetTokenRepository(a.db)
	sec := a.cfg.Security
	maint := service.NewMaintenance(a.limiter, sec.Tokens.Retention, sec.RateLimiting.AttemptRetention, a.log,
		tokens.NewManager(tokenRepo, model.PurposePasswordReset, sec.Tokens.PasswordResetTTL, a.log),
		tokens.NewManager(tokenRepo, model.PurposeTwoFactorReset, sec.Tokens.TwoFactorResetTTL, a.log),
	)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()
	report, err := maint.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d tokens and %d login attempts\n", report.TokensRemoved, report.AttemptsRemoved)
	return nil
}
