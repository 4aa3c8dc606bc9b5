package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/blogauth/blogauth/internal/config"
	"github.com/blogauth/blogauth/internal/database"
	"github.com/blogauth/blogauth/internal/model"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// One Postgres container is shared by every test in the package and
// started on first use.
var (
	pgOnce      sync.Once
	pgConfig    config.DatabaseConfig
	pgErr       error
	pgContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgContainer != nil {
		_ = pgContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

func startPostgres(ctx context.Context) (config.DatabaseConfig, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "blog",
			"POSTGRES_PASSWORD": "blog",
			"POSTGRES_DB":       "blogauth",
		},
		// the server restarts once after initdb
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("failed to start postgres: %w", err)
	}
	pgContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return config.DatabaseConfig{}, err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return config.DatabaseConfig{}, err
	}
	portNum, err := strconv.Atoi(port.Port())
	if err != nil {
		return config.DatabaseConfig{}, err
	}

	return config.DatabaseConfig{
		Host:           host,
		Port:           portNum,
		Name:           "blogauth",
		User:           "blog",
		Password:       "blog",
		SSLMode:        "disable",
		MaxConnections: 20,
	}, nil
}

func migrateUp(cfg config.DatabaseConfig) error {
	db, err := database.NewPostgres(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://../../migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// newTestDB returns a connection to a migrated, empty database. Tests are
// skipped in short mode or when no container runtime is available.
func newTestDB(t *testing.T) *database.Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres tests need a container runtime")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgOnce.Do(func() {
		pgConfig, pgErr = startPostgres(ctx)
		if pgErr == nil {
			pgErr = migrateUp(pgConfig)
		}
	})
	require.NoError(t, pgErr)

	db, err := database.NewPostgres(pgConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `TRUNCATE users, reset_tokens, login_attempts, security_audit_log`)
	require.NoError(t, err)
	return db
}

func createUser(t *testing.T, repo *UserRepository, username string) *model.User {
	t.Helper()
	now := time.Now().UTC()
	u := &model.User{
		ID:           "usr_" + username,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$aGFzaA",
		Role:         model.RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, repo.Create(context.Background(), u))
	return u
}

func TestUserRepositoryCaseInsensitiveIdentity(t *testing.T) {
	db := newTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()
	createUser(t, repo, "Alice")

	u, err := repo.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", u.Username)
	_, err = repo.FindByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)

	dup := &model.User{ID: "usr_2", Username: "ALICE", Email: "other@example.com", PasswordHash: "x", Role: model.RoleUser}
	require.ErrorIs(t, repo.Create(ctx, dup), ErrDuplicate)

	_, err = repo.FindByUsername(ctx, "bob")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateBackupCodesCompareAndSwap(t *testing.T) {
	db := newTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()
	createUser(t, repo, "alice")

	secret := "JBSWY3DPEHPK3PXP"
	require.NoError(t, repo.UpdateTwoFactor(ctx, "alice", &secret, true, []string{"h1", "h2", "h3"}))

	require.NoError(t, repo.UpdateBackupCodes(ctx, "alice", []string{"h1", "h2", "h3"}, []string{"h2", "h3"}))
	// a second spend computed from the old set loses
	err := repo.UpdateBackupCodes(ctx, "alice", []string{"h1", "h2", "h3"}, []string{"h1", "h3"})
	require.ErrorIs(t, err, ErrConflict)

	u, err := repo.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"h2", "h3"}, u.BackupCodes)

	err = repo.UpdateBackupCodes(ctx, "nobody", nil, []string{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateBackupCodesConcurrentSpend(t *testing.T) {
	db := newTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()
	createUser(t, repo, "alice")

	secret := "JBSWY3DPEHPK3PXP"
	codes := []string{"h1", "h2", "h3"}
	require.NoError(t, repo.UpdateTwoFactor(ctx, "alice", &secret, true, codes))

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- repo.UpdateBackupCodes(ctx, "alice", codes, []string{"h2", "h3"})
		}()
	}
	wg.Wait()
	close(results)

	var won, conflicts int
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, workers-1, conflicts)
}

func newResetToken(username, hash string, now time.Time) *model.ResetToken {
	return &model.ResetToken{
		ID:        "tok_" + hash,
		Purpose:   model.PurposePasswordReset,
		Username:  username,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}
}

func liveTokens(t *testing.T, db *database.Postgres, username string) int {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM reset_tokens WHERE lower(username) = lower($1) AND NOT used`, username).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestResetTokenReplaceInvalidatesOlder(t *testing.T) {
	db := newTestDB(t)
	repo := NewResetTokenRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Replace(ctx, newResetToken("alice", "first", now), now))
	require.NoError(t, repo.Replace(ctx, newResetToken("Alice", "second", now), now))
	require.Equal(t, 1, liveTokens(t, db, "alice"))

	old, err := repo.GetByHash(ctx, model.PurposePasswordReset, "first")
	require.NoError(t, err)
	require.True(t, old.Used)
	require.NotNil(t, old.UsedAt)

	// other purposes are untouched
	twofa := newResetToken("alice", "twofa", now)
	twofa.Purpose = model.PurposeTwoFactorReset
	require.NoError(t, repo.Replace(ctx, twofa, now))
	_, err = repo.GetByHash(ctx, model.PurposePasswordReset, "second")
	require.NoError(t, err)
	require.Equal(t, 2, liveTokens(t, db, "alice"))
}

func TestResetTokenConcurrentReplaceLeavesOneLive(t *testing.T) {
	db := newTestDB(t)
	repo := NewResetTokenRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	const workers = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- repo.Replace(ctx, newResetToken("alice", fmt.Sprintf("hash-%d", i), now), now)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, liveTokens(t, db, "alice"))
}

func TestResetTokenConsumeOnce(t *testing.T) {
	db := newTestDB(t)
	repo := NewResetTokenRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, repo.Replace(ctx, newResetToken("alice", "h", now), now))

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Consume(ctx, model.PurposePasswordReset, "h", now.Add(time.Minute))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var won int
	for err := range results {
		if err == nil {
			won++
			continue
		}
		require.ErrorIs(t, err, ErrNotFound)
	}
	require.Equal(t, 1, won)
}

func TestResetTokenConsumeRejectsExpiredAndWrongPurpose(t *testing.T) {
	db := newTestDB(t)
	repo := NewResetTokenRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()
	tok := newResetToken("alice", "h", now)
	require.NoError(t, repo.Replace(ctx, tok, now))

	_, err := repo.Consume(ctx, model.PurposeTwoFactorReset, "h", now)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = repo.Consume(ctx, model.PurposePasswordReset, "h", tok.ExpiresAt.Add(time.Second))
	require.ErrorIs(t, err, ErrNotFound)

	// exactly at expiry is still valid
	got, err := repo.Consume(ctx, model.PurposePasswordReset, "h", tok.ExpiresAt)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username)
	require.True(t, got.Used)
}

func TestResetTokenDeleteStale(t *testing.T) {
	db := newTestDB(t)
	repo := NewResetTokenRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := newResetToken("alice", "old", now.Add(-2*time.Hour))
	require.NoError(t, repo.Replace(ctx, expired, now.Add(-2*time.Hour)))
	require.NoError(t, repo.Replace(ctx, newResetToken("bob", "fresh", now), now))

	n, err := repo.DeleteStale(ctx, model.PurposePasswordReset, now.Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	_, err = repo.GetByHash(ctx, model.PurposePasswordReset, "fresh")
	require.NoError(t, err)
}

func TestLoginAttemptSuccessClearsFailures(t *testing.T) {
	db := newTestDB(t)
	repo := NewLoginAttemptRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Record(ctx, "fp1:alice", false, now.Add(time.Duration(i)*time.Second)))
	}
	require.NoError(t, repo.Record(ctx, "fp2:alice", false, now))

	count, earliest, err := repo.FailuresSince(ctx, "fp1:alice", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.WithinDuration(t, now, earliest, time.Millisecond)

	require.NoError(t, repo.Record(ctx, "fp1:alice", true, now.Add(time.Minute)))
	count, _, err = repo.FailuresSince(ctx, "fp1:alice", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Zero(t, count)

	// other identifiers keep their failures
	count, _, err = repo.FailuresSince(ctx, "fp2:alice", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestLoginAttemptClearFailuresWithSuffix(t *testing.T) {
	db := newTestDB(t)
	repo := NewLoginAttemptRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"fp1:alice", "fp2:alice", "10.0.0.1:alice", "fp1:malice", "fp1:bob"} {
		require.NoError(t, repo.Record(ctx, id, false, now))
	}

	n, err := repo.ClearFailuresWithSuffix(ctx, ":Alice")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	for id, want := range map[string]int{"fp1:alice": 0, "fp2:alice": 0, "10.0.0.1:alice": 0, "fp1:malice": 1, "fp1:bob": 1} {
		count, _, err := repo.FailuresSince(ctx, id, now.Add(-time.Minute))
		require.NoError(t, err)
		require.Equal(t, want, count, id)
	}

	_, err = repo.ClearFailuresWithSuffix(ctx, "")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	db := newTestDB(t)
	repo := NewAuditRepository(db)
	ctx := context.Background()

	username := "Alice"
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Append(ctx, &model.SecurityAuditEntry{
			ID:        fmt.Sprintf("aud_%d", i),
			EventType: model.EventUserLoginFailure,
			Username:  &username,
			IPAddress: "10.0.0.1",
			Status:    401,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := repo.ListByUsername(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "aud_2", entries[0].ID)

	_, err = db.ExecContext(ctx, `UPDATE security_audit_log SET details = 'x'`)
	require.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM security_audit_log`)
	require.Error(t, err)
}
