package account

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/authcore/internal/action"
	autherr "github.com/alexjbarnes/authcore/internal/errors"
	"github.com/alexjbarnes/authcore/internal/guard"
	"github.com/alexjbarnes/authcore/internal/kv"
	"github.com/alexjbarnes/authcore/internal/metrics"
	"github.com/alexjbarnes/authcore/internal/models"
	"github.com/alexjbarnes/authcore/internal/notify"
	"github.com/alexjbarnes/authcore/internal/password"
	"github.com/alexjbarnes/authcore/internal/rbac"
	"github.com/alexjbarnes/authcore/internal/state"
	"github.com/alexjbarnes/authcore/internal/token"
)

var testSecret = []byte("account-test-secret-0123456789abcdef")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc      *Service
	users    *state.State
	tokens   *token.Manager
	clock    *testClock
	notifier *notify.MockNotifier
	reg      *prometheus.Registry
	logs     *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	users, err := state.LoadAt(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { users.Close() })

	store := kv.NewMemory()
	t.Cleanup(func() { store.Close() })

	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	notifier := notify.NewMockNotifier(gomock.NewController(t))
	notifier.EXPECT().
		SendVerificationMessage(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil).
		AnyTimes()

	g := guard.New(guard.WithClock(clock.Now))
	hasher := password.NewHasher(bcrypt.MinCost)

	tokens := token.NewManager(store, users, testSecret,
		token.WithClock(clock.Now),
		token.WithLogger(logger),
		token.WithMetrics(mt),
	)
	actions := action.NewIssuer(users, testSecret,
		action.WithClock(clock.Now),
		action.WithLogger(logger),
		action.WithNotifier(notifier),
		action.WithRevoker(tokens),
		action.WithGuard(g),
		action.WithHasher(hasher),
	)

	return &fixture{
		svc: NewService(users, tokens, actions,
			WithGuard(g),
			WithHasher(hasher),
			WithNotifier(notifier),
			WithMetrics(mt),
			WithLogger(logger),
			WithClock(clock.Now),
		),
		users:    users,
		tokens:   tokens,
		clock:    clock,
		notifier: notifier,
		reg:      reg,
		logs:     logs,
	}
}

func (f *fixture) signup(t *testing.T, email, pw string) *Result {
	t.Helper()
	res, err := f.svc.Signup(context.Background(), email, pw, device())
	require.NoError(t, err)
	return res
}

func device() models.DeviceInfo {
	return models.DeviceInfo{Agent: "test-agent", IP: "10.0.0.1"}
}

func assertLogins(t *testing.T, reg *prometheus.Registry, lines ...string) {
	t.Helper()
	expected := "# HELP authcore_logins_total Login attempts by result.\n# TYPE authcore_logins_total counter\n" +
		strings.Join(lines, "\n") + "\n"
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "authcore_logins_total"))
}

// --- Signup ---

func TestSignup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.signup(t, "  Alice@Example.com ", "first-password")

	assert.Equal(t, "alice@example.com", res.User.Email)
	assert.Equal(t, []string{"user"}, res.User.Roles)
	assert.NotEmpty(t, res.Tokens.AccessToken)
	assert.NotEmpty(t, res.Tokens.RefreshToken)

	claims, err := f.tokens.VerifyAccessToken(res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.Subject)

	stored, err := f.users.FindByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "first-password", stored.PasswordHash)
	assert.NotEmpty(t, stored.Verification.Secret, "signup requests verification")
	assert.False(t, stored.Verified)
}

func TestSignup_Rejections(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "taken@example.com", "first-password")

	tests := []struct {
		name  string
		email string
		pw    string
		want  error
	}{
		{"duplicate email", "TAKEN@example.com", "first-password", autherr.ErrAlreadyExists},
		{"bad email", "not-an-email", "first-password", autherr.ErrInvalidInput},
		{"display name", "Bob <bob@example.com>", "first-password", autherr.ErrInvalidInput},
		{"short password", "bob@example.com", "short", autherr.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Signup(context.Background(), tt.email, tt.pw, device())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// --- Login ---

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "alice@example.com", "first-password").User

	res, err := f.svc.Login(ctx, "ALICE@example.com", "first-password", device())
	require.NoError(t, err)
	assert.Equal(t, u.ID, res.User.ID)
	require.NotNil(t, res.User.LastLoginAt)

	assertLogins(t, f.reg, `authcore_logins_total{result="success"} 1`)
}

func TestLogin_UnknownEmail(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Login(context.Background(), "ghost@example.com", "whatever-password", device())
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	assertLogins(t, f.reg, `authcore_logins_total{result="failure"} 1`)
}

func TestLogin_LocksAfterMaxFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "alice@example.com", "first-password").User

	for range guard.DefaultMaxAttempts {
		_, err := f.svc.Login(ctx, u.Email, "wrong-password", device())
		require.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	}

	_, err := f.svc.Login(ctx, u.Email, "first-password", device())
	assert.ErrorIs(t, err, autherr.ErrAccountLocked, "correct password is refused while locked")

	stored, err := f.users.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, guard.DefaultMaxAttempts, stored.FailedLoginAttempts)
	require.NotNil(t, stored.LockUntil)

	assertLogins(t, f.reg,
		`authcore_logins_total{result="failure"} 5`,
		`authcore_logins_total{result="locked"} 1`,
	)
	assert.Equal(t, 1.0, counterValue(t, f.reg, "authcore_account_locks_total"))
	assert.Contains(t, f.logs.String(), "account locked")
}

func TestLogin_LockExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "alice@example.com", "first-password").User

	for range guard.DefaultMaxAttempts {
		_, _ = f.svc.Login(ctx, u.Email, "wrong-password", device())
	}

	f.clock.Advance(guard.DefaultLockDuration + time.Second)

	res, err := f.svc.Login(ctx, u.Email, "first-password", device())
	require.NoError(t, err)
	assert.Zero(t, res.User.FailedLoginAttempts)
	assert.Nil(t, res.User.LockUntil)
}

func TestLogin_SuccessResetsCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "alice@example.com", "first-password").User

	for range guard.DefaultMaxAttempts - 1 {
		_, _ = f.svc.Login(ctx, u.Email, "wrong-password", device())
	}
	_, err := f.svc.Login(ctx, u.Email, "first-password", device())
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, u.Email, "wrong-password", device())
	require.ErrorIs(t, err, autherr.ErrInvalidCredentials)

	stored, err := f.users.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailedLoginAttempts)
	assert.Nil(t, stored.LockUntil)
}

func TestLogin_ProviderOnlyAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.LoginWithProvider(ctx, models.ProviderIdentity{
		Provider: "github", ProviderID: "42", Email: "gh@example.com", EmailVerified: true,
	}, device())
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, "gh@example.com", "any-password", device())
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
}

// --- Provider login ---

func TestLoginWithProvider_CreatesThenFinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := models.ProviderIdentity{Provider: "github", ProviderID: "42", Email: "gh@example.com", EmailVerified: true}

	first, err := f.svc.LoginWithProvider(ctx, id, device())
	require.NoError(t, err)
	assert.True(t, first.User.Verified)
	assert.Empty(t, first.User.PasswordHash)
	assert.Equal(t, "github", first.User.Provider)

	id.Email = "changed@example.com"
	second, err := f.svc.LoginWithProvider(ctx, id, device())
	require.NoError(t, err)
	assert.Equal(t, first.User.ID, second.User.ID)
}

func TestLoginWithProvider_LinksVerifiedEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := f.signup(t, "alice@example.com", "first-password").User

	res, err := f.svc.LoginWithProvider(ctx, models.ProviderIdentity{
		Provider: "google", ProviderID: "g-1", Email: "Alice@example.com", EmailVerified: true,
	}, device())
	require.NoError(t, err)
	assert.Equal(t, local.ID, res.User.ID)
	assert.True(t, res.User.Verified)

	_, err = f.svc.Login(ctx, "alice@example.com", "first-password", device())
	assert.NoError(t, err, "linked account keeps its password")
}

func TestLoginWithProvider_UnverifiedEmailNotLinked(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "alice@example.com", "first-password")

	_, err := f.svc.LoginWithProvider(context.Background(), models.ProviderIdentity{
		Provider: "google", ProviderID: "g-1", Email: "alice@example.com",
	}, device())
	assert.ErrorIs(t, err, autherr.ErrAlreadyExists)
}

func TestLoginWithProvider_InvalidIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []models.ProviderIdentity{
		{Provider: "", ProviderID: "1", Email: "a@example.com"},
		{Provider: models.ProviderLocal, ProviderID: "1", Email: "a@example.com"},
		{Provider: "github", ProviderID: "", Email: "a@example.com"},
		{Provider: "github", ProviderID: "1", Email: ""},
	} {
		_, err := f.svc.LoginWithProvider(ctx, id, device())
		assert.ErrorIs(t, err, autherr.ErrInvalidInput)
	}
}

// --- Sessions ---

func TestRefreshAndLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.signup(t, "alice@example.com", "first-password")

	pair, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken, device())
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken, device())
	assert.ErrorIs(t, err, autherr.ErrTokenReuseOrRevoked)

	require.NoError(t, f.svc.Logout(ctx, pair.RefreshToken))

	_, err = f.svc.Refresh(ctx, pair.RefreshToken, device())
	assert.ErrorIs(t, err, autherr.ErrTokenReuseOrRevoked)

	assert.ErrorIs(t, f.svc.Logout(ctx, pair.RefreshToken), autherr.ErrTokenReuseOrRevoked)
}

func TestLogoutAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "alice@example.com", "first-password").User

	_, err := f.svc.Login(ctx, u.Email, "first-password", device())
	require.NoError(t, err)

	sessions, err := f.svc.Sessions(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	n, err := f.svc.LogoutAll(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sessions, err = f.svc.Sessions(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

// --- Password change ---

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.signup(t, "alice@example.com", "first-password")
	f.notifier.EXPECT().SendPasswordChangedNotice(gomock.Any(), gomock.Any()).Return(nil)

	require.NoError(t, f.svc.ChangePassword(ctx, res.User.ID, "first-password", "second-password"))

	_, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken, device())
	assert.ErrorIs(t, err, autherr.ErrTokenReuseOrRevoked, "sessions are revoked")

	_, err = f.svc.Login(ctx, "alice@example.com", "second-password", device())
	assert.NoError(t, err)

	stored, err := f.users.FindByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastPasswordChangeAt)
}

func TestChangePassword_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "alice@example.com", "first-password").User

	assert.ErrorIs(t, f.svc.ChangePassword(ctx, u.ID, "wrong-password", "second-password"), autherr.ErrInvalidCredentials)
	assert.ErrorIs(t, f.svc.ChangePassword(ctx, u.ID, "first-password", "first-password"), autherr.ErrSamePasswordReuse)
	assert.ErrorIs(t, f.svc.ChangePassword(ctx, u.ID, "first-password", "short"), autherr.ErrInvalidInput)
	assert.ErrorIs(t, f.svc.ChangePassword(ctx, "nobody", "first-password", "second-password"), autherr.ErrNotFound)
}

func TestResetPassword_RevokesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.signup(t, "alice@example.com", "first-password")

	var resetToken string
	f.notifier.EXPECT().
		SendPasswordResetMessage(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ *models.User, tok string) error {
			resetToken = tok
			return nil
		})
	f.notifier.EXPECT().SendPasswordChangedNotice(gomock.Any(), gomock.Any()).Return(nil)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice@example.com"))
	require.NoError(t, f.svc.ResetPassword(ctx, resetToken, "second-password"))

	_, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken, device())
	assert.ErrorIs(t, err, autherr.ErrTokenReuseOrRevoked)
}

// --- Authorization ---

func TestAuthenticateAndAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.signup(t, "alice@example.com", "first-password")

	p, err := f.svc.Authenticate(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, p.UserID)
	assert.Equal(t, []string{"user"}, p.Roles)

	assert.NoError(t, f.svc.Authorize(p, rbac.ReadPost))
	assert.ErrorIs(t, f.svc.Authorize(p, rbac.ManageRoles), autherr.ErrPermissionDenied)

	_, err = f.svc.GrantPermission(ctx, res.User.ID, rbac.ManageRoles)
	require.NoError(t, err)

	p, err = f.svc.Authenticate(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.NoError(t, f.svc.Authorize(p, rbac.ManageRoles), "grants apply without a new token")
	assert.Contains(t, f.svc.Permissions(p), string(rbac.ManageRoles))

	_, err = f.svc.RevokePermission(ctx, res.User.ID, rbac.ManageRoles)
	require.NoError(t, err)

	p, err = f.svc.Authenticate(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.Authorize(p, rbac.ManageRoles), autherr.ErrPermissionDenied)
}

func TestAuthenticate_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.signup(t, "alice@example.com", "first-password")

	_, err := f.svc.Authenticate(ctx, res.Tokens.RefreshToken)
	assert.ErrorIs(t, err, autherr.ErrTokenTypeMismatch)

	_, err = f.svc.Authenticate(ctx, "garbage")
	assert.ErrorIs(t, err, autherr.ErrTokenMalformed)

	require.NoError(t, f.users.DeleteByID(ctx, res.User.ID))
	_, err = f.svc.Authenticate(ctx, res.Tokens.AccessToken)
	assert.ErrorIs(t, err, autherr.ErrTokenReuseOrRevoked)
}

func TestGrantPermission_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "alice@example.com", "first-password").User

	for range 2 {
		got, err := f.svc.GrantPermission(ctx, u.ID, rbac.ReadAuditLog)
		require.NoError(t, err)
		assert.Equal(t, []string{string(rbac.ReadAuditLog)}, got.Permissions)
	}

	_, err := f.svc.GrantPermission(ctx, u.ID, " ")
	assert.ErrorIs(t, err, autherr.ErrInvalidInput)
}

func TestAssignRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.signup(t, "alice@example.com", "first-password")

	_, err := f.svc.AssignRoles(ctx, res.User.ID, []string{"admin", "wizard"})
	assert.ErrorIs(t, err, autherr.ErrInvalidInput)

	u, err := f.svc.AssignRoles(ctx, res.User.ID, []string{"admin", "admin", "moderator"})
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "moderator"}, u.Roles)

	pair, err := f.svc.Refresh(ctx, res.Tokens.RefreshToken, device())
	require.NoError(t, err)
	p, err := f.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.NoError(t, f.svc.Authorize(p, rbac.ManageRoles))

	u, err = f.svc.AssignRoles(ctx, res.User.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"user"}, u.Roles)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			var total float64
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
	}
	require.Fail(t, fmt.Sprintf("metric %s not found", name))
	return 0
}
