package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/mindgauge/backend/internal/audit"
	"github.com/mindgauge/backend/internal/domain"
)

// UserStore is the directory slice the gateway needs. *store.Memory and
// *store.Postgres satisfy it.
type UserStore interface {
	CreateUser(ctx context.Context, u *domain.User) error
	UserByEmail(ctx context.Context, email string) (*domain.User, error)
	UserByID(ctx context.Context, id int64) (*domain.User, error)
	UpdatePassword(ctx context.Context, userID int64, hash string) error
	AdvanceRevocation(ctx context.Context, userID int64, at time.Time) error
	CreateResetToken(ctx context.Context, t *domain.PasswordResetToken) error
	ResetTokenByValue(ctx context.Context, token string) (*domain.PasswordResetToken, error)
	MarkResetTokenUsed(ctx context.Context, token string, at time.Time) error
}

// Mailer delivers password-reset mail. Delivery failures are logged,
// never surfaced. A nil Mailer disables delivery (development mode).
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, token string) error
}

// RequestMeta carries per-request forensics into the audit trail.
type RequestMeta struct {
	IP        string
	RequestID string
}

// RegisterInput is the material for a new account.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string

	BirthYear      int
	EducationLevel string
	Country        string
	Region         string
}

// LoginResult pairs fresh tokens with the authenticated user.
type LoginResult struct {
	Pair *TokenPair
	User *domain.User
}

// A valid bcrypt hash compared against when the email is unknown, so a
// login probe costs the same whether or not the account exists.
const timingDummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ServiceConfig wires the gateway's collaborators.
type ServiceConfig struct {
	Users     UserStore
	Tokens    *Tokens
	Blacklist Blacklist
	Throttle  *ResetThrottle
	Mailer    Mailer
	Audit     *audit.Logger
	Logger    *slog.Logger

	// ResetTokenTTL defaults to one hour.
	ResetTokenTTL          time.Duration
	RevokeOnPasswordChange bool
}

// Service is the authentication gateway.
type Service struct {
	users     UserStore
	tokens    *Tokens
	blacklist Blacklist
	throttle  *ResetThrottle
	mailer    Mailer
	audit     *audit.Logger
	logger    *slog.Logger

	resetTTL               time.Duration
	revokeOnPasswordChange bool

	now func() time.Time
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLogger(nil, cfg.Logger)
	}
	if cfg.ResetTokenTTL <= 0 {
		cfg.ResetTokenTTL = time.Hour
	}
	return &Service{
		users:                  cfg.Users,
		tokens:                 cfg.Tokens,
		blacklist:              cfg.Blacklist,
		throttle:               cfg.Throttle,
		mailer:                 cfg.Mailer,
		audit:                  cfg.Audit,
		logger:                 cfg.Logger,
		resetTTL:               cfg.ResetTokenTTL,
		revokeOnPasswordChange: cfg.RevokeOnPasswordChange,
		now:                    time.Now,
	}
}

// Register creates the account and signs the user in.
func (s *Service) Register(ctx context.Context, in RegisterInput, meta RequestMeta) (*LoginResult, error) {
	if err := ValidateEmail(in.Email); err != nil {
		return nil, err
	}
	if err := ValidatePassword(in.Password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	u := &domain.User{
		Email:          in.Email,
		PasswordHash:   hash,
		FirstName:      in.FirstName,
		LastName:       in.LastName,
		BirthYear:      in.BirthYear,
		EducationLevel: in.EducationLevel,
		Country:        in.Country,
		Region:         in.Region,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	pair, err := s.tokens.IssuePair(u.ID, u.Email)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		Event: audit.EventAccountCreated, UserID: &u.ID, Email: u.Email,
		IP: meta.IP, RequestID: meta.RequestID,
	})
	return &LoginResult{Pair: pair, User: u}, nil
}

// Login verifies credentials and issues a token pair. Unknown email and
// wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (*LoginResult, error) {
	user, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			CheckPassword(timingDummyHash, password)
			s.recordLoginFailure(ctx, email, nil, meta)
			return nil, domain.Authentication(domain.KeyInvalidCredentials, "invalid email or password")
		}
		return nil, err
	}
	if !CheckPassword(user.PasswordHash, password) {
		s.recordLoginFailure(ctx, email, &user.ID, meta)
		return nil, domain.Authentication(domain.KeyInvalidCredentials, "invalid email or password")
	}
	pair, err := s.tokens.IssuePair(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		Event: audit.EventLoginSuccess, UserID: &user.ID, Email: user.Email,
		IP: meta.IP, RequestID: meta.RequestID,
	})
	return &LoginResult{Pair: pair, User: user}, nil
}

func (s *Service) recordLoginFailure(ctx context.Context, email string, userID *int64, meta RequestMeta) {
	s.audit.Record(ctx, audit.Entry{
		Event: audit.EventLoginFailure, UserID: userID, Email: email,
		IP: meta.IP, RequestID: meta.RequestID,
	})
}

// ValidateToken runs the full pipeline for a presented token: signature
// and expiry, expected type, blacklist, revocation epoch, user load.
func (s *Service) ValidateToken(ctx context.Context, raw, expectedType string) (*Principal, error) {
	claims, err := s.tokens.Parse(raw)
	if err != nil {
		s.recordTokenFailure(ctx, "", "malformed or expired")
		return nil, err
	}
	jti := claims.ID

	if claims.Type != expectedType {
		s.recordTokenFailure(ctx, jti, "wrong token type")
		return nil, domain.Authentication(domain.KeyInvalidTokenType, "wrong token type for this endpoint")
	}

	revoked, err := s.blacklist.IsRevoked(ctx, jti)
	if err != nil {
		// The blacklist contract fails open; a surfaced error still must
		// not lock users out.
		s.logger.Warn("[Auth] blacklist check errored, failing open",
			"jti", audit.PartialJTI(jti), "error", err)
	}
	if revoked {
		s.recordTokenFailure(ctx, jti, "revoked")
		return nil, domain.Authentication(domain.KeyTokenRevoked, "token has been revoked")
	}

	user, err := s.users.UserByID(ctx, claims.UserID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			s.recordTokenFailure(ctx, jti, "unknown user")
			return nil, domain.Authentication(domain.KeyInvalidToken, "invalid or expired token")
		}
		return nil, err
	}

	if epoch := user.TokenRevokedBefore; epoch != nil {
		if claims.IssuedAt == nil {
			s.recordTokenFailure(ctx, jti, "missing iat under revocation epoch")
			return nil, domain.Authentication(domain.KeyTokenRevoked, "token has been revoked")
		}
		if claims.IssuedAt.Time.Before(*epoch) {
			s.recordTokenFailure(ctx, jti, "issued before revocation epoch")
			return nil, domain.Authentication(domain.KeyTokenRevoked, "token has been revoked")
		}
	}

	p := &Principal{
		UserID: user.ID,
		Email:  user.Email,
		JTI:    jti,
		User:   user,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

func (s *Service) recordTokenFailure(ctx context.Context, jti, reason string) {
	s.audit.Record(ctx, audit.Entry{
		Event:  audit.EventTokenInvalid,
		Detail: reason + " jti=" + audit.PartialJTI(jti),
	})
}

// Refresh exchanges a refresh token for a fresh pair. The presented
// refresh token goes through the full validation pipeline, so revoked
// or pre-epoch refresh tokens cannot mint new access.
func (s *Service) Refresh(ctx context.Context, refreshRaw string, meta RequestMeta) (*LoginResult, error) {
	p, err := s.ValidateToken(ctx, refreshRaw, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.IssuePair(p.UserID, p.Email)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Pair: pair, User: p.User}, nil
}

// Logout revokes the presented access token. When a refresh token is
// supplied it is revoked too, but only after verifying it really is a
// refresh token for the same user; anything else is logged and ignored
// rather than revoked under the wrong semantics.
func (s *Service) Logout(ctx context.Context, p *Principal, refreshRaw string, meta RequestMeta) error {
	s.revokeAndAudit(ctx, p.UserID, p.JTI, p.ExpiresAt, "access", meta)

	if refreshRaw == "" {
		return nil
	}
	rc, err := s.tokens.Parse(refreshRaw)
	if err != nil {
		s.logger.Warn("[Auth] logout body token unparseable, ignoring", "error", err)
		return nil
	}
	if rc.Type != TokenTypeRefresh {
		s.logger.Warn("[Auth] logout body token is not a refresh token, ignoring",
			"type", rc.Type, "jti", audit.PartialJTI(rc.ID))
		return nil
	}
	if rc.UserID != p.UserID {
		s.logger.Warn("[Auth] logout body refresh token belongs to another user, ignoring",
			"jti", audit.PartialJTI(rc.ID))
		return nil
	}
	var exp time.Time
	if rc.ExpiresAt != nil {
		exp = rc.ExpiresAt.Time
	}
	s.revokeAndAudit(ctx, p.UserID, rc.ID, exp, "refresh", meta)
	return nil
}

func (s *Service) revokeAndAudit(ctx context.Context, userID int64, jti string, exp time.Time, kind string, meta RequestMeta) {
	recorded, err := s.blacklist.Revoke(ctx, jti, exp)
	if err != nil {
		s.logger.Error("[Auth] revoke failed", "jti", audit.PartialJTI(jti), "error", err)
	}
	s.audit.Record(ctx, audit.Entry{
		Event: audit.EventTokenRevoked, UserID: &userID,
		IP: meta.IP, RequestID: meta.RequestID,
		Detail: kind + " jti=" + audit.PartialJTI(jti) + recordedSuffix(recorded),
	})
}

func recordedSuffix(recorded bool) string {
	if recorded {
		return ""
	}
	return " (not recorded)"
}

// epochNow is the revocation timestamp. Epochs live at second precision
// to match the iat granularity of the tokens they judge; a pair minted
// in the same second as its epoch stays valid.
func (s *Service) epochNow() time.Time {
	return s.now().Truncate(time.Second)
}

// LogoutAll signs the user out everywhere. The current access token is
// revoked first so it cannot be replayed in the window before the epoch
// lands; then the revocation epoch advances to now, invalidating every
// token issued earlier.
func (s *Service) LogoutAll(ctx context.Context, p *Principal, meta RequestMeta) error {
	s.revokeAndAudit(ctx, p.UserID, p.JTI, p.ExpiresAt, "access", meta)

	if err := s.users.AdvanceRevocation(ctx, p.UserID, s.epochNow()); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		Event: audit.EventLogoutAll, UserID: &p.UserID, Email: p.Email,
		IP: meta.IP, RequestID: meta.RequestID,
	})
	return nil
}

// ChangePassword rotates the credential. With revoke-on-change enabled
// the revocation epoch advances and a fresh pair is returned so the
// caller's device stays signed in while every other token dies.
func (s *Service) ChangePassword(ctx context.Context, p *Principal, current, next string, meta RequestMeta) (*TokenPair, error) {
	if !CheckPassword(p.User.PasswordHash, current) {
		return nil, domain.Authentication(domain.KeyInvalidCredentials, "current password is incorrect")
	}
	if err := ValidatePassword(next); err != nil {
		return nil, err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdatePassword(ctx, p.UserID, hash); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		Event: audit.EventPasswordChanged, UserID: &p.UserID, Email: p.Email,
		IP: meta.IP, RequestID: meta.RequestID,
	})
	if !s.revokeOnPasswordChange {
		return nil, nil
	}
	if err := s.users.AdvanceRevocation(ctx, p.UserID, s.epochNow()); err != nil {
		return nil, err
	}
	return s.tokens.IssuePair(p.UserID, p.Email)
}

// RequestPasswordReset always reports success to the caller. Throttled,
// unknown, and failing paths differ only in the audit trail.
func (s *Service) RequestPasswordReset(ctx context.Context, email string, meta RequestMeta) {
	fail := func(detail string, userID *int64) {
		s.audit.Record(ctx, audit.Entry{
			Event: audit.EventResetFailed, UserID: userID, Email: email,
			IP: meta.IP, RequestID: meta.RequestID, Detail: detail,
		})
	}

	if err := ValidateEmail(email); err != nil {
		fail("invalid email", nil)
		return
	}
	if err := s.throttle.Allow(email); err != nil {
		fail("throttled", nil)
		return
	}
	user, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		if !domain.IsKind(err, domain.KindNotFound) {
			s.logger.Error("[Auth] reset lookup failed", "error", err)
		}
		fail("unknown email", nil)
		return
	}

	token, err := NewResetToken()
	if err != nil {
		s.logger.Error("[Auth] reset token generation failed", "error", err)
		fail("token generation failed", &user.ID)
		return
	}
	now := s.now()
	rt := &domain.PasswordResetToken{
		Token:     token,
		UserID:    user.ID,
		ExpiresAt: now.Add(s.resetTTL),
		CreatedAt: now,
	}
	if err := s.users.CreateResetToken(ctx, rt); err != nil {
		s.logger.Error("[Auth] reset token store failed", "error", err)
		fail("store failed", &user.ID)
		return
	}

	if s.mailer != nil {
		if err := s.mailer.SendPasswordReset(ctx, user.Email, token); err != nil {
			s.logger.Error("[Auth] reset mail delivery failed", "error", err)
		}
	}
	s.audit.Record(ctx, audit.Entry{
		Event: audit.EventResetInitiated, UserID: &user.ID, Email: user.Email,
		IP: meta.IP, RequestID: meta.RequestID,
	})
}

// ConfirmPasswordReset redeems a token and sets the new password. Used,
// expired, and unknown tokens all return the same validation error. A
// successful reset advances the revocation epoch: a credential change
// through this path means outstanding tokens are not to be trusted.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string, meta RequestMeta) error {
	fail := func(detail string, userID *int64) {
		s.audit.Record(ctx, audit.Entry{
			Event: audit.EventResetFailed, UserID: userID,
			IP: meta.IP, RequestID: meta.RequestID, Detail: detail,
		})
	}

	rt, err := s.users.ResetTokenByValue(ctx, token)
	if err != nil {
		fail("unknown token", nil)
		return err
	}
	if !rt.Live(s.now()) {
		fail("used or expired token", &rt.UserID)
		return domain.Validation(domain.KeyResetTokenInvalid, "invalid or expired token")
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, rt.UserID, hash); err != nil {
		return err
	}
	if err := s.users.MarkResetTokenUsed(ctx, token, s.now()); err != nil {
		return err
	}
	if err := s.users.AdvanceRevocation(ctx, rt.UserID, s.epochNow()); err != nil {
		s.logger.Error("[Auth] post-reset revocation failed", "user_id", rt.UserID, "error", err)
	}
	s.audit.Record(ctx, audit.Entry{
		Event: audit.EventResetCompleted, UserID: &rt.UserID,
		IP: meta.IP, RequestID: meta.RequestID,
	})
	return nil
}
