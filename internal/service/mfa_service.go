package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"

	"github.com/servicedesk/authcore/internal/auth"
	"github.com/servicedesk/authcore/internal/config"
	"github.com/servicedesk/authcore/internal/delivery"
	"github.com/servicedesk/authcore/internal/logger"
	"github.com/servicedesk/authcore/internal/model"
	"github.com/servicedesk/authcore/internal/repository"
)

const (
	codeMin             = 100000
	codeSpan            = 900000
	defaultChallengeTTL = 5 * time.Minute
)

// IssuedChallenge is returned when a second factor is requested. Code is
// only populated for delivered methods and never leaves the process.
type IssuedChallenge struct {
	ChallengeID string          `json:"challengeId"`
	Method      model.MFAMethod `json:"method"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	Code        string          `json:"-"`
}

// MFAService issues and verifies second-factor challenges and manages TOTP
// enrollment.
type MFAService struct {
	challenges repository.ChallengeStore
	accounts   repository.AccountStore
	delivery   delivery.CodeDelivery
	events     *SecurityEventService
	cfg        config.MFAConfig
	clock      Clock
	log        *logger.Logger
}

// NewMFAService creates a new MFAService.
func NewMFAService(
	challenges repository.ChallengeStore,
	accounts repository.AccountStore,
	codes delivery.CodeDelivery,
	events *SecurityEventService,
	cfg config.MFAConfig,
	clock Clock,
	log *logger.Logger,
) *MFAService {
	return &MFAService{
		challenges: challenges,
		accounts:   accounts,
		delivery:   codes,
		events:     events,
		cfg:        cfg,
		clock:      clockOrSystem(clock),
		log:        log.WithComponent("mfa_service"),
	}
}

// IssueChallenge creates the account's challenge, replacing any earlier one.
// Email and SMS codes are delivered after the challenge is stored, so a
// failed delivery can be retried by issuing again.
func (s *MFAService) IssueChallenge(ctx context.Context, account *model.Account, ip, userAgent string) (*IssuedChallenge, error) {
	now := s.clock.Now()
	ttl := s.challengeTTL()

	ch := &model.VerificationChallenge{
		ID:        generateID("chl"),
		AccountID: account.ID,
		Method:    account.MFAMethod,
		ClientIP:  ip,
		UserAgent: userAgent,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	var code string
	switch account.MFAMethod {
	case model.MFAMethodTOTP:
		if account.TOTPSecret == "" {
			return nil, fmt.Errorf("%w: account has no TOTP secret", ErrInvalidMFAMethod)
		}
	case model.MFAMethodEmail, model.MFAMethodSMS:
		var err error
		code, err = generateCode()
		if err != nil {
			return nil, err
		}
		ch.CodeHash = auth.HashToken(code)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidMFAMethod, account.MFAMethod)
	}

	if err := s.challenges.Put(ctx, ch); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	if code != "" {
		if err := s.delivery.Deliver(ctx, account, code, ttl); err != nil {
			s.log.Error().Err(err).Str("account_id", account.ID).Str("method", string(account.MFAMethod)).Msg("failed to deliver verification code")
			return nil, fmt.Errorf("failed to deliver verification code: %w", err)
		}
	}

	s.log.Debug().Str("account_id", account.ID).Str("challenge_id", ch.ID).Str("method", string(ch.Method)).Msg("challenge issued")

	return &IssuedChallenge{
		ChallengeID: ch.ID,
		Method:      ch.Method,
		ExpiresAt:   ch.ExpiresAt,
		Code:        code,
	}, nil
}

// Verify checks code against the challenge. It fails closed: a missing,
// expired or already used challenge never verifies. An expired challenge is
// deleted; a wrong code leaves a live challenge in place. The account ID is
// returned whenever the challenge was found, even if verification failed.
// The error is only set for store failures.
func (s *MFAService) Verify(ctx context.Context, challengeID, code string) (string, bool, error) {
	now := s.clock.Now()

	ch, err := s.challenges.Get(ctx, challengeID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load challenge: %w", err)
	}

	codeHash := auth.HashToken(code)
	if ch.Method == model.MFAMethodTOTP {
		codeHash = ""
		if !ch.IsExpiredAt(now) {
			ok, err := s.validateTOTP(ctx, ch.AccountID, code, now)
			if err != nil {
				return ch.AccountID, false, err
			}
			if !ok {
				return ch.AccountID, false, nil
			}
		}
	}

	_, result, err := s.challenges.Consume(ctx, challengeID, codeHash, now)
	if err != nil {
		return ch.AccountID, false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	if result != model.ChallengeConsumed {
		s.log.Debug().Str("challenge_id", challengeID).Str("account_id", ch.AccountID).Int("result", int(result)).Msg("challenge verification failed")
		return ch.AccountID, false, nil
	}
	return ch.AccountID, true, nil
}

// PurgeExpired removes challenges that can no longer be used.
func (s *MFAService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.challenges.DeleteExpired(ctx, s.clock.Now())
}

// SetupTOTP generates a new TOTP secret and QR code. The secret is stored
// but the account keeps its current method until ConfirmTOTP succeeds.
func (s *MFAService) SetupTOTP(ctx context.Context, accountID string) (*model.TOTPSetup, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, mapAccountErr(err, "failed to get account")
	}
	if account.MFAEnabled && account.MFAMethod == model.MFAMethodTOTP {
		return nil, ErrMFAAlreadyEnrolled
	}

	issuer := s.cfg.TOTP.Issuer
	if issuer == "" {
		issuer = "ServiceDesk"
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account.Email,
		Period:      uint(s.totpPeriod()),
		Digits:      s.totpDigits(),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	qrPNG, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	_, err = s.accounts.Update(ctx, accountID, func(a *model.Account) error {
		if a.MFAEnabled && a.MFAMethod == model.MFAMethodTOTP {
			return ErrMFAAlreadyEnrolled
		}
		a.TOTPSecret = key.Secret()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMFAAlreadyEnrolled) {
			return nil, err
		}
		return nil, mapAccountErr(err, "failed to store TOTP secret")
	}

	s.log.Info().Str("account_id", accountID).Msg("TOTP setup initiated")

	return &model.TOTPSetup{
		Secret:    key.Secret(),
		QRCode:    base64.StdEncoding.EncodeToString(qrPNG),
		Issuer:    issuer,
		AccountID: accountID,
		URL:       key.URL(),
	}, nil
}

// ConfirmTOTP activates a pending TOTP enrollment once the user proves the
// authenticator produces valid codes.
func (s *MFAService) ConfirmTOTP(ctx context.Context, accountID, code, ip, userAgent string) error {
	now := s.clock.Now()
	_, err := s.accounts.Update(ctx, accountID, func(a *model.Account) error {
		if a.MFAEnabled && a.MFAMethod == model.MFAMethodTOTP {
			return ErrMFAAlreadyEnrolled
		}
		if a.TOTPSecret == "" {
			return ErrMFANotPending
		}
		ok, err := totp.ValidateCustom(code, a.TOTPSecret, now, s.totpOpts())
		if err != nil || !ok {
			return ErrInvalidCredentials
		}
		a.MFAEnabled = true
		a.MFAMethod = model.MFAMethodTOTP
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMFAAlreadyEnrolled) || errors.Is(err, ErrMFANotPending) || errors.Is(err, ErrInvalidCredentials) {
			return err
		}
		return mapAccountErr(err, "failed to confirm TOTP")
	}

	s.events.Record(ctx, accountID, model.EventMFASetup, model.SeverityInfo, ip, userAgent, map[string]interface{}{
		"method":  string(model.MFAMethodTOTP),
		"enabled": true,
	})
	return nil
}

// EnableDeliveredMFA switches the account to email or SMS codes.
func (s *MFAService) EnableDeliveredMFA(ctx context.Context, accountID string, method model.MFAMethod, ip, userAgent string) error {
	if method != model.MFAMethodEmail && method != model.MFAMethodSMS {
		return ErrInvalidMFAMethod
	}
	_, err := s.accounts.Update(ctx, accountID, func(a *model.Account) error {
		if method == model.MFAMethodSMS && a.Phone == "" {
			return delivery.ErrNoAddress
		}
		a.MFAEnabled = true
		a.MFAMethod = method
		a.TOTPSecret = ""
		return nil
	})
	if err != nil {
		if errors.Is(err, delivery.ErrNoAddress) {
			return err
		}
		return mapAccountErr(err, "failed to enable MFA")
	}

	s.events.Record(ctx, accountID, model.EventMFASetup, model.SeverityInfo, ip, userAgent, map[string]interface{}{
		"method":  string(method),
		"enabled": true,
	})
	return nil
}

// DisableMFA turns the second factor off and forgets any TOTP secret.
func (s *MFAService) DisableMFA(ctx context.Context, accountID, ip, userAgent string) error {
	var previous model.MFAMethod
	_, err := s.accounts.Update(ctx, accountID, func(a *model.Account) error {
		previous = a.MFAMethod
		a.MFAEnabled = false
		a.MFAMethod = model.MFAMethodNone
		a.TOTPSecret = ""
		return nil
	})
	if err != nil {
		return mapAccountErr(err, "failed to disable MFA")
	}

	s.events.Record(ctx, accountID, model.EventMFASetup, model.SeverityWarning, ip, userAgent, map[string]interface{}{
		"method":  string(previous),
		"enabled": false,
	})
	return nil
}

func (s *MFAService) validateTOTP(ctx context.Context, accountID, code string, now time.Time) (bool, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get account: %w", err)
	}
	if account.TOTPSecret == "" {
		return false, nil
	}
	ok, err := totp.ValidateCustom(code, account.TOTPSecret, now, s.totpOpts())
	if err != nil {
		// malformed input
		return false, nil
	}
	return ok, nil
}

func (s *MFAService) totpOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(s.totpPeriod()),
		Skew:      1,
		Digits:    s.totpDigits(),
		Algorithm: otp.AlgorithmSHA1,
	}
}

func (s *MFAService) totpPeriod() int {
	if s.cfg.TOTP.Period <= 0 {
		return 30
	}
	return s.cfg.TOTP.Period
}

func (s *MFAService) totpDigits() otp.Digits {
	if s.cfg.TOTP.Digits == 8 {
		return otp.DigitsEight
	}
	return otp.DigitsSix
}

func (s *MFAService) challengeTTL() time.Duration {
	if s.cfg.Challenge.CodeTTL <= 0 {
		return defaultChallengeTTL
	}
	return s.cfg.Challenge.CodeTTL
}

// generateCode draws a six digit code uniformly from [100000, 999999].
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpan))
	if err != nil {
		return "", fmt.Errorf("failed to generate verification code: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+codeMin), nil
}
