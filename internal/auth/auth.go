// Package auth implements token issuance, hashed-password verification,
// and the one-time recovery-question flow (spec.md §4.8, §3 AuthState,
// SecurityQuestions). Password hashing is a literal SHA-256 hex digest —
// not bcrypt/argon2 — because spec.md §8 invariant 7 and the recovery
// flow (§4.8) are specified against that exact hash shape; this is a
// deliberate, spec-mandated deviation from the stronger KDFs the broader
// corpus uses elsewhere (see DESIGN.md).
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"connectd/internal/apierr"
	"connectd/internal/store"
)

// riskAcknowledgement is the literal confirmation string the recovery
// flow requires in addition to matching both answer hashes (spec.md §4.8).
const riskAcknowledgement = "已知晓风险"

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS auth_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	password_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS auth_tokens (
	token TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS security_questions (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	question1 TEXT NOT NULL,
	question2 TEXT NOT NULL,
	answer1_hash TEXT NOT NULL,
	answer2_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

type Service struct {
	log             *logrus.Logger
	store           *store.Store
	sessionLifetime time.Duration
	defaultPassword string
}

func New(log *logrus.Logger, st *store.Store, sessionLifetime time.Duration, defaultPassword string) (*Service, error) {
	if err := st.EnsureSchema(context.Background(), schemaDDL); err != nil {
		return nil, fmt.Errorf("auth schema: %w", err)
	}
	return &Service{
		log:             log,
		store:           st,
		sessionLifetime: sessionLifetime,
		defaultPassword: defaultPassword,
	}, nil
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func hashAnswer(answer string) string {
	sum := sha256.Sum256([]byte(answer))
	return hex.EncodeToString(sum[:])
}

// currentPasswordHash returns the stored hash, seeding the default
// password on first read (spec.md §8 invariant 1: config singletons
// default lazily on first read).
func (s *Service) currentPasswordHash(ctx context.Context) (string, error) {
	h, ok, err := s.store.QueryScalarString(ctx, `SELECT password_hash FROM auth_state WHERE id = 1`)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "read password hash", err)
	}
	if ok {
		return h, nil
	}

	defaultHash := hashPassword(s.defaultPassword)
	err = s.store.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO auth_state (id, password_hash) VALUES (1, ?)`, defaultHash)
		return err
	})
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "seed default password", err)
	}
	return defaultHash, nil
}

// Login verifies password and issues a new token.
func (s *Service) Login(ctx context.Context, password string) (string, error) {
	current, err := s.currentPasswordHash(ctx)
	if err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(hashPassword(password)), []byte(current)) != 1 {
		return "", apierr.New(apierr.Unauthenticated, "invalid password")
	}
	return s.issueToken(ctx)
}

func (s *Service) issueToken(ctx context.Context) (string, error) {
	raw := make([]byte, 32) // >=128 bits; target 32 bytes hex-encoded (spec.md §4.8)
	if _, err := rand.Read(raw); err != nil {
		return "", apierr.Wrap(apierr.Internal, "generate token", err)
	}
	token := hex.EncodeToString(raw)

	now := time.Now()
	expires := now.Add(s.sessionLifetime)
	err := s.store.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO auth_tokens (token, created_at, expires_at) VALUES (?, ?, ?)`,
			token, now.Unix(), expires.Unix())
		return err
	})
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "persist token", err)
	}
	return token, nil
}

// Verify checks existence and non-expiry, expiring lazily (spec.md §3).
func (s *Service) Verify(ctx context.Context, token string) (bool, error) {
	var expiresAt int64
	err := s.store.DB().QueryRowContext(ctx, `SELECT expires_at FROM auth_tokens WHERE token = ?`, token).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apierr.Wrap(apierr.Internal, "verify token", err)
	}

	if time.Now().Unix() > expiresAt {
		_ = s.store.WithWrite(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM auth_tokens WHERE token = ?`, token)
			return err
		})
		return false, nil
	}
	return true, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM auth_tokens WHERE token = ?`, token)
		return err
	})
}

// ChangePassword re-hashes the password and invalidates every outstanding
// token (spec.md §8 invariant 7).
func (s *Service) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	current, err := s.currentPasswordHash(ctx)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(hashPassword(oldPassword)), []byte(current)) != 1 {
		return apierr.New(apierr.Unauthenticated, "invalid current password")
	}

	newHash := hashPassword(newPassword)
	return s.store.WithWrite(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE auth_state SET password_hash = ? WHERE id = 1`, newHash); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM auth_tokens`)
		return err
	})
}

// SecurityQuestionsSet reports whether setup() has already run.
func (s *Service) SecurityQuestionsSet(ctx context.Context) (bool, error) {
	return s.securityQuestionsSet(ctx)
}

// securityQuestionsSet reports whether setup() has already run (spec.md
// §4.8: "fails with AlreadySet if any row exists whose first answer hash
// is a well-formed 64-char hex string").
func (s *Service) securityQuestionsSet(ctx context.Context) (bool, error) {
	h, ok, err := s.store.QueryScalarString(ctx, `SELECT answer1_hash FROM security_questions WHERE id = 1`)
	if err != nil {
		return false, apierr.Wrap(apierr.Internal, "read security questions", err)
	}
	return ok && hex64.MatchString(h), nil
}

// SetupSecurityQuestions is a one-time write (spec.md §8 invariant 6).
func (s *Service) SetupSecurityQuestions(ctx context.Context, q1, a1, q2, a2 string) error {
	already, err := s.securityQuestionsSet(ctx)
	if err != nil {
		return err
	}
	if already {
		return apierr.New(apierr.Conflict, "security questions already set")
	}
	if q1 == "" || q2 == "" || a1 == "" || a2 == "" {
		return apierr.Invalid("questions and answers must be non-empty")
	}

	return s.store.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO security_questions (id, question1, question2, answer1_hash, answer2_hash, created_at) VALUES (1, ?, ?, ?, ?, ?)`,
			q1, q2, hashAnswer(a1), hashAnswer(a2), time.Now().Unix())
		return err
	})
}

// verifySecurityAnswers requires both answer hashes to match and the
// literal risk-acknowledgement string (spec.md §4.8).
func (s *Service) verifySecurityAnswers(ctx context.Context, a1, a2, confirm string) error {
	if confirm != riskAcknowledgement {
		return apierr.New(apierr.Unauthenticated, "missing risk acknowledgement")
	}

	var h1, h2 string
	err := s.store.DB().QueryRowContext(ctx, `SELECT answer1_hash, answer2_hash FROM security_questions WHERE id = 1`).Scan(&h1, &h2)
	if err == sql.ErrNoRows {
		return apierr.New(apierr.NotFound, "security questions not configured")
	}
	if err != nil {
		return apierr.Wrap(apierr.Internal, "read security questions", err)
	}

	ok1 := subtle.ConstantTimeCompare([]byte(hashAnswer(a1)), []byte(h1)) == 1
	ok2 := subtle.ConstantTimeCompare([]byte(hashAnswer(a2)), []byte(h2)) == 1
	if !ok1 || !ok2 {
		return apierr.New(apierr.Unauthenticated, "answers do not match")
	}
	return nil
}

// ResetPassword verifies the recovery answers, resets the password to the
// documented default, and drops every token (spec.md §4.8).
func (s *Service) ResetPassword(ctx context.Context, a1, a2, confirm string) error {
	if err := s.verifySecurityAnswers(ctx, a1, a2, confirm); err != nil {
		return err
	}
	defaultHash := hashPassword(s.defaultPassword)
	return s.store.WithWrite(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE auth_state SET password_hash = ? WHERE id = 1`, defaultHash); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM auth_tokens`)
		return err
	})
}

// FactoryResetTables lists every table a factory reset truncates, across
// all components' schemas. ApiSurface supplies it from a fixed table-name
// list in its auth handlers, since Auth does not own the other components'
// tables (spec.md §3 "Ownership").
type FactoryResetTables []string

// FactoryReset verifies the recovery answers, then truncates every listed
// table and vacuums the store. The caller (ApiSurface) triggers the
// reboot afterward — Auth itself has no process-control authority.
func (s *Service) FactoryReset(ctx context.Context, a1, a2, confirm string, tables FactoryResetTables) error {
	if err := s.verifySecurityAnswers(ctx, a1, a2, confirm); err != nil {
		return err
	}

	err := s.store.WithWrite(ctx, func(tx *sql.Tx) error {
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, t)); err != nil {
				return fmt.Errorf("truncate %s: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		return apierr.Wrap(apierr.Internal, "factory reset", err)
	}

	if _, err := s.store.DB().ExecContext(ctx, `VACUUM`); err != nil {
		return apierr.Wrap(apierr.Internal, "vacuum after factory reset", err)
	}
	return nil
}
