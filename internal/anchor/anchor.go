// Package anchor is the integrity collaborator: it records revenue hashes on
// a ledger and signs trust credentials for crew members.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"lyncmos/internal/domain"
)

const ProofType = "JWT-HS256"

// Proof is the ledger receipt for an anchored hash.
type Proof struct {
	Hash        string `json:"hash"`
	TxID        string `json:"txId"`
	BlockNumber int64  `json:"blockNumber"`
	Network     string `json:"network"`
	Timestamp   string `json:"timestamp" format:"date-time"`
}

// Service is a custodial ledger adapter. Anchoring is simulated locally;
// credentials are real HS256 tokens that Verify can check.
type Service struct {
	Network string
	Issuer  string
	Secret  string
	TTL     time.Duration
	Now     func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Service) Anchor(ctx context.Context, hash string) (Proof, error) {
	if strings.TrimSpace(hash) == "" {
		return Proof{}, errors.New("hash required")
	}
	if err := ctx.Err(); err != nil {
		return Proof{}, err
	}
	now := s.now()
	sum := sha256.Sum256([]byte(hash + "|" + uuid.NewString()))
	return Proof{
		Hash:        hash,
		TxID:        "0x" + hex.EncodeToString(sum[:]),
		BlockNumber: 18_000_000 + rand.Int64N(1_000_000),
		Network:     s.Network,
		Timestamp:   now.Format(time.RFC3339),
	}, nil
}

type credentialClaims struct {
	jwt.RegisteredClaims
	TrustScore float64 `json:"trustScore"`
}

// Sign issues a credential for subject. Claims.IssuedAt and ValidUntil are
// filled from the clock and TTL when empty.
func (s Service) Sign(subject string, claims domain.CredentialClaims) (domain.VerifiableCredential, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return domain.VerifiableCredential{}, errors.New("signing secret not configured")
	}
	issued := s.now()
	if claims.IssuedAt != "" {
		t, err := time.Parse(time.RFC3339, claims.IssuedAt)
		if err != nil {
			return domain.VerifiableCredential{}, fmt.Errorf("issuedAt: %w", err)
		}
		issued = t
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	until := issued.Add(ttl)
	claims.OperatorID = subject
	claims.IssuedAt = issued.Format(time.RFC3339)
	claims.ValidUntil = until.Format(time.RFC3339)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(until),
			ID:        uuid.NewString(),
		},
		TrustScore: claims.TrustScore,
	})
	signed, err := token.SignedString([]byte(s.Secret))
	if err != nil {
		return domain.VerifiableCredential{}, err
	}
	return domain.VerifiableCredential{
		Issuer:    s.Issuer,
		Subject:   subject,
		Claims:    claims,
		Signature: signed,
		ProofType: ProofType,
	}, nil
}

// Verify checks a credential signature and returns its claims.
func (s Service) Verify(signature string) (domain.CredentialClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.Issuer),
		jwt.WithTimeFunc(s.now),
	)
	claims := &credentialClaims{}
	parsed, err := parser.ParseWithClaims(signature, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	})
	if err != nil {
		return domain.CredentialClaims{}, err
	}
	if !parsed.Valid {
		return domain.CredentialClaims{}, errors.New("invalid credential")
	}
	if claims.Subject == "" {
		return domain.CredentialClaims{}, errors.New("subject claim required")
	}
	out := domain.CredentialClaims{OperatorID: claims.Subject, TrustScore: claims.TrustScore}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.UTC().Format(time.RFC3339)
	}
	if claims.ExpiresAt != nil {
		out.ValidUntil = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return out, nil
}

// RevenueHash is the hex SHA-256 digest anchored by the daily closure.
func RevenueHash(date, saccoID string, revenue int64, tickets int) string {
	payload := fmt.Sprintf(`{"date":%q,"saccoId":%q,"dailyRevenue":%d,"ticketCount":%d}`, date, saccoID, revenue, tickets)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
