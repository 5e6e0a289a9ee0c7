package anchor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyncmos/internal/domain"
)

func testService() Service {
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	return Service{
		Network: "Celo",
		Issuer:  "did:lync:mos",
		Secret:  "test-secret",
		TTL:     30 * 24 * time.Hour,
		Now:     func() time.Time { return now },
	}
}

func TestAnchorReturnsProof(t *testing.T) {
	svc := testService()
	proof, err := svc.Anchor(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", proof.Hash)
	assert.True(t, strings.HasPrefix(proof.TxID, "0x"))
	assert.Len(t, proof.TxID, 66)
	assert.GreaterOrEqual(t, proof.BlockNumber, int64(18_000_000))
	assert.Equal(t, "Celo", proof.Network)

	_, err = svc.Anchor(context.Background(), " ")
	assert.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	svc := testService()
	vc, err := svc.Sign("crew-1", domain.CredentialClaims{TrustScore: 87.5})
	require.NoError(t, err)
	assert.Equal(t, "crew-1", vc.Subject)
	assert.Equal(t, "crew-1", vc.Claims.OperatorID)
	assert.Equal(t, "2026-03-01T18:00:00Z", vc.Claims.IssuedAt)
	assert.Equal(t, "2026-03-31T18:00:00Z", vc.Claims.ValidUntil)
	assert.Equal(t, ProofType, vc.ProofType)

	claims, err := svc.Verify(vc.Signature)
	require.NoError(t, err)
	assert.Equal(t, vc.Claims, claims)

	other := svc
	other.Secret = "different"
	_, err = other.Verify(vc.Signature)
	assert.Error(t, err)
}

func TestSignRequiresSecret(t *testing.T) {
	svc := testService()
	svc.Secret = ""
	_, err := svc.Sign("crew-1", domain.CredentialClaims{})
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc := testService()
	vc, err := svc.Sign("crew-1", domain.CredentialClaims{TrustScore: 50})
	require.NoError(t, err)
	later := svc
	later.Now = func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }
	_, err = later.Verify(vc.Signature)
	assert.Error(t, err)
}

func TestRevenueHashIsStable(t *testing.T) {
	a := RevenueHash("2026-03-01", "sacco-1", 120000, 840)
	assert.Equal(t, a, RevenueHash("2026-03-01", "sacco-1", 120000, 840))
	assert.NotEqual(t, a, RevenueHash("2026-03-01", "sacco-1", 120001, 840))
	assert.Len(t, a, 64)
}
