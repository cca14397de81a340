package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-sync/internal/models"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	tokens := NewTokens("s3cret")
	id := models.Identity{Role: models.RoleDriver, ID: "d1"}
	tok, err := tokens.Issue(id, time.Minute)
	require.NoError(t, err)

	got, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestVerifyRejects(t *testing.T) {
	tokens := NewTokens("s3cret")
	tok, err := NewTokens("other").Issue(models.Identity{Role: models.RoleRider, ID: "u1"}, time.Minute)
	require.NoError(t, err)
	_, err = tokens.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, err := tokens.Issue(models.Identity{Role: models.RoleRider, ID: "u1"}, -time.Minute)
	require.NoError(t, err)
	_, err = tokens.Verify(expired)
	require.ErrorIs(t, err, ErrInvalidToken)

	system, err := tokens.Issue(models.System, time.Minute)
	require.NoError(t, err)
	_, err = tokens.Verify(system)
	require.ErrorIs(t, err, ErrInvalidToken, "system identity is never granted to a connection")
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	_, err := FromRequest(r)
	require.ErrorIs(t, err, ErrMissingToken)

	r.Header = Header("abc")
	tok, err := FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	r = httptest.NewRequest("GET", "/ws?access_token=xyz", nil)
	tok, err = FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "xyz", tok)
}

func TestPeekReadsClaimsWithoutSecret(t *testing.T) {
	id := models.Identity{Role: models.RoleRider, ID: "u9"}
	tok, err := NewTokens("server-only").Issue(id, time.Minute)
	require.NoError(t, err)

	got, err := Peek(tok)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = Peek("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
