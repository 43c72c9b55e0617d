package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNeedsRefresh(t *testing.T) {
	t.Parallel()

	fresh := &TokenSet{ExpiresAt: time.Now().Add(5 * time.Minute)}
	assert.False(t, fresh.NeedsRefresh(RefreshBuffer))

	closeToExpiry := &TokenSet{ExpiresAt: time.Now().Add(10 * time.Second)}
	assert.True(t, closeToExpiry.NeedsRefresh(RefreshBuffer))

	expired := &TokenSet{ExpiresAt: time.Now().Add(-time.Minute)}
	assert.True(t, expired.NeedsRefresh(RefreshBuffer))

	var nilSet *TokenSet
	assert.True(t, nilSet.NeedsRefresh(RefreshBuffer))
}

func TestRefreshable(t *testing.T) {
	t.Parallel()

	assert.True(t, (&TokenSet{RefreshToken: "rt"}).Refreshable())
	assert.False(t, (&TokenSet{}).Refreshable())

	var nilSet *TokenSet
	assert.False(t, nilSet.Refreshable())
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	orig := &TokenSet{
		AccessToken: "at",
		Roles:       []string{"admin"},
	}
	cp := orig.Clone()
	cp.Roles[0] = "mutated"
	cp.AccessToken = "other"

	assert.Equal(t, "admin", orig.Roles[0])
	assert.Equal(t, "at", orig.AccessToken)
}
