package accounts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaintextAuthentication(t *testing.T) {
	db := NewDatabase()
	db.Add(NewAccount("alice", "s3cret", RightGet))

	acct, err := db.Authenticate("alice", "s3cret")
	require.NoError(t, err)
	assert.True(t, acct.Rights.Has(RightGet))

	_, err = db.Authenticate("alice", "wrong")
	assert.Error(t, err)
}

func TestHashedAuthentication(t *testing.T) {
	db := NewDatabase()
	db.Add(NewAccountWithHash("bob", HashPassword("hunter2"), RightGet|RightRestart))

	acct, err := db.Authenticate("bob", "hunter2")
	require.NoError(t, err)
	assert.True(t, acct.Rights.Has(RightRestart))

	_, err = db.Authenticate("bob", "hunter3")
	assert.Error(t, err)
}

func TestUnknownUsername(t *testing.T) {
	db := NewDatabase()
	_, err := db.Authenticate("ghost", "anything")
	assert.Error(t, err)
}

func TestRightsHasMultipleBits(t *testing.T) {
	r := RightGet | RightRestart
	assert.True(t, r.Has(RightGet))
	assert.True(t, r.Has(RightGet|RightRestart))
	assert.False(t, r.Has(RightClear))
}
