package corerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("dial tcp: i/o timeout")
	err := E(ConnectTimeout, "router.acquire", base)

	assert.Equal(t, ConnectTimeout, KindOf(err))
	assert.True(t, Is(err, ConnectTimeout))
	assert.ErrorIs(t, err, base)

	wrapped := fmt.Errorf("execute: %w", err)
	assert.Equal(t, ConnectTimeout, KindOf(wrapped))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.False(t, Is(nil, Internal))
}

func TestEWithoutCause(t *testing.T) {
	err := E(NotFound, "tenant.identify", nil)
	assert.Equal(t, "tenant.identify: not_found", err.Error())
	assert.Equal(t, NotFound, KindOf(err))
}
