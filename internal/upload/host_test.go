package upload

import (
	"testing"

	"github.com/alexjbarnes/drive-sync/internal/logging"
	"github.com/stretchr/testify/assert"
)

func TestProcessHost_TokensReleaseOnce(t *testing.T) {
	h := NewProcessHost(logging.Discard())

	a := h.BeginActivity("a")
	b := h.BeginActivity("b")
	assert.Equal(t, 2, h.Active())

	a.Release()
	a.Release()
	assert.Equal(t, 1, h.Active())

	b.Release()
	assert.Equal(t, 0, h.Active())
}

func TestProcessHost_ExpireClosesOnce(t *testing.T) {
	h := NewProcessHost(logging.Discard())

	select {
	case <-h.Expired():
		t.Fatal("expired before Expire")
	default:
	}

	h.Expire()
	h.Expire()

	select {
	case <-h.Expired():
	default:
		t.Fatal("Expired not closed")
	}
}
