package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"config", Config("omdb lookup", errors.New("no API key configured")), KindConfig},
		{"wrapped parse", fmt.Errorf("feed x: %w", Parse("parse feed", errors.New("bad xml"))), KindParse},
		{"storage", Storage("upsert", errors.New("disk full")), KindStorage},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), KindTransient},
		{"plain", errors.New("connection reset"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Transient("fetch feed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "fetch feed: boom", err.Error())
}

func TestRetryable(t *testing.T) {
	assert.False(t, KindConfig.Retryable())
	assert.True(t, KindTransient.Retryable())
	assert.True(t, KindNotFound.Retryable())
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(Transient("job", context.DeadlineExceeded)))
	assert.False(t, IsTimeout(errors.New("refused")))
}

func TestConstructorKinds(t *testing.T) {
	cause := errors.New("boom")
	assert.Equal(t, KindTransient, Transient("op", cause).Kind)
	assert.Equal(t, KindConfig, Config("op", cause).Kind)
	assert.Equal(t, KindParse, Parse("op", cause).Kind)
	assert.Equal(t, KindStorage, Storage("op", cause).Kind)
}
