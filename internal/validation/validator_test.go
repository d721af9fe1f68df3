package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/bookfinder/pkg/types"
)

type sample struct {
	UserID int64  `json:"user_id" validate:"gt=0"`
	ISBN   string `json:"isbn" validate:"required"`
	Score  int    `json:"score" validate:"min=1,max=10"`
	Mode   string `koanf:"mode" validate:"omitempty,oneof=a b"`
}

func TestStruct(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Struct(&sample{UserID: 1, ISBN: "x", Score: 10}))
	})

	t.Run("collects every field", func(t *testing.T) {
		err := Struct(&sample{Score: 11, Mode: "c"})
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrInvalidInput)

		var verr *Error
		require.True(t, errors.As(err, &verr))
		fields := map[string]string{}
		for _, f := range verr.Fields {
			fields[f.Field] = f.Message
		}
		assert.Equal(t, "user_id must be greater than 0", fields["sample.user_id"])
		assert.Equal(t, "isbn is required", fields["sample.isbn"])
		assert.Equal(t, "score must be at most 10", fields["sample.score"])
		assert.Equal(t, "mode must be one of: a b", fields["sample.mode"])
	})

	t.Run("singleton", func(t *testing.T) {
		assert.Same(t, Get(), Get())
	})
}
