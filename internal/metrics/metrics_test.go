package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"

	"github.com/dshills/bookfinder/pkg/types"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: bad", types.ErrInvalidInput), KindInvalidInput},
		{fmt.Errorf("%w: down", types.ErrUnavailable), KindUnavailable},
		{fmt.Errorf("%w: fk", types.ErrReferentialViolation), KindReferentialViolation},
		{fmt.Errorf("%w: disk", types.ErrPersistence), KindPersistence},
		{errors.New("mystery"), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.err))
		})
	}
}

func TestRecordSearch(t *testing.T) {
	before := testutil.ToFloat64(SearchErrors.WithLabelValues("author", KindUnavailable))
	RecordSearch("author", time.Millisecond, 0, types.ErrUnavailable)
	RecordSearch("author", time.Millisecond, 3, nil)
	after := testutil.ToFloat64(SearchErrors.WithLabelValues("author", KindUnavailable))
	assert.Equal(t, before+1, after)
}

func TestRecordRating(t *testing.T) {
	before := testutil.ToFloat64(RatingsUpserted)
	RecordRating(nil)
	assert.Equal(t, before+1, testutil.ToFloat64(RatingsUpserted))

	fkBefore := testutil.ToFloat64(RatingErrors.WithLabelValues(KindReferentialViolation))
	RecordRating(types.ErrReferentialViolation)
	assert.Equal(t, fkBefore+1, testutil.ToFloat64(RatingErrors.WithLabelValues(KindReferentialViolation)))
}

func TestRecordBackfillBatch(t *testing.T) {
	rows := testutil.ToFloat64(BackfillRows)
	failed := testutil.ToFloat64(BackfillBatches.WithLabelValues("failed"))

	RecordBackfillBatch(10, nil)
	RecordBackfillBatch(0, errors.New("embedder down"))

	assert.Equal(t, rows+10, testutil.ToFloat64(BackfillRows))
	assert.Equal(t, failed+1, testutil.ToFloat64(BackfillBatches.WithLabelValues("failed")))
}

func TestBreakerStateChanged(t *testing.T) {
	BreakerStateChanged("embedder", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(EmbedderBreakerState))
	BreakerStateChanged("embedder", gobreaker.StateOpen, gobreaker.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(EmbedderBreakerState))
	BreakerStateChanged("embedder", gobreaker.StateHalfOpen, gobreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(EmbedderBreakerState))
}
