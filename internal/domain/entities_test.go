package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/givehub/crm-relay/internal/domain"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	valid := [][2]domain.JobStatus{
		{domain.JobQueued, domain.JobProcessing},
		{domain.JobProcessing, domain.JobCompleted},
		{domain.JobProcessing, domain.JobFailed},
		{domain.JobFailed, domain.JobProcessing},
	}
	for _, p := range valid {
		assert.True(t, domain.CanTransition(p[0], p[1]), "%s -> %s", p[0], p[1])
	}

	invalid := [][2]domain.JobStatus{
		{domain.JobQueued, domain.JobCompleted},
		{domain.JobQueued, domain.JobFailed},
		{domain.JobCompleted, domain.JobProcessing},
		{domain.JobCompleted, domain.JobFailed},
		{domain.JobFailed, domain.JobQueued},
		{domain.JobProcessing, domain.JobQueued},
	}
	for _, p := range invalid {
		assert.False(t, domain.CanTransition(p[0], p[1]), "%s -> %s", p[0], p[1])
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	exp := domain.Backoff{Kind: domain.BackoffExponential, Base: 500 * time.Millisecond}
	assert.Equal(t, 500*time.Millisecond, exp.Delay(0))
	assert.Equal(t, 1000*time.Millisecond, exp.Delay(1))
	assert.Equal(t, 2000*time.Millisecond, exp.Delay(2))

	fixed := domain.Backoff{Kind: domain.BackoffFixed, Base: 5 * time.Second}
	assert.Equal(t, 5*time.Second, fixed.Delay(0))
	assert.Equal(t, 5*time.Second, fixed.Delay(4))
}

func TestErrorCategorySeverityTotality(t *testing.T) {
	t.Parallel()

	cats := []domain.ErrorCategory{
		domain.CategoryAuth, domain.CategoryAuthz, domain.CategoryRateLimit,
		domain.CategoryServer, domain.CategoryConnection, domain.CategoryTimeout,
		domain.CategoryUnknown,
	}
	for _, c := range cats {
		assert.NotEmpty(t, c.Severity(), "category %s must map to a severity", c)
	}
	assert.Equal(t, "critical", domain.CategoryServer.Severity())
	assert.Equal(t, "critical", domain.CategoryConnection.Severity())
	assert.Equal(t, "error", domain.CategoryAuth.Severity())
	assert.Equal(t, "error", domain.CategoryAuthz.Severity())
	assert.Equal(t, "warning", domain.CategoryRateLimit.Severity())
	assert.Equal(t, "warning", domain.CategoryUnknown.Severity())
}

func TestErrorCategoryRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.CategoryServer.Retryable())
	assert.True(t, domain.CategoryConnection.Retryable())
	assert.True(t, domain.CategoryRateLimit.Retryable())
	assert.True(t, domain.CategoryTimeout.Retryable())
	assert.False(t, domain.CategoryAuth.Retryable())
	assert.False(t, domain.CategoryAuthz.Retryable())
	assert.False(t, domain.CategoryUnknown.Retryable())
}

func TestCRMBoundCronType(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.CRMBoundCronType(domain.CronTypePledge))
	assert.True(t, domain.CRMBoundCronType(domain.CronTypeOneoff))
	assert.False(t, domain.CRMBoundCronType(domain.CronTypeRecurring))
	assert.False(t, domain.CRMBoundCronType(domain.CronTypeHourly))
}
