package retry_test

import (
	"math"
	"testing"
	"time"

	"github.com/CZERTAINLY/Jobman/internal/model"
	"github.com/CZERTAINLY/Jobman/internal/retry"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		attempt  int
		code     int
		max      int
		success  []int
		then     retry.Decision
	}{
		{"success_first", 1, 0, 3, nil, retry.StopSuccess},
		{"success_custom_code", 2, 42, 5, []int{0, 42}, retry.StopSuccess},
		{"success_on_last", 3, 0, 3, []int{0}, retry.StopSuccess},
		{"failure_with_budget", 1, 1, 3, []int{0}, retry.Retry},
		{"failure_last", 3, 1, 3, []int{0}, retry.StopFailure},
		{"no_retry_default", 1, 2, 1, nil, retry.StopFailure},
		{"zero_not_success", 1, 0, 2, []int{42}, retry.Retry},
		{"spawn_error", 1, -1, 1, []int{0}, retry.StopFailure},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			require.Equal(t, tc.then, retry.Decide(tc.attempt, tc.code, tc.max, tc.success))
		})
	}
}

// N attempts failing yields exactly N-1 retries.
func TestPolicyBudget(t *testing.T) {
	t.Parallel()
	for n := 1; n <= 6; n++ {
		p := retry.NewPolicy(model.RetrySpec{MaxAttempts: n})
		attempts := 0
		for {
			attempts++
			if p.Decide(attempts, 1) != retry.Retry {
				break
			}
		}
		require.Equal(t, n, attempts)
	}
}

func TestPolicyDelay(t *testing.T) {
	t.Parallel()
	p := retry.NewPolicy(model.RetrySpec{MaxAttempts: 5, Delay: 10 * time.Second})
	require.Equal(t, 10*time.Second, p.Delay(1))
	require.Equal(t, 10*time.Second, p.Delay(4))

	p = retry.NewPolicy(model.RetrySpec{MaxAttempts: 5, Delay: time.Second, ExpoBackoff: true})
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 8*time.Second, p.Delay(4))

	p = retry.NewPolicy(model.RetrySpec{MaxAttempts: 5, Delay: 10 * time.Second, Jitter: true})
	for i := 1; i < 100; i++ {
		d := p.Delay(1)
		require.GreaterOrEqual(t, d, 9*time.Second)
		require.LessOrEqual(t, d, 11*time.Second)
	}

	require.Zero(t, retry.NewPolicy(model.RetrySpec{}).Delay(1))
}

func TestJitteredSaturated(t *testing.T) {
	t.Parallel()
	p := retry.NewPolicy(model.RetrySpec{MaxAttempts: 1000, Delay: 10 * time.Second, ExpoBackoff: true, Jitter: true})
	for i := 0; i < 100; i++ {
		d := p.Delay(500)
		require.GreaterOrEqual(t, d, time.Duration(math.MaxInt64)-time.Second)
	}
}

func TestExponentialCap(t *testing.T) {
	t.Parallel()
	e := retry.NewExponential(time.Second, time.Minute)
	require.Equal(t, time.Minute, e.Delay(10))
	require.Equal(t, time.Second, e.Delay(0))
	require.Equal(t, time.Minute, e.Delay(1000))
}

func TestDecisionString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "retry", retry.Retry.String())
	require.Equal(t, "stop-success", retry.StopSuccess.String())
	require.Equal(t, "stop-failure", retry.StopFailure.String())
}
