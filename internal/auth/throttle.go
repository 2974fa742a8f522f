package auth

import (
	"sync"
	"time"
)

// sweepThreshold を超えたら失敗記録時に古いエントリを掃除する
const sweepThreshold = 1024

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// expired はカウントをやり直してよい状態かを返します。
// ロックが明けた場合と、ロックされずに window を過ぎた場合が該当します。
func (s *attemptState) expired(now time.Time, window time.Duration) bool {
	if !s.lockedUntil.IsZero() {
		return !now.Before(s.lockedUntil)
	}
	return now.Sub(s.firstAttempt) > window
}

// throttle はクライアントIPごとのログイン失敗回数を数え、上限に達したら一定時間ロックします。
type throttle struct {
	lock        sync.Mutex
	attempts    map[string]*attemptState
	maxAttempts int
	window      time.Duration
	lockFor     time.Duration
	now         func() time.Time
}

func newThrottle(maxAttempts int, window, lockFor time.Duration) *throttle {
	return &throttle{
		attempts:    make(map[string]*attemptState),
		maxAttempts: maxAttempts,
		window:      window,
		lockFor:     lockFor,
		now:         time.Now,
	}
}

// retryAfter はロック中なら残り時間を、そうでなければ 0 を返します。
func (t *throttle) retryAfter(ip string) time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()

	state, ok := t.attempts[ip]
	if !ok {
		return 0
	}
	now := t.now()
	if !now.Before(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

// recordFailure は失敗を記録し、残り試行回数を返します。
func (t *throttle) recordFailure(ip string) int {
	t.lock.Lock()
	defer t.lock.Unlock()

	now := t.now()
	if len(t.attempts) >= sweepThreshold {
		t.sweepLocked(now)
	}

	state, ok := t.attempts[ip]
	if !ok || state.expired(now, t.window) {
		state = &attemptState{firstAttempt: now}
		t.attempts[ip] = state
	}

	state.count++
	if state.count >= t.maxAttempts {
		state.lockedUntil = now.Add(t.lockFor)
		state.count = t.maxAttempts
	}

	remaining := t.maxAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (t *throttle) reset(ip string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.attempts, ip)
}

// sweepLocked は期限切れのエントリを削除します。t.lock を保持して呼び出してください。
func (t *throttle) sweepLocked(now time.Time) {
	for ip, state := range t.attempts {
		if state.expired(now, t.window) {
			delete(t.attempts, ip)
		}
	}
}
