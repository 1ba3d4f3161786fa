package enforce

import (
	"fmt"
	"sync"
	"time"
)

// rateWindow is the sliding window over which call rates are measured.
const rateWindow = time.Minute

// limiter tracks tool-call rates per user and per team. A zero or negative
// limit disables that dimension. Safe for concurrent use.
type limiter struct {
	perUser int
	perTeam int

	mu    sync.Mutex
	users map[string][]time.Time
	teams map[string][]time.Time
	now   func() time.Time
}

func newLimiter(perUser, perTeam int) *limiter {
	return &limiter{
		perUser: perUser,
		perTeam: perTeam,
		users:   make(map[string][]time.Time),
		teams:   make(map[string][]time.Time),
		now:     time.Now,
	}
}

// allow reports whether another call by user/team fits the configured
// rates, and records it when it does. Denied calls are not recorded, so a
// throttled caller does not push its own window further out.
func (l *limiter) allow(user, team string) (bool, string) {
	if l.perUser <= 0 && l.perTeam <= 0 {
		return true, ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-rateWindow)
	if l.perUser > 0 {
		l.users[user] = pruneStamps(l.users[user], cutoff)
		if len(l.users[user]) >= l.perUser {
			return false, fmt.Sprintf("user %s exceeded %d calls per minute", user, l.perUser)
		}
	}
	if l.perTeam > 0 && team != "" {
		l.teams[team] = pruneStamps(l.teams[team], cutoff)
		if len(l.teams[team]) >= l.perTeam {
			return false, fmt.Sprintf("team %s exceeded %d calls per minute", team, l.perTeam)
		}
	}
	if l.perUser > 0 {
		l.users[user] = append(l.users[user], now)
	}
	if l.perTeam > 0 && team != "" {
		l.teams[team] = append(l.teams[team], now)
	}
	return true, ""
}

func pruneStamps(stamps []time.Time, cutoff time.Time) []time.Time {
	keep := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	return keep
}
