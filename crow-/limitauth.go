package crow

import (
	"time"

	"github.com/crowmail/crow/ratelimit"
)

// LimiterFailedAuth rate limits authentication failures by remote IP, over
// increasingly wide subnets.
var LimiterFailedAuth *ratelimit.Limiter

// LockoutFailedAuth locks out a key, the remote IP or the remote IP combined
// with an account name, after repeated authentication failures. Connections
// check it before verifying a password, so a locked-out client never reaches
// the expensive bcrypt comparison.
var LockoutFailedAuth *ratelimit.Lockout

func init() {
	LimitersInit()
}

// LimitersInit initializes the failed auth limiters, also used by tests to get
// a fresh state.
func LimitersInit() {
	LimiterFailedAuth = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				// Max 10 failures/minute for the address, 30 for its /26 (ipv6 /48), 90 for
				// its /21 (ipv6 /32).
				Window: time.Minute,
				Limits: [...]int64{10, 30, 90},
			},
			{
				Window: 24 * time.Hour,
				Limits: [...]int64{50, 150, 450},
			},
		},
	}
	LockoutFailedAuth = &ratelimit.Lockout{
		Windows: []ratelimit.LockoutWindow{
			{Window: 10 * time.Minute, Limit: 5},
			{Window: 24 * time.Hour, Limit: 50},
		},
		Duration: 15 * time.Minute,
	}
}
