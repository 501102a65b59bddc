// Package ratelimit provides fixed-window rate limiters, for limiting
// connections and authentication attempts by remote IP.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Limiter is a rate limiter with one or more fixed windows, e.g. the last
// minute/hour/day, counting over three increasingly wide subnets of an IP.
// Wider subnets get higher limits, so a single busy address is capped before
// its whole network is.
type Limiter struct {
	sync.Mutex
	WindowLimits []WindowLimit
	ipmasked     [3][16]byte
}

// WindowLimit holds counters for one window, with a limit per IP subnet class.
type WindowLimit struct {
	Window time.Duration
	Limits [3]int64 // Per subnet class, narrowest first.
	Time   uint32   // Time/Window.
	Counts map[limitKey]int64
}

type limitKey struct {
	Class    uint8
	IPMasked [16]byte
}

// Add attempts to consume n items from the rate limiter for ip at time tm. If
// any window and subnet class would exceed its limit, nothing is counted and
// false is returned. A window that has rolled over is reset before counting.
func (l *Limiter) Add(ip net.IP, tm time.Time, n int64) bool {
	return l.checkAdd(true, ip, tm, n)
}

// CanAdd returns whether n could be added for ip without hitting a limit.
func (l *Limiter) CanAdd(ip net.IP, tm time.Time, n int64) bool {
	return l.checkAdd(false, ip, tm, n)
}

func (l *Limiter) checkAdd(add bool, ip net.IP, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	// First pass: check all windows and classes.
	for i, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))

		if t > wl.Time || wl.Counts == nil {
			l.WindowLimits[i].Time = t
			wl.Counts = map[limitKey]int64{} // Used in second pass below.
			l.WindowLimits[i].Counts = wl.Counts
		}

		for j := 0; j < 3; j++ {
			if i == 0 {
				l.ipmasked[j] = maskIP(j, ip)
			}

			if wl.Counts[limitKey{uint8(j), l.ipmasked[j]}]+n > wl.Limits[j] {
				return false
			}
		}
	}
	if !add {
		return true
	}
	// Second pass: record.
	for _, wl := range l.WindowLimits {
		for j := 0; j < 3; j++ {
			wl.Counts[limitKey{uint8(j), l.ipmasked[j]}] += n
		}
	}
	return true
}

// Reset clears the count for ip in the current windows, subtracting the
// narrowest-class count from the wider classes too.
func (l *Limiter) Reset(ip net.IP, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	for i := 0; i < 3; i++ {
		l.ipmasked[i] = maskIP(i, ip)
	}

	for _, wl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(wl.Window))
		if t != wl.Time || wl.Counts == nil {
			continue
		}
		var n int64
		for j := 0; j < 3; j++ {
			k := limitKey{uint8(j), l.ipmasked[j]}
			if j == 0 {
				n = wl.Counts[k]
			}
			wl.Counts[k] -= n
		}
	}
}

func maskIP(class int, ip net.IP) [16]byte {
	var m net.IPMask
	if ip.To4() != nil {
		switch class {
		case 0:
			m = net.CIDRMask(32, 32)
		case 1:
			m = net.CIDRMask(26, 32)
		case 2:
			m = net.CIDRMask(21, 32)
		}
	} else {
		switch class {
		case 0:
			m = net.CIDRMask(64, 128)
		case 1:
			m = net.CIDRMask(48, 128)
		case 2:
			m = net.CIDRMask(32, 128)
		}
	}
	return *(*[16]byte)(ip.Mask(m).To16())
}
