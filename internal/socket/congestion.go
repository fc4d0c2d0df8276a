package socket

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/rudp/internal/config"
)

const (
	minCongestionWindow = 2
	initialRTT          = 10 * time.Millisecond
)

// Congestion is a window-based controller with rate pacing. The window grows
// exponentially during slow start and by one packet per window afterwards;
// a NAK shrinks it by an eighth and a retransmission timeout resets it.
// Packets are paced at window/RTT, capped by the link capacity and the
// minimum send delay. It is goroutine-local.
type Congestion struct {
	window    float64
	ssthresh  float64
	maxWindow float64
	slowStart bool

	rtt     time.Duration
	maxRate float64 // packets per second
	limiter *rate.Limiter
}

// NewCongestion seeds a controller from params for packets of packetSize bytes.
func NewCongestion(params *config.Parameters, packetSize int, now time.Time) *Congestion {
	maxRate := params.ConnectionType.BitsPerSecond() / float64(8*max(packetSize, 1))
	if params.DefaultSendDelay > 0 {
		maxRate = min(maxRate, 1/params.DefaultSendDelay.Seconds())
	}

	c := &Congestion{
		window:    float64(max(params.DefaultWindowSize, minCongestionWindow)),
		ssthresh:  float64(params.MaximumWindowSize),
		maxWindow: float64(max(params.MaximumWindowSize, minCongestionWindow)),
		slowStart: true,
		rtt:       initialRTT,
		maxRate:   maxRate,
	}
	c.window = min(c.window, c.maxWindow)
	c.limiter = rate.NewLimiter(rate.Limit(c.rate()), c.burst())
	c.limiter.SetLimitAt(now, rate.Limit(c.rate()))
	return c
}

// Window returns the number of packets that may be in flight.
func (c *Congestion) Window() int { return int(c.window) }

// RTT returns the smoothed round-trip time used for pacing.
func (c *Congestion) RTT() time.Duration { return c.rtt }

// SetRTT adopts the round-trip time reported by the peer.
func (c *Congestion) SetRTT(now time.Time, rtt time.Duration) {
	if rtt <= 0 {
		return
	}
	c.rtt = rtt
	c.update(now)
}

// OnAck grows the window for n newly acknowledged packets.
func (c *Congestion) OnAck(now time.Time, n int) {
	for range n {
		if c.slowStart {
			c.window++
			if c.window >= c.ssthresh {
				c.slowStart = false
			}
		} else {
			c.window += 1 / c.window
		}
	}
	c.window = min(c.window, c.maxWindow)
	c.update(now)
}

// OnLoss reacts to a NAK.
func (c *Congestion) OnLoss(now time.Time) {
	c.slowStart = false
	c.ssthresh = max(c.window/2, minCongestionWindow)
	c.window = max(c.window*7/8, minCongestionWindow)
	c.update(now)
}

// OnTimeout reacts to a retransmission timeout.
func (c *Congestion) OnTimeout(now time.Time) {
	c.ssthresh = max(c.window/2, minCongestionWindow)
	c.window = minCongestionWindow
	c.slowStart = true
	c.update(now)
}

// Pace reports whether one packet may leave at now. When it may not, wait is
// how long to hold it.
func (c *Congestion) Pace(now time.Time) (ok bool, wait time.Duration) {
	r := c.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Millisecond
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (c *Congestion) rate() float64 {
	return min(c.window/c.rtt.Seconds(), c.maxRate)
}

func (c *Congestion) burst() int {
	return max(int(c.window), 1)
}

func (c *Congestion) update(now time.Time) {
	c.limiter.SetLimitAt(now, rate.Limit(c.rate()))
	c.limiter.SetBurstAt(now, c.burst())
}
