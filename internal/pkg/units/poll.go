package units

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const PollAuto = "auto"

type pollState struct {
	auto      bool
	requested time.Duration // fixed interval when !auto
	current   time.Duration // interval the ticker was armed with, before jitter
	stop      chan struct{}
}

// ParsePollInterval accepts "auto" or a whole number of seconds. Zero
// seconds disables polling.
func ParsePollInterval(raw string) (auto bool, interval time.Duration, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, PollAuto) {
		return true, 0, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return false, 0, fmt.Errorf("invalid poll interval %q: want seconds or %q", raw, PollAuto)
	}
	return false, time.Duration(secs) * time.Second, nil
}

// SetPollInterval sets the polling schedule. "auto" follows the TTL the unit
// advertises, falling back to the default interval. The ticker is only
// re-armed when the effective interval changes.
func (u *Unit) SetPollInterval(raw string) error {
	auto, interval, err := ParsePollInterval(raw)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.poll.auto = auto
	u.poll.requested = interval
	u.mu.Unlock()
	u.rearm(u.effectiveInterval(u.Snapshot()))
	return nil
}

// PollInterval returns the interval polling is armed with, 0 when idle.
func (u *Unit) PollInterval() time.Duration {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.poll.current
}

func (u *Unit) effectiveInterval(snap *Snapshot) time.Duration {
	u.mu.RLock()
	auto, requested := u.poll.auto, u.poll.requested
	u.mu.RUnlock()
	if !auto {
		return requested
	}
	if snap != nil {
		if ttl, ok := snap.TTL(); ok {
			return ttl
		}
	}
	return u.settings.DefaultPollInterval
}

// rearmAuto follows TTL changes while polling automatically.
func (u *Unit) rearmAuto(snap *Snapshot) {
	u.mu.RLock()
	active := u.poll.stop != nil && u.poll.auto
	u.mu.RUnlock()
	if active {
		u.rearm(u.effectiveInterval(snap))
	}
}

func (u *Unit) rearm(interval time.Duration) {
	u.mu.Lock()
	if u.removed || (u.poll.stop != nil && u.poll.current == interval) {
		u.mu.Unlock()
		return
	}
	if u.poll.stop != nil {
		close(u.poll.stop)
		u.poll.stop = nil
	}
	u.poll.current = interval
	if interval <= 0 {
		u.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	u.poll.stop = stop
	u.mu.Unlock()

	jittered := u.jitter(interval)
	u.logger.Debug("polling armed", zap.Duration("interval", interval), zap.Duration("jittered", jittered))
	ticker := u.clock.NewTicker(jittered)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				if _, err := u.UpdateJSON(context.Background()); err != nil {
					u.logger.Debug("poll failed", zap.Error(err))
				}
			}
		}
	}()
}

func (u *Unit) jitter(interval time.Duration) time.Duration {
	j := u.settings.PollJitter
	if j <= 0 {
		return interval
	}
	d := interval + time.Duration(rand.Int64N(int64(2*j)+1)) - j
	if d <= 0 {
		return interval
	}
	return d
}

func (u *Unit) stopPolling() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.poll.stop != nil {
		close(u.poll.stop)
		u.poll.stop = nil
	}
	u.poll.current = 0
}
