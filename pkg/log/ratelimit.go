// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"sync"
	"time"

	goxrate "golang.org/x/time/rate"
)

// Rate specifies the maximum per-message logging rate.
type Rate struct {
	Limit  goxrate.Limit
	Burst  int
	Window int
}

// ratelimited wraps a Logger, throttling repeats of the same formatted
// message within a sliding window of distinct messages. A scan that logs
// once per candidate page would otherwise flood the backend with millions
// of near-identical lines over a 16 GiB image.
type ratelimited struct {
	Logger
	sync.Mutex
	rate   Rate
	window []string
	limits map[string]*goxrate.Limiter
}

const (
	DefaultWindow = 256
	MinimumWindow = 32
)

// Every defines a rate limit for the given interval.
func Every(interval time.Duration) goxrate.Limit {
	return goxrate.Every(interval)
}

// Interval returns a Rate that allows one message per interval.
func Interval(interval time.Duration) Rate {
	return Rate{Limit: Every(interval), Burst: 1}
}

// RateLimit returns a rate-limited view of log.
func RateLimit(l Logger, rate Rate) Logger {
	switch {
	case rate.Window == 0:
		rate.Window = DefaultWindow
	case rate.Window < MinimumWindow:
		rate.Window = MinimumWindow
	}
	if rate.Burst < 1 {
		rate.Burst = 1
	}
	return &ratelimited{
		Logger: l,
		rate:   rate,
		window: make([]string, 0, rate.Window),
		limits: make(map[string]*goxrate.Limiter),
	}
}

func (rl *ratelimited) Debugf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if limit := rl.getMessageLimit(msg); limit.Allow() {
		rl.Logger.Debugf("%s", msg)
	}
}

func (rl *ratelimited) Infof(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if limit := rl.getMessageLimit(msg); limit.Allow() {
		rl.Logger.Infof("%s", msg)
	}
}

func (rl *ratelimited) Warnf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if limit := rl.getMessageLimit(msg); limit.Allow() {
		rl.Logger.Warnf("%s", msg)
	}
}

func (rl *ratelimited) Errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if limit := rl.getMessageLimit(msg); limit.Allow() {
		rl.Logger.Errorf("%s", msg)
	}
}

// getMessageLimit returns the existing limiter for msg, or creates a new
// one, evicting the oldest message in the window if it is full.
func (rl *ratelimited) getMessageLimit(msg string) *goxrate.Limiter {
	rl.Lock()
	defer rl.Unlock()

	limit, ok := rl.limits[msg]
	if ok {
		return limit
	}

	limit = goxrate.NewLimiter(rl.rate.Limit, rl.rate.Burst)
	if len(rl.limits) == rl.rate.Window {
		delete(rl.limits, rl.window[0])
		rl.window = rl.window[1:]
	}
	rl.window = append(rl.window, msg)
	rl.limits[msg] = limit

	return limit
}
