package telebridge

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// resolveInterval is how often allow-list hostnames are re-resolved.
const resolveInterval = 5 * time.Minute

// AddressFilter is the inbound allow-list: literal IPs plus hostnames
// kept fresh by a background resolver loop.
type AddressFilter struct {
	mu       sync.RWMutex
	literals map[string]struct{}
	domains  map[string]string // hostname -> last resolved IP

	resolver *net.Resolver
	log      *slog.Logger
}

func NewAddressFilter(entries []string, logger *slog.Logger) *AddressFilter {
	if logger == nil {
		logger = slog.Default()
	}
	f := &AddressFilter{
		literals: make(map[string]struct{}),
		domains:  make(map[string]string),
		resolver: net.DefaultResolver,
		log:      logger.With("caller", "AddressFilter"),
	}
	for _, entry := range entries {
		if entry == "" {
			continue
		}
		if net.ParseIP(entry) != nil {
			f.literals[entry] = struct{}{}
		} else {
			f.domains[entry] = ""
		}
	}
	return f
}

// Run keeps hostname entries resolved until ctx ends. Returns
// immediately when the allow-list holds no hostnames.
func (f *AddressFilter) Run(ctx context.Context) {
	f.mu.RLock()
	n := len(f.domains)
	f.mu.RUnlock()
	if n == 0 {
		return
	}

	for {
		f.resolveDomains(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(resolveInterval):
		}
	}
}

func (f *AddressFilter) resolveDomains(ctx context.Context) {
	f.mu.RLock()
	names := make([]string, 0, len(f.domains))
	for name := range f.domains {
		names = append(names, name)
	}
	f.mu.RUnlock()

	for _, name := range names {
		addrs, err := f.resolver.LookupHost(ctx, name)
		if err != nil || len(addrs) == 0 {
			f.log.Warn("allow-list hostname did not resolve", "host", name, "error", err)
			continue
		}
		f.mu.Lock()
		f.domains[name] = addrs[0]
		f.mu.Unlock()
	}
}

// Contains reports whether host is allow-listed, either literally or as
// the current address of a listed hostname.
func (f *AddressFilter) Contains(host string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.literals[host]; ok {
		return true
	}
	for _, addr := range f.domains {
		if addr != "" && addr == host {
			return true
		}
	}
	return false
}

// HourRange is a [StartHour, EndHour) refusal window.
type HourRange struct {
	StartHour int
	EndHour   int
}

func (r HourRange) contains(hour int) bool {
	return r.StartHour <= hour && hour < r.EndHour
}

// DoNotDisturb holds refusal windows, optionally overridden per weekday.
type DoNotDisturb struct {
	Windows         []HourRange
	WeekdayOverride map[time.Weekday][]HourRange
	Location        *time.Location
}

// Violated reports whether now falls inside a do-not-disturb window.
func (d *DoNotDisturb) Violated(now time.Time) bool {
	if d.Location != nil {
		now = now.In(d.Location)
	}

	if windows, ok := d.WeekdayOverride[now.Weekday()]; ok {
		for _, w := range windows {
			if w.contains(now.Hour()) {
				return true
			}
		}
		return false
	}

	for _, w := range d.Windows {
		if w.contains(now.Hour()) {
			return true
		}
	}
	return false
}

// CallLog tracks the timestamps of the last N outbound calls to enforce
// an hourly rate. A zero limit disables the log.
type CallLog struct {
	mu    sync.Mutex
	limit int
	calls []time.Time
}

func NewCallLog(hourlyLimit int) *CallLog {
	return &CallLog{limit: hourlyLimit}
}

// Record notes a placed call, evicting the oldest entry beyond the limit.
func (l *CallLog) Record(now time.Time) {
	if l.limit == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, now)
	if len(l.calls) > l.limit {
		l.calls = l.calls[len(l.calls)-l.limit:]
	}
}

// LimitExceeded reports whether the log is full with every slot younger
// than an hour.
func (l *CallLog) LimitExceeded(now time.Time) bool {
	_, exceeded := l.NextAllowedTime(now)
	return exceeded
}

// NextAllowedTime returns when the next call may go out: the oldest
// logged call plus one hour. ok is false while calls are still allowed.
func (l *CallLog) NextAllowedTime(now time.Time) (next time.Time, ok bool) {
	if l.limit == 0 {
		return time.Time{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.calls) < l.limit {
		return time.Time{}, false
	}
	next = l.calls[0].Add(time.Hour)
	if next.After(now) {
		return next, true
	}
	return time.Time{}, false
}
