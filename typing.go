package chatsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TypingCoordinator debounces the local user's typing signals and tracks
// which peers are typing, evicting entries whose stop event never arrived.
type TypingCoordinator struct {
	sig     Signaler
	self    string
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time

	window time.Duration
	idle   time.Duration
	stale  time.Duration
	sweep  time.Duration

	// onChange is called, without locks held, when the peer set changed.
	onChange func()

	mu       sync.Mutex
	limiter  *rate.Limiter
	outScope Scope
	typing   bool
	autoStop *time.Timer
	peers    map[string]map[string]*TypingUser

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewTypingCoordinator creates a coordinator. sig may be nil, in which case
// no outbound signals are sent.
func NewTypingCoordinator(sig Signaler, opts Options) *TypingCoordinator {
	opts.defaults()
	return newTypingCoordinator(sig, &opts, nil)
}

func newTypingCoordinator(sig Signaler, opts *Options, metrics *Metrics) *TypingCoordinator {
	return &TypingCoordinator{
		sig:     sig,
		self:    opts.Self.ID,
		log:     opts.Logger.Named("typing"),
		metrics: metrics,
		now:     opts.now,
		window:  opts.TypingWindow,
		idle:    opts.TypingIdle,
		stale:   opts.TypingStale,
		sweep:   opts.TypingSweep,
		limiter: rate.NewLimiter(rate.Every(opts.TypingWindow), 1),
		peers:   make(map[string]map[string]*TypingUser),
		done:    make(chan struct{}),
	}
}

// ============================================================================
// Outbound
// ============================================================================

// StartTyping records local typing activity in scope. The start signal goes
// out at most once per window; a stop is sent automatically after the idle
// timeout unless StartTyping is called again.
func (tc *TypingCoordinator) StartTyping(ctx context.Context, scope Scope) error {
	if scope.IsZero() {
		return ErrNoScope
	}
	tc.mu.Lock()
	var prev Scope
	if tc.typing && tc.outScope != scope {
		prev = tc.outScope
		tc.limiter = rate.NewLimiter(rate.Every(tc.window), 1)
	}
	tc.outScope = scope
	tc.typing = true
	if tc.autoStop != nil {
		tc.autoStop.Stop()
	}
	tc.autoStop = time.AfterFunc(tc.idle, func() { tc.idleStop(scope) })
	send := tc.limiter.AllowN(tc.now(), 1)
	tc.mu.Unlock()

	if !prev.IsZero() {
		tc.signal(ctx, prev, false)
	}
	if !send {
		return nil
	}
	return tc.signal(ctx, scope, true)
}

// StopTyping ends local typing in scope. It is a no-op when not typing there.
func (tc *TypingCoordinator) StopTyping(ctx context.Context, scope Scope) error {
	tc.mu.Lock()
	if !tc.typing || tc.outScope != scope {
		tc.mu.Unlock()
		return nil
	}
	tc.clearOutboundLocked()
	tc.mu.Unlock()
	return tc.signal(ctx, scope, false)
}

func (tc *TypingCoordinator) idleStop(scope Scope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tc.StopTyping(ctx, scope); err != nil {
		tc.log.Debug("typing_auto_stop_failed", zap.Stringer("scope", scope), zap.Error(err))
	}
}

func (tc *TypingCoordinator) clearOutboundLocked() {
	tc.typing = false
	if tc.autoStop != nil {
		tc.autoStop.Stop()
		tc.autoStop = nil
	}
	tc.limiter = rate.NewLimiter(rate.Every(tc.window), 1)
}

func (tc *TypingCoordinator) signal(ctx context.Context, scope Scope, start bool) error {
	if tc.sig == nil {
		return nil
	}
	var err error
	if start {
		err = tc.sig.StartTyping(ctx, scope)
	} else {
		err = tc.sig.StopTyping(ctx, scope)
	}
	if err != nil {
		return fmt.Errorf("typing signal: %w", err)
	}
	return nil
}

// ============================================================================
// Inbound
// ============================================================================

// OnEvent records a peer's typing state. Events from the local user are
// ignored. It reports whether the visible set changed.
func (tc *TypingCoordinator) OnEvent(userID, name string, isTyping bool, scope Scope) bool {
	if userID == "" || scope.IsZero() || userID == tc.self {
		return false
	}
	now := tc.now()
	key := scope.Key()

	tc.mu.Lock()
	defer tc.mu.Unlock()
	users := tc.peers[key]
	if !isTyping {
		if _, ok := users[userID]; !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(tc.peers, key)
		}
		tc.updateGaugeLocked()
		return true
	}
	if users == nil {
		users = make(map[string]*TypingUser)
		tc.peers[key] = users
	}
	if u, ok := users[userID]; ok {
		u.LastTypingTime = now
		if name != "" {
			u.Name = name
		}
		return false
	}
	if name == "" {
		name = userID
	}
	users[userID] = &TypingUser{UserID: userID, Name: name, IsTyping: true, LastTypingTime: now, since: now}
	tc.updateGaugeLocked()
	return true
}

// ActiveTypers returns the peers typing in scope, in the order they started.
func (tc *TypingCoordinator) ActiveTypers(scope Scope) []TypingUser {
	cutoff := tc.now().Add(-tc.stale)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	var out []TypingUser
	for _, u := range tc.peers[scope.Key()] {
		if u.LastTypingTime.Before(cutoff) {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].since.Equal(out[j].since) {
			return out[i].since.Before(out[j].since)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Sweep evicts entries older than the stale threshold and returns how many
// were removed.
func (tc *TypingCoordinator) Sweep() int {
	cutoff := tc.now().Add(-tc.stale)
	tc.mu.Lock()
	evicted := 0
	for key, users := range tc.peers {
		for id, u := range users {
			if u.LastTypingTime.Before(cutoff) {
				delete(users, id)
				evicted++
			}
		}
		if len(users) == 0 {
			delete(tc.peers, key)
		}
	}
	if evicted > 0 {
		tc.updateGaugeLocked()
	}
	onChange := tc.onChange
	tc.mu.Unlock()

	if evicted > 0 {
		tc.log.Debug("typing_evicted", zap.Int("count", evicted))
		if onChange != nil {
			onChange()
		}
	}
	return evicted
}

// Reset drops every peer entry and ends local typing, signalling stop for the
// scope that was being typed in.
func (tc *TypingCoordinator) Reset(ctx context.Context) {
	tc.mu.Lock()
	prev, wasTyping := tc.outScope, tc.typing
	tc.clearOutboundLocked()
	tc.peers = make(map[string]map[string]*TypingUser)
	tc.updateGaugeLocked()
	tc.mu.Unlock()

	if wasTyping {
		if err := tc.signal(ctx, prev, false); err != nil {
			tc.log.Debug("typing_stop_failed", zap.Stringer("scope", prev), zap.Error(err))
		}
	}
}

// Start launches the background sweep.
func (tc *TypingCoordinator) Start() {
	tc.wg.Add(1)
	go func() {
		defer tc.wg.Done()
		ticker := time.NewTicker(tc.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-tc.done:
				return
			case <-ticker.C:
				tc.Sweep()
			}
		}
	}()
}

// Close stops the sweep and any pending auto-stop timer.
func (tc *TypingCoordinator) Close() {
	tc.stopOnce.Do(func() {
		close(tc.done)
		tc.mu.Lock()
		if tc.autoStop != nil {
			tc.autoStop.Stop()
			tc.autoStop = nil
		}
		tc.mu.Unlock()
	})
	tc.wg.Wait()
}

func (tc *TypingCoordinator) updateGaugeLocked() {
	n := 0
	for _, users := range tc.peers {
		n += len(users)
	}
	tc.metrics.typers(n)
}

// TypingText renders the typing line for a list of typers.
func TypingText(users []TypingUser) string {
	name := func(u TypingUser) string {
		if u.Name != "" {
			return u.Name
		}
		return u.UserID
	}
	switch n := len(users); {
	case n == 0:
		return ""
	case n == 1:
		return name(users[0]) + " is typing"
	case n == 2:
		return name(users[0]) + " and " + name(users[1]) + " are typing"
	case n == 3:
		return fmt.Sprintf("%s, %s, and %s are typing", name(users[0]), name(users[1]), name(users[2]))
	default:
		return fmt.Sprintf("%s, %s, and %d others are typing", name(users[0]), name(users[1]), n-2)
	}
}
