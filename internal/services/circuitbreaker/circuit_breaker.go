// Package circuitbreaker keeps per-upstream breaker state in redis so
// every gateway instance sees the same open/closed decision. The
// executor consults it before debiting a wallet: a known-down upstream
// is refused outright instead of charging, calling and refunding.
package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	// Timeout is how long an open breaker waits before probing the
	// upstream again through HalfOpen.
	Timeout time.Duration
}

const (
	breakerKeyPrefix   = "creditgate:breaker:"
	stateKey           = "state"
	failureCountKey    = "failure_count"
	successCountKey    = "success_count"
	lastFailureTimeKey = "last_failure_time"
	lastStateChangeKey = "last_state_change"
	redisOpTimeout     = 1 * time.Second
	maxTransitionTries = 3
)

// Counter updates and state transitions run as Lua so concurrent
// gateway instances cannot interleave half-applied updates.
const (
	// KEYS: state, failure_count, success_count, last_state_change
	// ARGV: success threshold, unix now
	recordSuccessScript = `
		local state = tonumber(redis.call('GET', KEYS[1]) or '0')
		redis.call('SET', KEYS[2], 0)

		if state == 2 then
			local count = redis.call('INCR', KEYS[3])
			if count >= tonumber(ARGV[1]) then
				redis.call('SET', KEYS[1], 0)
				redis.call('SET', KEYS[3], 0)
				redis.call('SET', KEYS[4], ARGV[2])
				return 2
			end
			return 1
		end
		return 0
	`

	// KEYS: state, failure_count, last_failure_time, last_state_change, success_count
	// ARGV: failure threshold, unix now
	recordFailureScript = `
		local state = tonumber(redis.call('GET', KEYS[1]) or '0')
		local failureCount = redis.call('INCR', KEYS[2])
		redis.call('SET', KEYS[3], ARGV[2])

		local shouldOpen = (state == 0 and failureCount >= tonumber(ARGV[1])) or state == 2

		if shouldOpen then
			redis.call('SET', KEYS[1], 1)
			redis.call('SET', KEYS[4], ARGV[2])
			redis.call('SET', KEYS[5], '0')
			return 1
		end
		return 0
	`
)

// CircuitBreaker tracks the health of one upstream provider.
type CircuitBreaker struct {
	redisClient *redis.Client
	upstream    string
	config      Config
	keyPrefix   string
}

type keyBuilder struct {
	prefix string
}

func (kb *keyBuilder) state() string        { return kb.prefix + stateKey }
func (kb *keyBuilder) failureCount() string { return kb.prefix + failureCountKey }
func (kb *keyBuilder) successCount() string { return kb.prefix + successCountKey }
func (kb *keyBuilder) lastFailure() string  { return kb.prefix + lastFailureTimeKey }
func (kb *keyBuilder) lastChange() string   { return kb.prefix + lastStateChangeKey }

// NewForUpstream builds a breaker with the stock thresholds: open after
// 5 consecutive failures, probe after 30 s, close after 3 successes.
func NewForUpstream(redisClient *redis.Client, upstream string) *CircuitBreaker {
	config := Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
	}
	return NewWithConfig(redisClient, upstream, config)
}

func NewWithConfig(redisClient *redis.Client, upstream string, config Config) *CircuitBreaker {
	keyPrefix := breakerKeyPrefix + upstream + ":"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		fiberlog.Errorf("circuitbreaker: redis unreachable for %s: %v", upstream, err)
	}

	cb := &CircuitBreaker{
		redisClient: redisClient,
		upstream:    upstream,
		config:      config,
		keyPrefix:   keyPrefix,
	}

	cb.initializeState()
	return cb
}

func (cb *CircuitBreaker) initializeState() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	exists, err := cb.redisClient.Exists(ctx, cb.keyPrefix+stateKey).Result()
	if err != nil {
		fiberlog.Errorf("circuitbreaker: failed to check state existence: %v", err)
		return
	}

	if exists == 0 {
		pipe := cb.redisClient.Pipeline()
		pipe.Set(ctx, cb.keyPrefix+stateKey, int(Closed), 0)
		pipe.Set(ctx, cb.keyPrefix+failureCountKey, 0, 0)
		pipe.Set(ctx, cb.keyPrefix+successCountKey, 0, 0)
		pipe.Set(ctx, cb.keyPrefix+lastStateChangeKey, time.Now().Unix(), 0)

		if _, err := pipe.Exec(ctx); err != nil {
			fiberlog.Errorf("circuitbreaker: failed to initialize state: %v", err)
		} else {
			fiberlog.Debugf("circuitbreaker: initialized state for %s", cb.upstream)
		}
	}
}

// CanExecute reports whether a call to the upstream should be attempted.
// Redis trouble fails open: better to attempt the call than to refuse
// billable work on a bookkeeping failure.
func (cb *CircuitBreaker) CanExecute() bool {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	state, err := cb.getState(ctx)
	if err != nil {
		fiberlog.Errorf("circuitbreaker: failed to get state, allowing execution: %v", err)
		return true
	}

	switch state {
	case Closed:
		return true
	case Open:
		lastFailureTime, err := cb.redisClient.Get(ctx, cb.keyPrefix+lastFailureTimeKey).Int64()
		if err != nil {
			fiberlog.Errorf("circuitbreaker: failed to get last failure time: %v", err)
			return false
		}

		if time.Since(time.Unix(lastFailureTime, 0)) > cb.config.Timeout {
			if cb.transitionToState(HalfOpen) {
				return true
			}
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	kb := &keyBuilder{prefix: cb.keyPrefix}

	keys := []string{
		kb.state(),
		kb.failureCount(),
		kb.successCount(),
		kb.lastChange(),
	}
	args := []any{
		cb.config.SuccessThreshold,
		time.Now().Unix(),
	}

	result, err := cb.redisClient.Eval(ctx, recordSuccessScript, keys, args...).Int()
	if err != nil {
		fiberlog.Errorf("circuitbreaker: failed to record success: %v", err)
		return
	}

	switch result {
	case 2:
		fiberlog.Infof("circuitbreaker: %s closed after successful probes", cb.upstream)
	case 1:
		fiberlog.Infof("circuitbreaker: %s recorded success in HalfOpen", cb.upstream)
	default:
		fiberlog.Debugf("circuitbreaker: %s recorded success", cb.upstream)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	kb := &keyBuilder{prefix: cb.keyPrefix}

	keys := []string{
		kb.state(),
		kb.failureCount(),
		kb.lastFailure(),
		kb.lastChange(),
		kb.successCount(),
	}
	args := []any{
		cb.config.FailureThreshold,
		time.Now().Unix(),
	}

	result, err := cb.redisClient.Eval(ctx, recordFailureScript, keys, args...).Int()
	if err != nil {
		fiberlog.Errorf("circuitbreaker: failed to record failure: %v", err)
		return
	}

	if result == 1 {
		fiberlog.Warnf("circuitbreaker: %s opened, refusing calls for %s", cb.upstream, cb.config.Timeout)
	} else {
		fiberlog.Debugf("circuitbreaker: %s recorded failure", cb.upstream)
	}
}

func (cb *CircuitBreaker) GetState() State {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	state, err := cb.getState(ctx)
	if err != nil {
		fiberlog.Errorf("circuitbreaker: failed to get state, returning Closed: %v", err)
		return Closed
	}
	return state
}

// Reset forces the breaker closed. Operator escape hatch for when the
// upstream has recovered faster than the probe cycle notices.
func (cb *CircuitBreaker) Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := cb.redisClient.Pipeline()
	pipe.Set(ctx, cb.keyPrefix+stateKey, int(Closed), 0)
	pipe.Set(ctx, cb.keyPrefix+failureCountKey, 0, 0)
	pipe.Set(ctx, cb.keyPrefix+successCountKey, 0, 0)
	pipe.Set(ctx, cb.keyPrefix+lastStateChangeKey, time.Now().Unix(), 0)

	if _, err := pipe.Exec(ctx); err != nil {
		fiberlog.Errorf("circuitbreaker: failed to reset state: %v", err)
	} else {
		fiberlog.Infof("circuitbreaker: reset breaker for %s", cb.upstream)
	}
}

func (cb *CircuitBreaker) getState(ctx context.Context) (State, error) {
	kb := &keyBuilder{prefix: cb.keyPrefix}
	stateStr, err := cb.redisClient.Get(ctx, kb.state()).Result()
	if err != nil {
		return Closed, fmt.Errorf("failed to get circuit breaker state: %w", err)
	}

	stateInt, err := strconv.Atoi(stateStr)
	if err != nil {
		return Closed, fmt.Errorf("invalid state value '%s': %w", stateStr, err)
	}

	return State(stateInt), nil
}

func (cb *CircuitBreaker) transitionToState(newState State) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	kb := &keyBuilder{prefix: cb.keyPrefix}

	for attempt := range maxTransitionTries {
		err := cb.redisClient.Watch(ctx, func(tx *redis.Tx) error {
			currentState, err := cb.getState(ctx)
			if err != nil {
				return err
			}

			if currentState == newState {
				return nil
			}

			pipe := tx.TxPipeline()
			pipe.Set(ctx, kb.state(), int(newState), 0)
			pipe.Set(ctx, kb.lastChange(), time.Now().Unix(), 0)

			if newState != HalfOpen {
				pipe.Set(ctx, kb.successCount(), 0, 0)
			}

			_, err = pipe.Exec(ctx)
			return err
		}, kb.state())

		if err == nil {
			fiberlog.Debugf("circuitbreaker: %s transitioned to %s", cb.upstream, newState)
			return true
		}

		if err != redis.TxFailedErr {
			fiberlog.Errorf("circuitbreaker: %s state transition failed: %v", cb.upstream, err)
			return false
		}

		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}

	fiberlog.Errorf("circuitbreaker: %s state transition failed after %d attempts", cb.upstream, maxTransitionTries)
	return false
}
