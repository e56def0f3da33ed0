// Package session owns the single connection to the trading backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/rustyeddy/tradebridge/bridge"
	"github.com/rustyeddy/tradebridge/broker"
	"github.com/rustyeddy/tradebridge/metrics"
)

var log = logrus.WithField("component", "session")

var (
	ErrConnection = errors.New("backend connection failed")
	ErrNoAccount  = errors.New("no account information")
)

const (
	DefaultCooldown       = time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// ConnectionError reports a failed connect sequence. It matches both
// ErrConnection and the underlying cause.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%v: %v", ErrConnection, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

type Config struct {
	Credentials    broker.Credentials
	Cooldown       time.Duration
	ConnectTimeout time.Duration
}

type State struct {
	Connected          bool
	LastConnectAttempt time.Time
	Cooldown           time.Duration
	Account            broker.Account
}

// Manager establishes the backend session lazily and keeps it healthy.
// Concurrent callers of EnsureConnected share a single attempt.
type Manager struct {
	client broker.Client
	pool   *bridge.Pool
	creds  broker.Credentials

	connectTimeout time.Duration
	group          singleflight.Group

	mu    sync.Mutex
	state State
}

func New(client broker.Client, pool *bridge.Pool, cfg Config) *Manager {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Manager{
		client:         client,
		pool:           pool,
		creds:          cfg.Credentials,
		connectTimeout: cfg.ConnectTimeout,
		state:          State{Cooldown: cfg.Cooldown},
	}
}

func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Connected
}

// Invalidate marks the session as lost so the next EnsureConnected runs
// the full connect sequence.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Connected {
		log.Warn("session invalidated")
	}
	m.setConnectedLocked(false)
}

// EnsureConnected returns nil once the backend is reachable and logged in.
// The shared attempt is not cancelled by any one caller; ctx only bounds
// how long this caller waits for it.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	ch := m.group.DoChan("connect", func() (any, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.connectTimeout)
		defer cancel()
		return nil, m.connect(actx)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) connect(ctx context.Context) error {
	if m.IsConnected() {
		acct, err := bridge.Call(ctx, m.pool, m.client.AccountInfo)
		if err == nil && acct != nil {
			m.mu.Lock()
			m.state.Account = *acct
			m.mu.Unlock()
			return nil
		}
		log.WithError(err).Warn("session check failed, reconnecting")
		m.Invalidate()
	}

	m.mu.Lock()
	last, cooldown := m.state.LastConnectAttempt, m.state.Cooldown
	m.mu.Unlock()
	if !last.IsZero() {
		if wait := cooldown - time.Since(last); wait > 0 {
			log.WithField("wait", wait).Debug("connect cooldown")
			if err := sleep(ctx, wait); err != nil {
				return &ConnectionError{Err: err}
			}
		}
	}

	m.mu.Lock()
	m.state.LastConnectAttempt = time.Now()
	m.mu.Unlock()

	acct, err := bridge.Call(ctx, m.pool, m.dial)
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		log.WithError(err).Error("connect failed")
		return &ConnectionError{Err: err}
	}

	m.mu.Lock()
	m.state.Account = *acct
	m.setConnectedLocked(true)
	m.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues("ok").Inc()
	log.WithFields(logrus.Fields{
		"login":  acct.Login,
		"server": acct.Server,
	}).Info("connected")
	return nil
}

// dial runs initialize -> login -> account check on one worker. A failure
// after initialize tears the terminal session down again.
func (m *Manager) dial(ctx context.Context) (*broker.Account, error) {
	if err := m.client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := m.client.Login(ctx, m.creds); err != nil {
		m.teardown(ctx)
		return nil, fmt.Errorf("login %d@%s: %w", m.creds.Login, m.creds.Server, err)
	}
	acct, err := m.client.AccountInfo(ctx)
	if err == nil && acct == nil {
		err = ErrNoAccount
	}
	if err != nil {
		m.teardown(ctx)
		return nil, fmt.Errorf("account info: %w", err)
	}
	return acct, nil
}

func (m *Manager) teardown(ctx context.Context) {
	if err := m.client.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutdown after failed connect")
	}
}

// Close shuts the backend down if a session is open.
func (m *Manager) Close(ctx context.Context) error {
	if !m.IsConnected() {
		return nil
	}
	m.mu.Lock()
	m.setConnectedLocked(false)
	m.mu.Unlock()

	if err := bridge.Do(ctx, m.pool, m.client.Shutdown); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("disconnected")
	return nil
}

func (m *Manager) setConnectedLocked(up bool) {
	m.state.Connected = up
	if up {
		metrics.SessionConnected.Set(1)
	} else {
		metrics.SessionConnected.Set(0)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
