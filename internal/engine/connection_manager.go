package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"
)

// connectionManager owns the DuckDB handle used to serve queries.
//   - The first handle is created on the first request.
//   - When recycleAfter is positive, a fresh handle is pre-warmed in the
//     background once the current one has been in use for that long.
//   - The next request hot-swaps to the warmed handle and the stale one is
//     closed in the background once its in-flight queries have drained.
type connectionManager struct {
	mu           sync.Mutex
	dsn          string
	initStmts    []string
	recycleAfter time.Duration // Zero keeps a single handle for the process lifetime.
	logger       zerolog.Logger

	currentConn *sql.DB
	nextConn    *sql.DB
	isWarmingUp bool
	createdAt   time.Time
	closed      bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

func newConnectionManager(dsn string, initStmts []string, recycleAfter time.Duration, logger zerolog.Logger) *connectionManager {
	return &connectionManager{
		dsn:          dsn,
		initStmts:    initStmts,
		recycleAfter: recycleAfter,
		logger:       logger,
		closeCh:      make(chan struct{}),
	}
}

// Get returns a ready-to-use database handle. It only blocks on the very
// first call, which opens the initial handle synchronously.
func (cm *connectionManager) Get() (*sql.DB, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, ErrClosed
	}

	if cm.currentConn == nil {
		cm.logger.Debug().Msg("creating initial connection")
		conn, err := cm.createConnection()
		if err != nil {
			return nil, err
		}
		cm.currentConn = conn
		cm.createdAt = time.Now()
		cm.startWarmupRoutine()
		return cm.currentConn, nil
	}

	if cm.nextConn != nil {
		cm.logger.Debug().Msg("hot-swapping to warmed-up connection")
		staleConn := cm.currentConn
		cm.currentConn = cm.nextConn
		cm.createdAt = time.Now()
		cm.nextConn = nil
		cm.isWarmingUp = false

		cm.wg.Add(1)
		go func() {
			defer cm.wg.Done()
			// Close waits for queries already running on the stale handle.
			if err := staleConn.Close(); err != nil {
				cm.logger.Warn().Err(err).Msg("failed to close stale connection")
				return
			}
			cm.logger.Debug().Msg("closed stale connection")
		}()

		cm.startWarmupRoutine()
		return cm.currentConn, nil
	}

	if !cm.isWarmingUp && time.Since(cm.createdAt) > cm.recycleAfter {
		cm.startWarmupRoutine()
	}

	return cm.currentConn, nil
}

// startWarmupRoutine arms a background timer that prepares the next handle.
// Caller must hold cm.mu.
func (cm *connectionManager) startWarmupRoutine() {
	if cm.recycleAfter <= 0 {
		return
	}
	cm.isWarmingUp = true
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		select {
		case <-time.After(cm.recycleAfter):
			cm.logger.Debug().Msg("warmup triggered, preparing next connection")
			newConn, err := cm.createConnection()

			cm.mu.Lock()
			defer cm.mu.Unlock()

			if err != nil {
				cm.logger.Warn().Err(err).Msg("failed to warm up new connection")
				cm.isWarmingUp = false
				return
			}

			select {
			case <-cm.closeCh:
				// Close already ran; nobody will ever swap to this handle.
				newConn.Close()
				return
			default:
			}

			cm.logger.Debug().Msg("new connection is warmed up and ready")
			cm.nextConn = newConn

		case <-cm.closeCh:
			return
		}
	}()
}

// createConnection opens a DuckDB handle whose every pooled connection runs
// the init statements, and verifies it with a ping.
func (cm *connectionManager) createConnection() (*sql.DB, error) {
	connector, err := duckdb.NewConnector(cm.dsn, cm.initConn)
	if err != nil {
		return nil, fmt.Errorf("failed to create duckdb connector: %w", err)
	}
	conn := sql.OpenDB(connector)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping new connection: %w", err)
	}
	return conn, nil
}

func (cm *connectionManager) initConn(execer driver.ExecerContext) error {
	for _, stmt := range cm.initStmts {
		if _, err := execer.ExecContext(context.Background(), stmt, nil); err != nil {
			return fmt.Errorf("failed to run init statement %q: %w", stmt, err)
		}
	}
	return nil
}

// Close stops background routines and closes every managed handle.
func (cm *connectionManager) Close() {
	cm.logger.Debug().Msg("shutting down connection manager")
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.closed = true
	cm.mu.Unlock()

	close(cm.closeCh)
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.currentConn != nil {
		cm.currentConn.Close()
		cm.currentConn = nil
	}
	if cm.nextConn != nil {
		cm.nextConn.Close()
		cm.nextConn = nil
	}
	cm.logger.Debug().Msg("connection manager shutdown complete")
}
