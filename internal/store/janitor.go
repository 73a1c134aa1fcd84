package store

import (
	"context"
	"time"

	"crawshaw.io/sqlite/sqlitex"
)

// Janitor does periodic cleaning of the engine's sqlite database:
// dropping delivery-attempt history for messages that finished long
// ago, and expiring lapsed IP reputation entries.
type Janitor struct {
	Logf func(format string, v ...interface{})

	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	pool     *sqlitex.Pool
	cleanNow chan struct{}
}

func NewJanitor(pool *sqlitex.Pool) *Janitor {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &Janitor{
		Logf:     func(format string, v ...interface{}) {},
		ctx:      ctx,
		cancelFn: cancelFn,
		done:     make(chan struct{}),
		pool:     pool,
		cleanNow: make(chan struct{}),
	}
}

func (j *Janitor) CleanNow() {
	select {
	case j.cleanNow <- struct{}{}:
	default:
	}
}

func (j *Janitor) Run() error {
	defer close(j.done)

	t := time.NewTicker(30 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-j.ctx.Done():
			return nil
		case <-t.C:
		case <-j.cleanNow:
		}

		if err := j.clean(); err != nil {
			if err == context.Canceled {
				return nil
			}
			j.Logf("janitor: clean: %v", err)
		}
	}
}

func (j *Janitor) Shutdown(ctx context.Context) error {
	j.cancelFn()
	<-j.done
	return nil
}

func (j *Janitor) clean() error {
	start := time.Now()

	conn := j.pool.Get(j.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer j.pool.Put(conn)

	var deliveriesRemoved, reputationExpired int
	defer func() {
		l := Log{
			What:     "cleanup",
			Where:    "janitor",
			When:     start,
			Duration: time.Since(start),
			Data: map[string]interface{}{
				"deliveries_removed": deliveriesRemoved,
				"reputation_expired": reputationExpired,
			},
		}
		j.Logf("%s", l)
	}()

	cutoff := time.Now().Add(-90 * 24 * time.Hour).Unix()
	stmt := conn.Prep(`DELETE FROM Deliveries WHERE MsgID IN (
		SELECT MsgID FROM Msgs WHERE DateReceived < $cutoff
		AND NOT EXISTS (SELECT 1 FROM MsgRecipients WHERE MsgRecipients.MsgID = Msgs.MsgID AND DeliveryState NOT IN ($done, $failed))
	);`)
	stmt.SetInt64("$cutoff", cutoff)
	stmt.SetInt64("$done", int64(DeliveryDone))
	stmt.SetInt64("$failed", int64(DeliveryFailed))
	if _, err := stmt.Step(); err != nil {
		return err
	}
	deliveriesRemoved = conn.Changes()

	now := time.Now().Unix()
	stmt = conn.Prep(`DELETE FROM Reputation WHERE Expires <> 0 AND Expires < $now;`)
	stmt.SetInt64("$now", now)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	reputationExpired = conn.Changes()

	return sqlitex.ExecTransient(conn, "PRAGMA incremental_vacuum;", nil)
}
