// Package localdeliver drains MsgRecipients rows bound for local
// mailboxes: following any Forwards chain to its end, then either
// appending the message to the destination subscriber's POP3
// manifest or, if the chain ends at an alien address, re-queuing the
// recipient for the outbound relay scheduler.
package localdeliver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/epistula-mail/epistula/internal/mailbox"
	"github.com/epistula-mail/epistula/internal/routing"
	"github.com/epistula-mail/epistula/internal/store"
)

type LocalDeliver struct {
	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	dbpool    *sqlitex.Pool
	mailboxes *mailbox.Manager
	Logf      func(format string, v ...interface{})

	// Relay, if set, is notified with a MsgID when a forward chain
	// resolves to an alien address so the relay scheduler considers
	// it without waiting for its next poll tick.
	Relay func(msgID int64)

	newmsg chan struct{}
}

func New(dbpool *sqlitex.Pool, mailboxes *mailbox.Manager) *LocalDeliver {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &LocalDeliver{
		ctx:       ctx,
		cancelFn:  cancelFn,
		done:      make(chan struct{}),
		dbpool:    dbpool,
		mailboxes: mailboxes,
		Logf:      func(format string, v ...interface{}) {},
		newmsg:    make(chan struct{}, 1),
	}
}

func (p *LocalDeliver) Notify(msgID int64) {
	select {
	case p.newmsg <- struct{}{}:
	default:
	}
}

func (p *LocalDeliver) Shutdown(ctx context.Context) error {
	p.cancelFn()
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

type pendingRecipient struct {
	msgID     int64
	recipient string
}

func (p *LocalDeliver) collectToProcess() (pending []pendingRecipient, more bool, err error) {
	conn := p.dbpool.Get(p.ctx)
	if conn == nil {
		return nil, false, context.Canceled
	}
	defer p.dbpool.Put(conn)

	const limit = 300
	stmt := conn.Prep(`SELECT MsgID, Recipient FROM MsgRecipients WHERE DeliveryState = $toProcess ORDER BY MsgID LIMIT $limit;`)
	stmt.SetInt64("$toProcess", int64(store.DeliveryToProcess))
	stmt.SetInt64("$limit", limit)
	for {
		hasNext, err := stmt.Step()
		if err != nil {
			return nil, false, err
		}
		if !hasNext {
			break
		}
		pending = append(pending, pendingRecipient{
			msgID:     stmt.GetInt64("MsgID"),
			recipient: stmt.GetText("Recipient"),
		})
	}
	return pending, len(pending) == limit, nil
}

func (p *LocalDeliver) deliverOne(r pendingRecipient) error {
	conn := p.dbpool.Get(p.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer p.dbpool.Put(conn)

	res, err := routing.ResolveChain(conn, []byte(r.recipient))
	if err != nil {
		return err
	}

	switch res.Kind {
	case routing.Local:
		return p.deliverLocal(conn, r, res.SubscriberID)
	case routing.Alien, routing.Forwarded:
		return p.requeueForRelay(conn, r, res.Forward)
	default:
		return fmt.Errorf("localdeliver: unresolved recipient %q", r.recipient)
	}
}

func (p *LocalDeliver) deliverLocal(conn *sqlite.Conn, r pendingRecipient, subscriberID int64) error {
	stmt := conn.Prep(`SELECT Size FROM Msgs WHERE MsgID = $msgID;`)
	stmt.SetInt64("$msgID", r.msgID)
	hasRow, err := stmt.Step()
	if err != nil {
		return err
	}
	if !hasRow {
		return fmt.Errorf("localdeliver: msg %d missing", r.msgID)
	}
	size := stmt.GetInt64("Size")
	stmt.Reset()

	account := fmt.Sprintf("%d", subscriberID)
	if err := p.mailboxes.Append(account, r.msgID, size); err != nil {
		return err
	}

	return p.markDelivered(conn, r, store.DeliveryDone)
}

// requeueForRelay rewrites a forward-resolved recipient to its final
// alien address and hands it back to the relay scheduler instead of
// the router.
func (p *LocalDeliver) requeueForRelay(conn *sqlite.Conn, r pendingRecipient, forwardedTo string) error {
	recipient := r.recipient
	if forwardedTo != "" {
		recipient = forwardedTo
	}

	stmt := conn.Prep(`UPDATE MsgRecipients SET Recipient = $recipient, DeliveryState = $sending WHERE MsgID = $msgID AND Recipient = $orig;`)
	stmt.SetInt64("$msgID", r.msgID)
	stmt.SetText("$recipient", recipient)
	stmt.SetText("$orig", r.recipient)
	stmt.SetInt64("$sending", int64(store.DeliverySending))
	_, err := stmt.Step()
	if err == nil && p.Relay != nil {
		p.Relay(r.msgID)
	}
	return err
}

func (p *LocalDeliver) markDelivered(conn *sqlite.Conn, r pendingRecipient, state store.DeliveryState) error {
	stmt := conn.Prep(`UPDATE MsgRecipients SET DeliveryState = $state WHERE MsgID = $msgID AND Recipient = $recipient;`)
	stmt.SetInt64("$msgID", r.msgID)
	stmt.SetText("$recipient", r.recipient)
	stmt.SetInt64("$state", int64(state))
	_, err := stmt.Step()
	return err
}

func (p *LocalDeliver) Run() error {
	defer close(p.done)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return nil
		case <-p.newmsg:
		case <-ticker.C:
		}

		pending, more, err := p.collectToProcess()
		if err != nil {
			if err == context.Canceled {
				return nil
			}
			return err
		}

		if more {
			select {
			case p.newmsg <- struct{}{}:
			default:
			}
		}

		var wg sync.WaitGroup
		for _, r := range pending {
			wg.Add(1)
			go func(r pendingRecipient) {
				defer wg.Done()
				if err := p.deliverOne(r); err != nil {
					p.Logf("localdeliver: msgID=%d recipient=%s: %v", r.msgID, r.recipient, err)
				}
			}(r)
		}
		wg.Wait()
	}
}
