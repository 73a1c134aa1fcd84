// Package relay implements the outbound relay scheduler: thread S. It
// rereads the mail-queue directory via the filesystem, never the
// store or the binary repository, grouping each `.outg` entry's
// pending recipients, handing them to smtpclient for an SMTP
// conversation per destination MX, and retiring a queue entry to
// `.sent` or `.fail` once every recipient has reached a terminal
// state (delivered, or permanently failed after spec's 3600-second
// retry window has elapsed). Per-attempt results are still written to
// the store as a delivery audit trail, but that trail is never read
// back to make a scheduling decision — all such state is tracked
// in-process.
package relay

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/epistula-mail/epistula/internal/mailqueue"
	"github.com/epistula-mail/epistula/internal/metrics"
	"github.com/epistula-mail/epistula/internal/store"
	"github.com/epistula-mail/epistula/smtp/smtpclient"
)

// RetryWindow is how long a recipient keeps getting retried after its
// first delivery attempt before the scheduler gives up and retires it
// permanently failed, per spec's outbound relay expiry policy.
const RetryWindow = 3600 * time.Second

type recipientKey struct {
	msgID     int64
	recipient string
}

type Relay struct {
	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	dbpool   *sqlitex.Pool
	filer    *iox.Filer
	client   *smtpclient.Client
	queueDir string
	Logf     func(format string, v ...interface{})

	// OnPermanentFailure, if set, is called when a recipient is
	// retired permanently failed so the bounce generator can produce a
	// delivery-status notification back to the original sender.
	OnPermanentFailure func(msgID int64, recipient string)

	newmsg chan struct{}

	// progMu guards the scheduler's view of in-flight queue progress.
	// None of it is persisted: a restart rereads the mail-queue
	// directory and starts every still-`.outg` entry's recipients
	// fresh, which is safe since a delivered recipient's entry has
	// already been retired and renamed off the pending set.
	progMu       sync.Mutex
	completed    map[int64]map[string]bool
	permFailed   map[int64]map[string]bool
	firstAttempt map[recipientKey]time.Time

	lastQueueMtime time.Time
	cachedItems    []mailqueue.Item
}

// New creates a Relay that periodically scans the mail-queue
// directory and delivers queued outbound mail. hostname is used both
// as the client's EHLO name and, if it resolves to a local interface
// address, as the source address for outbound connections.
func New(dbpool *sqlitex.Pool, filer *iox.Filer, hostname, queueDir string) *Relay {
	ctx, cancelFn := context.WithCancel(context.Background())
	r := &Relay{
		ctx:          ctx,
		cancelFn:     cancelFn,
		done:         make(chan struct{}),
		dbpool:       dbpool,
		filer:        filer,
		client:       smtpclient.NewClient(hostname, 100),
		queueDir:     queueDir,
		Logf:         func(format string, v ...interface{}) {},
		newmsg:       make(chan struct{}, 1),
		completed:    make(map[int64]map[string]bool),
		permFailed:   make(map[int64]map[string]bool),
		firstAttempt: make(map[recipientKey]time.Time),
	}
	return r
}

// Notify wakes the scheduler up to consider a newly-queued message
// instead of waiting for the next poll tick. It is safe to call
// whether or not the scheduler is currently busy.
func (r *Relay) Notify(msgID int64) {
	select {
	case r.newmsg <- struct{}{}:
	default:
	}
}

func (r *Relay) Shutdown(ctx context.Context) error {
	r.cancelFn()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// recordDelivery writes a write-only audit trail of the attempt: one
// Deliveries row per recipient, and a DeliveryDone update for any
// recipient the attempt succeeded for. Nothing in the scheduler reads
// this back; it exists for operators inspecting delivery history.
func (r *Relay) recordDelivery(msgID int64, res []smtpclient.Delivery) error {
	conn := r.dbpool.Get(nil)
	defer r.dbpool.Put(conn)

	date := time.Now().Unix()

	stmt := conn.Prep("INSERT INTO Deliveries (MsgID, Recipient, Code, Date, Details) VALUES ($msgID, $recipient, $code, $date, $details);")
	for _, d := range res {
		stmt.Reset()
		stmt.SetInt64("$msgID", msgID)
		stmt.SetInt64("$date", date)
		stmt.SetInt64("$code", int64(d.Code))
		stmt.SetText("$recipient", d.Recipient)
		details := d.Details
		if d.Error != nil {
			if details != "" {
				details += ", "
			}
			details += "error: " + d.Error.Error()
		}
		stmt.SetText("$details", details)
		if _, err := stmt.Step(); err != nil {
			return err
		}

		switch {
		case d.Success():
			metrics.RelayAttempts.WithLabelValues("success").Inc()
		case d.PermFailure():
			metrics.RelayAttempts.WithLabelValues("permfail").Inc()
		default:
			metrics.RelayAttempts.WithLabelValues("tempfail").Inc()
		}
	}

	stmt = conn.Prep("UPDATE MsgRecipients SET DeliveryState = $state WHERE MsgID = $msgID AND Recipient = $recipient;")
	for _, d := range res {
		state := store.DeliverySending
		if d.Success() {
			state = store.DeliveryDone
		} else if d.PermFailure() {
			state = store.DeliveryFailed
		} else {
			continue
		}
		stmt.Reset()
		stmt.SetInt64("$msgID", msgID)
		stmt.SetInt64("$state", int64(state))
		stmt.SetText("$recipient", d.Recipient)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}
	return nil
}

// auditFailure persists a permanent-failure decision the scheduler
// made from its in-memory retry-window tracking (rather than from the
// attempt's own result code), for the same operator-visible audit
// trail recordDelivery writes for explicit permanent failures.
func (r *Relay) auditFailure(msgID int64, recipient string) error {
	conn := r.dbpool.Get(r.ctx)
	if conn == nil {
		return context.Canceled
	}
	defer r.dbpool.Put(conn)
	stmt := conn.Prep("UPDATE MsgRecipients SET DeliveryState = $failed WHERE MsgID = $msgID AND Recipient = $recipient;")
	stmt.SetInt64("$msgID", msgID)
	stmt.SetInt64("$failed", int64(store.DeliveryFailed))
	stmt.SetText("$recipient", recipient)
	_, err := stmt.Step()
	return err
}

// markDone and markFailed update the in-memory progress maps that
// drive retirement; both must be called with progMu held.

func (r *Relay) markDoneLocked(msgID int64, recipient string) {
	if r.completed[msgID] == nil {
		r.completed[msgID] = make(map[string]bool)
	}
	r.completed[msgID][recipient] = true
	delete(r.firstAttempt, recipientKey{msgID, recipient})
}

func (r *Relay) markFailedLocked(msgID int64, recipient string) {
	if r.permFailed[msgID] == nil {
		r.permFailed[msgID] = make(map[string]bool)
	}
	r.permFailed[msgID][recipient] = true
	delete(r.firstAttempt, recipientKey{msgID, recipient})
}

// maybeRetireLocked renames msgID's `.outg` file to `.sent` or
// `.fail` once every one of allRecipients has reached a terminal
// state, then clears its in-memory bookkeeping. Must be called with
// progMu held.
func (r *Relay) maybeRetireLocked(msgID int64, allRecipients []string) error {
	done, failed := r.completed[msgID], r.permFailed[msgID]
	anyFailed := false
	for _, recipient := range allRecipients {
		if done[recipient] {
			continue
		}
		if failed[recipient] {
			anyFailed = true
			continue
		}
		return nil // still pending
	}
	if err := mailqueue.Retire(r.queueDir, msgID, !anyFailed); err != nil {
		return err
	}
	delete(r.completed, msgID)
	delete(r.permFailed, msgID)
	return nil
}

func (r *Relay) deliver(d deliveryData) {
	defer d.closer.Close()

	res, _ := r.client.Send(r.ctx, d.from, d.toSend, d.body, d.bodySize)

	if err := r.recordDelivery(d.msgID, res); err != nil {
		r.Logf("relay: record delivery msgID=%d: %v", d.msgID, err)
	}

	var newlyFailed []string
	now := time.Now()

	r.progMu.Lock()
	for _, delivery := range res {
		key := recipientKey{d.msgID, delivery.Recipient}
		if delivery.Success() {
			r.markDoneLocked(d.msgID, delivery.Recipient)
			continue
		}

		permFailure := delivery.PermFailure()
		if !permFailure {
			first, seen := r.firstAttempt[key]
			if !seen {
				r.firstAttempt[key] = now
			} else if now.Sub(first) > RetryWindow {
				permFailure = true
			}
		}
		if !permFailure {
			continue
		}
		r.markFailedLocked(d.msgID, delivery.Recipient)
		newlyFailed = append(newlyFailed, delivery.Recipient)
	}
	if err := r.maybeRetireLocked(d.msgID, d.allRecipients); err != nil {
		r.Logf("relay: retire msgID=%d: %v", d.msgID, err)
	}
	r.progMu.Unlock()

	for _, recipient := range newlyFailed {
		if err := r.auditFailure(d.msgID, recipient); err != nil {
			r.Logf("relay: audit failure msgID=%d recipient=%s: %v", d.msgID, recipient, err)
		}
		if r.OnPermanentFailure != nil {
			r.OnPermanentFailure(d.msgID, recipient)
		}
	}
}

type deliveryData struct {
	msgID         int64
	from          string
	allRecipients []string
	toSend        []string
	body          io.ReaderAt
	bodySize      int64
	closer        io.Closer
}

// scanQueue rereads the mail-queue directory only when its mtime has
// changed since the last scan, per spec's relay-scheduler algorithm.
func (r *Relay) scanQueue() ([]mailqueue.Item, error) {
	if r.queueDir == "" {
		return nil, nil
	}
	info, err := os.Stat(r.queueDir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if info.ModTime().Equal(r.lastQueueMtime) && r.cachedItems != nil {
		return r.cachedItems, nil
	}

	items, err := mailqueue.List(r.queueDir)
	if err != nil {
		return nil, err
	}
	r.lastQueueMtime = info.ModTime()
	r.cachedItems = items
	return items, nil
}

// collectToDeliver lists the mail-queue directory's current `.outg`
// entries and, for each whose recipients aren't all already
// terminal in this process's memory, opens its verbatim body and
// builds the work for deliver. An entry whose every recipient is
// already terminal is retired immediately instead of re-sent.
func (r *Relay) collectToDeliver() ([]deliveryData, error) {
	items, err := r.scanQueue()
	if err != nil {
		return nil, err
	}

	var out []deliveryData
	now := time.Now()
	pending := 0

	r.progMu.Lock()
	for _, item := range items {
		if item.TimeDue.After(now) {
			continue
		}
		done, failed := r.completed[item.MsgID], r.permFailed[item.MsgID]
		var toSend []string
		for _, recipient := range item.Recipients {
			if done[recipient] || failed[recipient] {
				continue
			}
			toSend = append(toSend, recipient)
		}
		if len(toSend) == 0 {
			if err := r.maybeRetireLocked(item.MsgID, item.Recipients); err != nil {
				r.Logf("relay: retire msgID=%d: %v", item.MsgID, err)
			}
			continue
		}
		pending += len(toSend)

		body, size, closer, err := item.Body(r.queueDir)
		if err != nil {
			r.Logf("relay: open body msgID=%d: %v", item.MsgID, err)
			continue
		}
		out = append(out, deliveryData{
			msgID:         item.MsgID,
			from:          item.Sender,
			allRecipients: item.Recipients,
			toSend:        toSend,
			body:          body,
			bodySize:      size,
			closer:        closer,
		})
	}
	r.progMu.Unlock()

	metrics.RelayQueueDepth.Set(float64(pending))
	return out, nil
}

func (r *Relay) Run() error {
	defer close(r.done)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case <-r.newmsg:
		case <-ticker.C:
		}

		deliveries, err := r.collectToDeliver()
		if err != nil {
			if err == context.Canceled {
				return nil
			}
			return err
		}

		var wg sync.WaitGroup
		for _, data := range deliveries {
			wg.Add(1)
			go func(data deliveryData) {
				defer wg.Done()
				r.deliver(data)
			}(data)
		}
		wg.Wait()
	}
}
