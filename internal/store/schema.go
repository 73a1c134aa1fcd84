package store

// createSQL is the single schema for the engine's sqlite-backed state:
// the binary repository, the short-form message index, the
// formal-message-id and generic ISAM indexes, the local-routing
// tables, the correspondent index, and the IP reputation log. The POP3
// manifest and the outbound mail queue are the two exceptions — spec
// pins their on-disk format to plain flat files, so they live under
// mbox/ and mque/ instead of in this database.
const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS ServerConfig (
	NexusToken TEXT
);

-- Subscribers holds one row per mail account the engine serves.
CREATE TABLE IF NOT EXISTS Subscribers (
	SubscriberID  INTEGER PRIMARY KEY,
	PassHash      TEXT NOT NULL, -- bcrypt of the POP3/submission password
	FullName      TEXT NOT NULL,
	Locked        BOOLEAN NOT NULL
);

-- LocalAddresses maps every address a subscriber answers to, back to
-- that subscriber. Address is always lower-cased before insertion.
CREATE TABLE IF NOT EXISTS LocalAddresses (
	Address      TEXT PRIMARY KEY,
	SubscriberID INTEGER NOT NULL,
	PrimaryAddr  BOOLEAN,

	FOREIGN KEY(SubscriberID) REFERENCES Subscribers(SubscriberID)
);

-- Forwards implements the local-routing resolution algorithm's
-- alias step: mail accepted for Address is additionally queued for
-- delivery (local or relayed) to Target.
CREATE TABLE IF NOT EXISTS Forwards (
	Address TEXT NOT NULL,
	Target  TEXT NOT NULL,

	PRIMARY KEY(Address, Target)
);

-- Domains classifies a domain as local (delivered to a mailbox on
-- this host) or not (relayed onward by the outbound scheduler).
CREATE TABLE IF NOT EXISTS Domains (
	Domain TEXT PRIMARY KEY,
	Local  BOOLEAN NOT NULL
);

-- BannedDomains lists sender domains the alien-port MAIL FROM
-- classification rejects outright, before any DNS lookup.
CREATE TABLE IF NOT EXISTS BannedDomains (
	Domain TEXT PRIMARY KEY
);

-- Repository is the content-addressed binary store: one row per
-- distinct raw RFC5322 byte stream, keyed by its SHA-256 hex digest.
CREATE TABLE IF NOT EXISTS Repository (
	Hash    TEXT PRIMARY KEY,
	Content BLOB,
	Size    INTEGER NOT NULL,
	Created INTEGER NOT NULL -- time.Now().Unix() at first write
);

-- Msgs is the short-form index: the metadata a POP3 LIST/UIDL or a
-- routing decision needs without re-reading Repository.Content.
CREATE TABLE IF NOT EXISTS Msgs (
	MsgID        INTEGER PRIMARY KEY,
	Hash         TEXT NOT NULL,
	Sender       TEXT NOT NULL,
	Subject      TEXT NOT NULL,
	Size         INTEGER NOT NULL,
	DateReceived INTEGER NOT NULL,
	ReadyDate    INTEGER,
	SubscriberID INTEGER,

	FOREIGN KEY(Hash) REFERENCES Repository(Hash),
	FOREIGN KEY(SubscriberID) REFERENCES Subscribers(SubscriberID)
);

-- MsgRecipients is the envelope of a Msg: one row per accepted RCPT TO.
CREATE TABLE IF NOT EXISTS MsgRecipients (
	MsgID         INTEGER NOT NULL,
	Recipient     TEXT NOT NULL,
	FullAddress   TEXT NOT NULL,
	DeliveryState INTEGER NOT NULL,

	PRIMARY KEY(MsgID, Recipient),
	FOREIGN KEY(MsgID) REFERENCES Msgs(MsgID)
);

-- Deliveries records every relay attempt, successful or not. On
-- success Code == 250 and the sibling MsgRecipients row moves to
-- DeliveryDone.
CREATE TABLE IF NOT EXISTS Deliveries (
	AttemptID INTEGER PRIMARY KEY,
	MsgID     INTEGER NOT NULL,
	Recipient TEXT NOT NULL,
	Code      INTEGER NOT NULL,
	Date      INTEGER NOT NULL,
	Details   TEXT,

	FOREIGN KEY(MsgID, Recipient) REFERENCES MsgRecipients(MsgID, Recipient)
);

-- FormalMsgIDIndex is the ISAM-style index from a message's formal
-- Message-ID header (bracketed, as it appears on the wire) to the
-- repository hash of the message that carries it.
CREATE TABLE IF NOT EXISTS FormalMsgIDIndex (
	MessageID TEXT PRIMARY KEY,
	Hash      TEXT NOT NULL,

	FOREIGN KEY(Hash) REFERENCES Repository(Hash)
);

-- ISAMEntries backs internal/isam's generic ordered key/value store.
-- Namespace separates independent keyspaces (e.g. one per mailbox)
-- sharing the same table.
CREATE TABLE IF NOT EXISTS ISAMEntries (
	Namespace TEXT NOT NULL,
	Key       TEXT NOT NULL,
	Value     BLOB,

	PRIMARY KEY(Namespace, Key)
);

-- Correspondents is the correspondent index: every distinct address
-- this engine has exchanged mail with, local or remote.
CREATE TABLE IF NOT EXISTS Correspondents (
	Address      TEXT PRIMARY KEY,
	DisplayName  TEXT,
	LastSeen     INTEGER NOT NULL,
	MessageCount INTEGER NOT NULL
);

-- Reputation is the IP reputation log consulted by the SMTP listener
-- before and during a session (whitelist/blacklist with expiry).
CREATE TABLE IF NOT EXISTS Reputation (
	IP          TEXT PRIMARY KEY,
	Whitelisted BOOLEAN NOT NULL,
	Blacklisted BOOLEAN NOT NULL,
	Expires     INTEGER, -- time.Now().Unix() the entry lapses, 0 = never
	Reason      TEXT
);

-- Quarantine holds full captures of sessions diverted away from the
-- normal ingress pipeline (forged-local-sender probes, credential
-- stuffing): the whole transaction is accepted and recorded instead
-- of bounced, so the sender gains nothing by retrying.
CREATE TABLE IF NOT EXISTS Quarantine (
	AttemptID   INTEGER PRIMARY KEY,
	RemoteAddr  TEXT NOT NULL,
	HeloName    TEXT NOT NULL,
	Date        INTEGER NOT NULL,
	Credentials TEXT, -- JSON, captured USER/PASS or AUTH attempts
	Recipients  TEXT, -- JSON array of attempted RCPT TO values
	Content     BLOB
);
`
