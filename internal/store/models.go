package store

import "time"

// Transfer directions
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Transfer outcomes
const (
	OutcomeStored   = "stored"
	OutcomeSkipped  = "skipped"
	OutcomeServed   = "served"
	OutcomeUpToDate = "up_to_date"
	OutcomeRejected = "rejected"
	OutcomeNotFound = "not_found"
	OutcomeFailed   = "failed"
)

// TransferRecord is one journaled upload or download
type TransferRecord struct {
	ID         int64
	Direction  string // "upload" or "download"
	Filename   string
	Directory  string // resolved directory the file lives in
	Size       int64
	ClientTime time.Time // zero when the client sent no timestamp
	Outcome    string
	Remote     string // client address
	Detail     string
	CreatedAt  time.Time
}

// KnownPeer is a peer remembered from a scan or status check
type KnownPeer struct {
	IP          string
	Port        int
	Name        string
	Environment string
	Directory   string
	Source      string // "scan", "status" or "mdns"
	Status      string // "online", "offline" or empty
	LastSeen    time.Time
	UpdatedAt   time.Time
}
