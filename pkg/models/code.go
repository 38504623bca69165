package models

import "time"

// DetectedCode represents a verification code candidate
type DetectedCode struct {
	Pattern string `json:"pattern"` // Label of the pattern that matched
	Value   string `json:"value"`   // The code itself
}

// CodeRecord represents an extracted code in the audit log
type CodeRecord struct {
	ID          int64     `db:"id"`
	Recipient   string    `db:"recipient"`
	Sender      string    `db:"sender"`
	Code        string    `db:"code"`
	Folder      string    `db:"folder"`   // IMAP folder the message was found in
	Strategy    string    `db:"strategy"` // Label of the search strategy that hit
	UID         uint32    `db:"uid"`      // IMAP UID
	ReceivedAt  time.Time `db:"received_at"`
	ExtractedAt time.Time `db:"extracted_at"`
	Attempts    int       `db:"attempts"`
	ElapsedMS   int64     `db:"elapsed_ms"`
}
