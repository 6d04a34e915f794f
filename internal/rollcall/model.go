package rollcall

import "time"

// ScanType records by what means a student was marked safe.
type ScanType string

const (
	ScanTypeBadge  ScanType = "badge"
	ScanTypeManual ScanType = "manual"
)

// Action is the kind of status change written to the audit history.
type Action string

const (
	ActionMarkedSafeScan   Action = "MARKED_SAFE_SCAN"
	ActionMarkedSafeManual Action = "MARKED_SAFE_MANUAL"
	ActionRevoked          Action = "REVOKED"
)

// Session is one activation-to-deactivation interval. At most one session
// has Active=true at any time.
type Session struct {
	ID          int64      `json:"id"`
	Active      bool       `json:"active"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	TriggeredBy int64      `json:"triggered_by"`
}

// ScanEvent is an append-only ledger row. Rows are inserted on scan or
// manual mark-safe and deleted only as part of a toggle revoke.
type ScanEvent struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	StaffID   int64     `json:"staff_id"`
	Timestamp time.Time `json:"timestamp"`
	Type      ScanType  `json:"scan_type"`
}

// HistoryEntry is an audit row, never deleted and independent of the
// session window. StudentName and StaffName are filled on reads.
type HistoryEntry struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	StaffID     int64     `json:"staff_id"`
	Action      Action    `json:"action"`
	Timestamp   time.Time `json:"timestamp"`
	StudentName string    `json:"student_name,omitempty"`
	StaffName   string    `json:"staff_name,omitempty"`
}

// SessionReport summarizes a session activation or deactivation.
type SessionReport struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	StaffID   int64     `json:"staff_id"`
	StaffName string    `json:"staff_name,omitempty"`
	Total     int       `json:"total_students"`
	Scanned   int       `json:"scanned_students"`
	Missing   int       `json:"missing_students"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Report actions.
const (
	ReportActivated   = "ACTIVATED"
	ReportDeactivated = "DEACTIVATED"
)

// Stats is the headcount tally returned when a session closes.
type Stats struct {
	Total   int `json:"total"`
	Scanned int `json:"scanned"`
	Missing int `json:"missing"`
}

// Mark describes the most recent scan for a student within the window,
// kept for display (which staff member located them, and when).
type Mark struct {
	StaffName string    `json:"staff_name"`
	Color     string    `json:"color"`
	At        time.Time `json:"at"`
}

// StudentStatus is the derived, never-persisted roll-call row for one
// student scoped to the currently active session.
type StudentStatus struct {
	StudentID string `json:"student_id"`
	Name      string `json:"name"`
	Group     string `json:"group"`
	Scanned   bool   `json:"scanned"`
	LastMark  *Mark  `json:"last_mark,omitempty"`
}
