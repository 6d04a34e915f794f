package rollcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/directory"
	"rollcall/internal/notify"
	"rollcall/internal/queue"
)

// SessionStore persists EmergencyEvent rows.
type SessionStore interface {
	// OpenSession returns the currently active session, or nil when none.
	OpenSession(ctx context.Context) (*Session, error)
	StartSession(ctx context.Context, staffID int64, at time.Time) (*Session, error)
	CloseSession(ctx context.Context, id int64, at time.Time) error
}

// ScanLedger is the append-only scan store plus its windowed queries.
type ScanLedger interface {
	Insert(ctx context.Context, evt ScanEvent) error
	HasScanSince(ctx context.Context, studentID string, since time.Time) (bool, error)
	DeleteSince(ctx context.Context, studentID string, since time.Time) (int64, error)
	// LatestMarks returns, per student, the most recent in-window scan
	// enriched with the marking staff's name and color.
	LatestMarks(ctx context.Context, since time.Time) (map[string]Mark, error)
	CountDistinctSince(ctx context.Context, since time.Time) (int, error)
}

// HistoryLog is the append-only audit trail, independent of windowing.
type HistoryLog interface {
	Append(ctx context.Context, entry HistoryEntry) error
	// List returns entries newest-first; since scopes to a window, nil
	// returns the all-time trail.
	List(ctx context.Context, since *time.Time, limit int) ([]HistoryEntry, error)
	AppendReport(ctx context.Context, report SessionReport) error
	ListReports(ctx context.Context, limit int) ([]SessionReport, error)
}

// Directory resolves students and staff; read-only collaborator.
type Directory interface {
	ResolveStudent(ctx context.Context, idOrUID string) (*directory.Student, error)
	GetStaff(ctx context.Context, id int64) (*directory.Staff, error)
	ListStudents(ctx context.Context) ([]directory.Student, error)
	CountStudents(ctx context.Context) (int, error)
}

// HistoryScope selects windowed or all-time audit reads.
type HistoryScope string

const (
	ScopeCurrent HistoryScope = "current"
	ScopeAll     HistoryScope = "all"
)

const defaultHistoryLimit = 200

// Engine turns raw scan events into a consistent, time-windowed
// safe/missing status per student during an active emergency session.
//
// The open session is cached in-process behind a read/write lock; the
// EmergencyEvent table stays the single source of truth and trigger
// operations hold the exclusive lock across the durable write so two
// concurrent triggers cannot both believe they own the transition.
type Engine struct {
	sessions SessionStore
	ledger   ScanLedger
	history  HistoryLog
	dir      Directory
	q        queue.Queue

	mu     sessionCache
	perStu *studentLocks

	now          func() time.Time
	publishGrace time.Duration
}

// New wires an engine to its stores and the notification queue.
func New(sessions SessionStore, ledger ScanLedger, history HistoryLog, dir Directory, q queue.Queue) *Engine {
	return &Engine{
		sessions:     sessions,
		ledger:       ledger,
		history:      history,
		dir:          dir,
		q:            q,
		perStu:       newStudentLocks(),
		now:          func() time.Time { return time.Now().UTC() },
		publishGrace: 10 * time.Second,
	}
}

// Active reports whether a session is open. Polled constantly by clients,
// so a store failure degrades to false instead of propagating.
func (e *Engine) Active(ctx context.Context) bool {
	if sess, ok := e.mu.get(); ok {
		return sess != nil
	}
	sess, err := e.sessions.OpenSession(ctx)
	if err != nil {
		log.Printf("session status read failed: %v", err)
		return false
	}
	if e.mu.prime(sess) {
		setSessionGauge(sess)
	}
	return sess != nil
}

// activeSession returns the cached open session, reading through to the
// store on a cold cache. Returns nil without error when inactive.
func (e *Engine) activeSession(ctx context.Context) (*Session, error) {
	if sess, ok := e.mu.get(); ok {
		return sess, nil
	}
	sess, err := e.sessions.OpenSession(ctx)
	if err != nil {
		return nil, storeFailure("load open session", err)
	}
	if e.mu.prime(sess) {
		setSessionGauge(sess)
	}
	return sess, nil
}

// lockActiveWindow returns the open session while holding the session
// cache's shared lock, so a trigger cannot close the window between the
// status read and the dependent ledger write. Writes for different
// students still run in parallel; only triggers are excluded.
func (e *Engine) lockActiveWindow(ctx context.Context) (*Session, func(), error) {
	if _, primed := e.mu.get(); !primed {
		if _, err := e.activeSession(ctx); err != nil {
			return nil, nil, err
		}
	}
	sess, release := e.mu.rlock()
	return sess, release, nil
}

func setSessionGauge(sess *Session) {
	if sess != nil {
		sessionActive.Set(1)
	} else {
		sessionActive.Set(0)
	}
}

// Activate opens a new emergency session. Fails with ErrSessionActive if
// one is already open. Never truncates the scan ledger; prior scans fall
// outside the new window by timestamp alone.
func (e *Engine) Activate(ctx context.Context, staffID int64) (*Session, error) {
	staff, err := e.staff(ctx, staffID)
	if err != nil {
		return nil, err
	}

	unlock := e.mu.lock()
	defer unlock()

	current, err := e.sessions.OpenSession(ctx)
	if err != nil {
		return nil, storeFailure("load open session", err)
	}
	if current != nil {
		return nil, ErrSessionActive
	}

	total, err := e.dir.CountStudents(ctx)
	if err != nil {
		return nil, storeFailure("count students", err)
	}

	sess, err := e.sessions.StartSession(ctx, staffID, e.now())
	if err != nil {
		return nil, storeFailure("start session", err)
	}
	e.mu.set(sess)
	sessionActive.Set(1)

	// Secondary effects: the session is already open, failures here are
	// logged and swallowed.
	report := SessionReport{
		Action:  ReportActivated,
		StaffID: staffID,
		Total:   total,
		Scanned: 0,
		Missing: total,
		Notes:   "emergency protocol activated",
	}
	if err := e.history.AppendReport(ctx, report); err != nil {
		log.Printf("activation report write failed: %v", err)
	}

	e.publish("broadcast", notify.Payload{
		Title:    "Emergency activated",
		Body:     fmt.Sprintf("Emergency protocol activated by %s. Roll-call in progress.", staff.DisplayName),
		Priority: "high",
		Channel:  "emergency-alerts",
	})
	return sess, nil
}

// Deactivate closes the open session and returns the final tally. Fails
// with ErrNoActiveSession when nothing is open.
func (e *Engine) Deactivate(ctx context.Context, staffID int64) (Stats, error) {
	if _, err := e.staff(ctx, staffID); err != nil {
		return Stats{}, err
	}

	unlock := e.mu.lock()
	defer unlock()

	sess, err := e.sessions.OpenSession(ctx)
	if err != nil {
		return Stats{}, storeFailure("load open session", err)
	}
	if sess == nil {
		return Stats{}, ErrNoActiveSession
	}

	total, err := e.dir.CountStudents(ctx)
	if err != nil {
		return Stats{}, storeFailure("count students", err)
	}
	scanned, err := e.ledger.CountDistinctSince(ctx, sess.StartTime)
	if err != nil {
		return Stats{}, storeFailure("count scanned", err)
	}
	stats := Stats{Total: total, Scanned: scanned, Missing: total - scanned}

	if err := e.sessions.CloseSession(ctx, sess.ID, e.now()); err != nil {
		return Stats{}, storeFailure("close session", err)
	}
	e.mu.set(nil)
	sessionActive.Set(0)

	report := SessionReport{
		Action:  ReportDeactivated,
		StaffID: staffID,
		Total:   stats.Total,
		Scanned: stats.Scanned,
		Missing: stats.Missing,
		Notes:   fmt.Sprintf("emergency ended - %d of %d students located", stats.Scanned, stats.Total),
	}
	if err := e.history.AppendReport(ctx, report); err != nil {
		log.Printf("deactivation report write failed: %v", err)
	}

	e.publish("broadcast", notify.Payload{
		Title:   "Emergency deactivated",
		Body:    fmt.Sprintf("The emergency protocol has ended. %d of %d students accounted for.", stats.Scanned, stats.Total),
		Channel: "emergency-alerts",
	})
	return stats, nil
}

// Roster returns the windowed safe/missing status for every student.
// With no open session every student reads as not scanned: status outside
// an active window carries no meaning and must not leak a prior session.
func (e *Engine) Roster(ctx context.Context) ([]StudentStatus, error) {
	students, err := e.dir.ListStudents(ctx)
	if err != nil {
		return nil, storeFailure("list students", err)
	}

	sess, err := e.activeSession(ctx)
	if err != nil {
		return nil, err
	}

	var marks map[string]Mark
	if sess != nil {
		marks, err = e.ledger.LatestMarks(ctx, sess.StartTime)
		if err != nil {
			return nil, storeFailure("load marks", err)
		}
	}

	roster := make([]StudentStatus, 0, len(students))
	for _, st := range students {
		status := StudentStatus{
			StudentID: st.ID,
			Name:      st.Name,
			Group:     st.Group,
		}
		if mark, ok := marks[st.ID]; ok {
			status.Scanned = true
			m := mark
			status.LastMark = &m
		}
		roster = append(roster, status)
	}
	return roster, nil
}

// Toggle flips a student between safe and missing within the active
// window. Safe students are reverted by deleting their in-window scans;
// missing students get a manual-override scan. Toggles on the same
// student are serialized; different students proceed in parallel.
func (e *Engine) Toggle(ctx context.Context, studentID string, staffID int64) (bool, error) {
	student, err := e.student(ctx, studentID)
	if err != nil {
		return false, err
	}
	staff, err := e.staff(ctx, staffID)
	if err != nil {
		return false, err
	}

	unlock := e.perStu.lock(student.ID)
	defer unlock()

	// The shared window lock is held across the status read and the
	// ledger write: a concurrent deactivation blocks until the write
	// commits, so nothing lands against a closed window.
	sess, release, err := e.lockActiveWindow(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	if sess == nil {
		return false, ErrNoActiveSession
	}

	scanned, err := e.ledger.HasScanSince(ctx, student.ID, sess.StartTime)
	if err != nil {
		return false, storeFailure("read scan status", err)
	}

	if scanned {
		if _, err := e.ledger.DeleteSince(ctx, student.ID, sess.StartTime); err != nil {
			return false, storeFailure("revoke scans", err)
		}
		togglesApplied.WithLabelValues("missing").Inc()
		e.audit(ctx, student.ID, staffID, ActionRevoked)
		e.publish("student", notify.Payload{
			Title:     "Roll-call status changed",
			Body:      fmt.Sprintf("%s was marked missing by %s.", student.Name, staff.DisplayName),
			StudentID: student.ID,
		})
		return false, nil
	}

	evt := ScanEvent{
		ID:        uuid.NewString(),
		StudentID: student.ID,
		StaffID:   staffID,
		Timestamp: e.now(),
		Type:      ScanTypeManual,
	}
	if err := e.ledger.Insert(ctx, evt); err != nil {
		return false, storeFailure("insert scan", err)
	}
	togglesApplied.WithLabelValues("safe").Inc()
	e.audit(ctx, student.ID, staffID, ActionMarkedSafeManual)
	e.publish("student", notify.Payload{
		Title:     "Roll-call status changed",
		Body:      fmt.Sprintf("%s was marked safe by %s.", student.Name, staff.DisplayName),
		StudentID: student.ID,
	})
	return true, nil
}

// RegisterScan records a badge/QR scan. Unlike Toggle this path is not
// bidirectional: a duplicate scan within the window is a data-entry
// problem surfaced to the operator as ErrAlreadySafe.
func (e *Engine) RegisterScan(ctx context.Context, idOrUID string, staffID int64) (*ScanEvent, error) {
	student, err := e.student(ctx, idOrUID)
	if err != nil {
		return nil, err
	}
	staff, err := e.staff(ctx, staffID)
	if err != nil {
		return nil, err
	}

	unlock := e.perStu.lock(student.ID)
	defer unlock()

	sess, release, err := e.lockActiveWindow(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if sess == nil {
		return nil, ErrNoActiveSession
	}

	scanned, err := e.ledger.HasScanSince(ctx, student.ID, sess.StartTime)
	if err != nil {
		return nil, storeFailure("read scan status", err)
	}
	if scanned {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySafe, student.ID)
	}

	evt := ScanEvent{
		ID:        uuid.NewString(),
		StudentID: student.ID,
		StaffID:   staffID,
		Timestamp: e.now(),
		Type:      ScanTypeBadge,
	}
	if err := e.ledger.Insert(ctx, evt); err != nil {
		return nil, storeFailure("insert scan", err)
	}
	scansRegistered.Inc()
	e.audit(ctx, student.ID, staffID, ActionMarkedSafeScan)
	e.publish("student", notify.Payload{
		Title:     "Student located",
		Body:      fmt.Sprintf("%s was located by %s at %s.", student.Name, staff.DisplayName, evt.Timestamp.Format("15:04")),
		StudentID: student.ID,
	})
	return &evt, nil
}

// History returns the audit trail, newest-first. ScopeCurrent limits to
// the active window (empty when no session is open); ScopeAll is the
// all-time trail for post-incident review.
func (e *Engine) History(ctx context.Context, scope HistoryScope) ([]HistoryEntry, error) {
	var since *time.Time
	if scope != ScopeAll {
		sess, err := e.activeSession(ctx)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return []HistoryEntry{}, nil
		}
		since = &sess.StartTime
	}
	entries, err := e.history.List(ctx, since, defaultHistoryLimit)
	if err != nil {
		return nil, storeFailure("list history", err)
	}
	return entries, nil
}

// Reports returns session activation/deactivation summaries, newest-first.
func (e *Engine) Reports(ctx context.Context) ([]SessionReport, error) {
	reports, err := e.history.ListReports(ctx, 50)
	if err != nil {
		return nil, storeFailure("list reports", err)
	}
	return reports, nil
}

func (e *Engine) student(ctx context.Context, idOrUID string) (*directory.Student, error) {
	student, err := e.dir.ResolveStudent(ctx, idOrUID)
	if err != nil {
		return nil, storeFailure("resolve student", err)
	}
	if student == nil {
		return nil, fmt.Errorf("%w: %s", ErrStudentNotFound, idOrUID)
	}
	return student, nil
}

func (e *Engine) staff(ctx context.Context, id int64) (*directory.Staff, error) {
	staff, err := e.dir.GetStaff(ctx, id)
	if err != nil {
		return nil, storeFailure("load staff", err)
	}
	if staff == nil {
		return nil, fmt.Errorf("%w: %d", ErrStaffNotFound, id)
	}
	return staff, nil
}

// audit appends a status-change entry. The primary write already
// committed, so a failing audit write is logged and swallowed.
func (e *Engine) audit(ctx context.Context, studentID string, staffID int64, action Action) {
	entry := HistoryEntry{
		ID:        uuid.NewString(),
		StudentID: studentID,
		StaffID:   staffID,
		Action:    action,
		Timestamp: e.now(),
	}
	if err := e.history.Append(ctx, entry); err != nil {
		log.Printf("history append failed (%s %s): %v", action, studentID, err)
	}
}

// publish hands a notification to the queue off the request path. No lock
// is held here and failure is logged, never surfaced to the caller.
func (e *Engine) publish(msgType string, p notify.Payload) {
	body, err := json.Marshal(p)
	if err != nil {
		log.Printf("notification encode failed: %v", err)
		return
	}
	grace := e.publishGrace
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := e.q.Publish(ctx, queue.Message{Type: msgType, Body: body}); err != nil {
			log.Printf("notification publish failed: %v", err)
		}
	}()
}

func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
