package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Student is a row in the students table. EncryptedName holds the stored
// obfuscated form; Name carries the decoded display name on API responses.
type Student struct {
	ID            int64     `json:"student_id"`
	StudentNumber string    `json:"student_number"`
	EncryptedName string    `json:"encrypted_name"`
	Name          string    `json:"name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Space is a physical location students check into.
type Space struct {
	ID          int64     `json:"space_id"`
	Name        string    `json:"space_name"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CheckIn is a row in the check_ins table. A nil TimeOut means the student
// is currently present.
type CheckIn struct {
	LogID     int64      `json:"log_id"`
	StudentID int64      `json:"student_id"`
	SpaceID   int64      `json:"space_id"`
	TimeIn    time.Time  `json:"time_in"`
	TimeOut   *time.Time `json:"time_out,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CurrentCheckIn joins an open check-in with its student and space.
type CurrentCheckIn struct {
	CheckIn
	StudentNumber string `json:"student_number"`
	EncryptedName string `json:"encrypted_name"`
	Name          string `json:"name,omitempty"`
	SpaceName     string `json:"space_name"`
}

// SpaceOccupancy is a per-space count of open check-ins.
type SpaceOccupancy struct {
	SpaceID      int64   `json:"space_id"`
	SpaceName    string  `json:"space_name"`
	Description  *string `json:"description,omitempty"`
	CurrentCount int64   `json:"current_count"`
}

// Repository persists presence data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateStudent inserts a student. The name must already be in stored form.
func (r *Repository) CreateStudent(ctx context.Context, studentNumber, encryptedName string) (Student, error) {
	var st Student
	st.StudentNumber = studentNumber
	st.EncryptedName = encryptedName
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO students (student_number, encrypted_name)
		VALUES ($1, $2)
		RETURNING student_id, created_at
	`, studentNumber, encryptedName)
	if err := row.Scan(&st.ID, &st.CreatedAt); err != nil {
		return Student{}, err
	}
	return st, nil
}

// GetStudentByNumber finds a student by the scanned/typed identifier.
// Returns nil when no row matches.
func (r *Repository) GetStudentByNumber(ctx context.Context, studentNumber string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT student_id, student_number, encrypted_name, created_at
		FROM students WHERE student_number = $1
	`, studentNumber)
	var st Student
	if err := row.Scan(&st.ID, &st.StudentNumber, &st.EncryptedName, &st.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

// ListStudents returns all students ordered by student_number.
func (r *Repository) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id, student_number, encrypted_name, created_at
		FROM students ORDER BY student_number
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.StudentNumber, &st.EncryptedName, &st.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// SearchStudents matches student_number or encrypted_name with LIKE.
func (r *Repository) SearchStudents(ctx context.Context, term string) ([]Student, error) {
	pattern := "%" + term + "%"
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id, student_number, encrypted_name, created_at
		FROM students
		WHERE student_number LIKE $1 OR encrypted_name LIKE $1
		ORDER BY student_number
	`, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.StudentNumber, &st.EncryptedName, &st.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// CreateSpace inserts a space, ignoring duplicates by name.
func (r *Repository) CreateSpace(ctx context.Context, name, description string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO spaces (space_name, description)
		VALUES ($1, $2)
		ON CONFLICT (space_name) DO NOTHING
	`, name, description)
	return err
}

// ListSpaces returns all spaces ordered by name.
func (r *Repository) ListSpaces(ctx context.Context) ([]Space, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT space_id, space_name, description, created_at
		FROM spaces ORDER BY space_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Space
	for rows.Next() {
		var sp Space
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.Description, &sp.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, sp)
	}
	return res, rows.Err()
}

// GetSpace returns a space by id, nil when absent.
func (r *Repository) GetSpace(ctx context.Context, spaceID int64) (*Space, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT space_id, space_name, description, created_at
		FROM spaces WHERE space_id = $1
	`, spaceID)
	var sp Space
	if err := row.Scan(&sp.ID, &sp.Name, &sp.Description, &sp.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sp, nil
}

// IsCheckedIn reports whether the student has an open check-in for the space.
func (r *Repository) IsCheckedIn(ctx context.Context, studentID, spaceID int64) (bool, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM check_ins
		WHERE student_id = $1 AND space_id = $2 AND time_out IS NULL
	`, studentID, spaceID).Scan(&count)
	return count > 0, err
}

// OpenCheckIn returns the student's most recent open check-in, nil when the
// student is not checked in anywhere.
func (r *Repository) OpenCheckIn(ctx context.Context, studentID int64) (*CurrentCheckIn, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT ci.log_id, ci.student_id, ci.space_id, ci.time_in, ci.time_out, ci.created_at, sp.space_name
		FROM check_ins ci
		JOIN spaces sp ON ci.space_id = sp.space_id
		WHERE ci.student_id = $1 AND ci.time_out IS NULL
		ORDER BY ci.time_in DESC
		LIMIT 1
	`, studentID)
	var cc CurrentCheckIn
	if err := row.Scan(&cc.LogID, &cc.StudentID, &cc.SpaceID, &cc.TimeIn, &cc.TimeOut, &cc.CreatedAt, &cc.SpaceName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cc, nil
}

// InsertCheckIn opens a new check-in row.
func (r *Repository) InsertCheckIn(ctx context.Context, studentID, spaceID int64) (CheckIn, error) {
	ci := CheckIn{StudentID: studentID, SpaceID: spaceID, TimeIn: time.Now().UTC()}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO check_ins (student_id, space_id, time_in)
		VALUES ($1, $2, $3)
		RETURNING log_id, created_at
	`, studentID, spaceID, ci.TimeIn)
	if err := row.Scan(&ci.LogID, &ci.CreatedAt); err != nil {
		return CheckIn{}, err
	}
	return ci, nil
}

// MoveCheckIn atomically closes every open check-in the student has and opens
// a new one in the given space. Auto-close and insert share one transaction so
// a student can never end up with two open rows.
func (r *Repository) MoveCheckIn(ctx context.Context, studentID, spaceID int64) (CheckIn, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return CheckIn{}, 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE check_ins SET time_out = $1
		WHERE student_id = $2 AND time_out IS NULL
	`, now, studentID)
	if err != nil {
		return CheckIn{}, 0, err
	}
	closed, err := res.RowsAffected()
	if err != nil {
		return CheckIn{}, 0, err
	}

	ci := CheckIn{StudentID: studentID, SpaceID: spaceID, TimeIn: now}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO check_ins (student_id, space_id, time_in)
		VALUES ($1, $2, $3)
		RETURNING log_id, created_at
	`, studentID, spaceID, ci.TimeIn)
	if err := row.Scan(&ci.LogID, &ci.CreatedAt); err != nil {
		return CheckIn{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return CheckIn{}, 0, err
	}
	return ci, closed, nil
}

// CloseCheckIn sets time_out on the student's open check-in for the space.
// Returns the number of rows closed (0 when the student was not there).
func (r *Repository) CloseCheckIn(ctx context.Context, studentID, spaceID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE check_ins SET time_out = $1
		WHERE student_id = $2 AND space_id = $3 AND time_out IS NULL
	`, time.Now().UTC(), studentID, spaceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CloseAllCheckIns sets time_out on every open check-in.
func (r *Repository) CloseAllCheckIns(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE check_ins SET time_out = $1 WHERE time_out IS NULL
	`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CloseStaleCheckIns closes open check-ins whose time_in is older than the cutoff.
func (r *Repository) CloseStaleCheckIns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := r.db.ExecContext(ctx, `
		UPDATE check_ins SET time_out = $1
		WHERE time_out IS NULL AND time_in < $2
	`, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CurrentCheckIns lists open check-ins joined with student and space,
// optionally filtered by space.
func (r *Repository) CurrentCheckIns(ctx context.Context, spaceID *int64) ([]CurrentCheckIn, error) {
	query := `
		SELECT ci.log_id, ci.student_id, ci.space_id, ci.time_in, ci.time_out, ci.created_at,
		       s.student_number, s.encrypted_name, sp.space_name
		FROM check_ins ci
		JOIN students s ON ci.student_id = s.student_id
		JOIN spaces sp ON ci.space_id = sp.space_id
		WHERE ci.time_out IS NULL`
	args := []any{}
	if spaceID != nil {
		query += " AND ci.space_id = $1"
		args = append(args, *spaceID)
	}
	query += " ORDER BY ci.time_in DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CurrentCheckIn
	for rows.Next() {
		var cc CurrentCheckIn
		if err := rows.Scan(&cc.LogID, &cc.StudentID, &cc.SpaceID, &cc.TimeIn, &cc.TimeOut, &cc.CreatedAt,
			&cc.StudentNumber, &cc.EncryptedName, &cc.SpaceName); err != nil {
			return nil, err
		}
		res = append(res, cc)
	}
	return res, rows.Err()
}

// OccupancySummary counts open check-ins per space, including empty spaces.
func (r *Repository) OccupancySummary(ctx context.Context) ([]SpaceOccupancy, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sp.space_id, sp.space_name, sp.description, COUNT(ci.student_id) AS current_count
		FROM spaces sp
		LEFT JOIN check_ins ci ON sp.space_id = ci.space_id AND ci.time_out IS NULL
		GROUP BY sp.space_id, sp.space_name, sp.description
		ORDER BY sp.space_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SpaceOccupancy
	for rows.Next() {
		var so SpaceOccupancy
		if err := rows.Scan(&so.SpaceID, &so.SpaceName, &so.Description, &so.CurrentCount); err != nil {
			return nil, err
		}
		res = append(res, so)
	}
	return res, rows.Err()
}

// ListCheckIns returns check-in history with basic filters, newest first.
func (r *Repository) ListCheckIns(ctx context.Context, studentNumber string, spaceID int64, limit, offset int) ([]CurrentCheckIn, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT ci.log_id, ci.student_id, ci.space_id, ci.time_in, ci.time_out, ci.created_at,
		       s.student_number, s.encrypted_name, sp.space_name
		FROM check_ins ci
		JOIN students s ON ci.student_id = s.student_id
		JOIN spaces sp ON ci.space_id = sp.space_id`
	args := []any{}
	clauses := []string{}
	if studentNumber != "" {
		args = append(args, studentNumber)
		clauses = append(clauses, fmt.Sprintf("s.student_number = $%d", len(args)))
	}
	if spaceID > 0 {
		args = append(args, spaceID)
		clauses = append(clauses, fmt.Sprintf("ci.space_id = $%d", len(args)))
	}
	for i, cl := range clauses {
		if i == 0 {
			query += " WHERE " + cl
		} else {
			query += " AND " + cl
		}
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY ci.time_in DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CurrentCheckIn
	for rows.Next() {
		var cc CurrentCheckIn
		if err := rows.Scan(&cc.LogID, &cc.StudentID, &cc.SpaceID, &cc.TimeIn, &cc.TimeOut, &cc.CreatedAt,
			&cc.StudentNumber, &cc.EncryptedName, &cc.SpaceName); err != nil {
			return nil, err
		}
		res = append(res, cc)
	}
	return res, rows.Err()
}

// UpsertKiosk ensures a kiosk record exists.
func (r *Repository) UpsertKiosk(ctx context.Context, kioskID string) error {
	if kioskID == "" {
		return errors.New("kiosk id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO kiosks (kiosk_id)
		VALUES ($1)
		ON CONFLICT (kiosk_id) DO NOTHING
	`, kioskID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, kioskID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (kiosk_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, kioskID, token, expiresAt)
	return err
}

// RefreshToken is a stored kiosk refresh token.
type RefreshToken struct {
	KioskID   string
	Token     string
	ExpiresAt time.Time
	Revoked   bool
}

// GetRefreshToken looks up a refresh token, nil when unknown.
func (r *Repository) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT kiosk_id, token, expires_at, revoked
		FROM refresh_tokens WHERE token = $1
	`, token)
	var rt RefreshToken
	if err := row.Scan(&rt.KioskID, &rt.Token, &rt.ExpiresAt, &rt.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rt, nil
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}

// Ping verifies database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// CountSpaces returns the number of rows in spaces.
func (r *Repository) CountSpaces(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spaces`).Scan(&count)
	return count, err
}
