package presence

import (
	"context"
	"errors"
	"strings"

	"presence/internal/namecipher"
)

// Sentinel errors let handlers pick status codes without string matching.
var (
	ErrStudentNotFound  = errors.New("student not found")
	ErrSpaceNotFound    = errors.New("space not found")
	ErrAlreadyCheckedIn = errors.New("student already checked into this space")
	ErrNotCheckedIn     = errors.New("student not currently checked into this space")
)

// CheckInResult describes the outcome of a kiosk check-in.
type CheckInResult struct {
	Student          Student `json:"student"`
	Space            Space   `json:"space"`
	Action           string  `json:"action"` // "checked_in" or "moved"
	PreviousLocation *string `json:"previous_location,omitempty"`
	PreviousSpaceID  *int64  `json:"previous_space_id,omitempty"`
	CheckIn          CheckIn `json:"check_in"`
}

// SearchResult pairs a student with their current location, if any.
type SearchResult struct {
	Student         Student `json:"student"`
	CurrentLocation *string `json:"current_location"`
	CheckInTime     *string `json:"check_in_time"`
}

// Service coordinates presence tracking over the repository and applies the
// name obfuscation at the storage boundary.
type Service struct {
	repo   *Repository
	cipher *namecipher.Cipher
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository, cipher *namecipher.Cipher) *Service {
	return &Service{repo: repo, cipher: cipher}
}

// AddStudent stores a new student with the name in obfuscated form.
func (s *Service) AddStudent(ctx context.Context, studentNumber, name string) (Student, error) {
	if studentNumber == "" || name == "" {
		return Student{}, errors.New("student number and name required")
	}
	st, err := s.repo.CreateStudent(ctx, studentNumber, s.cipher.Encrypt(name))
	if err != nil {
		return Student{}, err
	}
	st.Name = name
	return st, nil
}

// Students lists all students with display names decoded.
func (s *Service) Students(ctx context.Context) ([]Student, error) {
	students, err := s.repo.ListStudents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range students {
		students[i].Name = s.cipher.DecryptOrRaw(students[i].EncryptedName)
	}
	return students, nil
}

// Spaces lists all spaces.
func (s *Service) Spaces(ctx context.Context) ([]Space, error) {
	return s.repo.ListSpaces(ctx)
}

// CheckIn opens a check-in for the student in the space. It refuses when the
// student is already in that space; open check-ins elsewhere are left alone
// (the kiosk quick path handles moves).
func (s *Service) CheckIn(ctx context.Context, studentNumber string, spaceID int64) (CheckInResult, error) {
	st, sp, err := s.resolve(ctx, studentNumber, spaceID)
	if err != nil {
		return CheckInResult{}, err
	}
	already, err := s.repo.IsCheckedIn(ctx, st.ID, spaceID)
	if err != nil {
		return CheckInResult{}, err
	}
	if already {
		return CheckInResult{}, ErrAlreadyCheckedIn
	}
	ci, err := s.repo.InsertCheckIn(ctx, st.ID, spaceID)
	if err != nil {
		return CheckInResult{}, err
	}
	return CheckInResult{Student: *st, Space: *sp, Action: "checked_in", CheckIn: ci}, nil
}

// QuickCheckIn is the kiosk flow: when the student is already open in another
// space they are moved there atomically, and the result reports where from.
func (s *Service) QuickCheckIn(ctx context.Context, studentNumber string, spaceID int64) (CheckInResult, error) {
	st, sp, err := s.resolve(ctx, studentNumber, spaceID)
	if err != nil {
		return CheckInResult{}, err
	}
	already, err := s.repo.IsCheckedIn(ctx, st.ID, spaceID)
	if err != nil {
		return CheckInResult{}, err
	}
	if already {
		return CheckInResult{}, ErrAlreadyCheckedIn
	}

	open, err := s.repo.OpenCheckIn(ctx, st.ID)
	if err != nil {
		return CheckInResult{}, err
	}

	ci, closed, err := s.repo.MoveCheckIn(ctx, st.ID, spaceID)
	if err != nil {
		return CheckInResult{}, err
	}

	res := CheckInResult{Student: *st, Space: *sp, Action: "checked_in", CheckIn: ci}
	if open != nil && closed > 0 {
		res.Action = "moved"
		prev := open.SpaceName
		prevID := open.SpaceID
		res.PreviousLocation = &prev
		res.PreviousSpaceID = &prevID
	}
	return res, nil
}

// CheckOut closes the student's open check-in for the space.
func (s *Service) CheckOut(ctx context.Context, studentNumber string, spaceID int64) (CheckInResult, error) {
	st, sp, err := s.resolve(ctx, studentNumber, spaceID)
	if err != nil {
		return CheckInResult{}, err
	}
	closed, err := s.repo.CloseCheckIn(ctx, st.ID, spaceID)
	if err != nil {
		return CheckInResult{}, err
	}
	if closed == 0 {
		return CheckInResult{}, ErrNotCheckedIn
	}
	return CheckInResult{Student: *st, Space: *sp, Action: "checked_out"}, nil
}

// BulkCheckout closes every open check-in and returns the count.
func (s *Service) BulkCheckout(ctx context.Context) (int64, error) {
	return s.repo.CloseAllCheckIns(ctx)
}

// CurrentCheckIns lists open check-ins with display names decoded.
func (s *Service) CurrentCheckIns(ctx context.Context, spaceID *int64) ([]CurrentCheckIn, error) {
	checkins, err := s.repo.CurrentCheckIns(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	for i := range checkins {
		checkins[i].Name = s.cipher.DecryptOrRaw(checkins[i].EncryptedName)
	}
	return checkins, nil
}

// Occupancy returns the per-space occupancy summary.
func (s *Service) Occupancy(ctx context.Context) ([]SpaceOccupancy, error) {
	return s.repo.OccupancySummary(ctx)
}

// History lists check-in history with display names decoded.
func (s *Service) History(ctx context.Context, studentNumber string, spaceID int64, limit, offset int) ([]CurrentCheckIn, error) {
	checkins, err := s.repo.ListCheckIns(ctx, studentNumber, spaceID, limit, offset)
	if err != nil {
		return nil, err
	}
	for i := range checkins {
		checkins[i].Name = s.cipher.DecryptOrRaw(checkins[i].EncryptedName)
	}
	return checkins, nil
}

// SearchLocal scans all students in memory, matching the term against the
// student number or the decoded name, case-insensitively. Names are stored
// obfuscated, so substring search has to happen after decoding.
func (s *Service) SearchLocal(ctx context.Context, term string) ([]SearchResult, error) {
	students, err := s.repo.ListStudents(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(term))
	var res []SearchResult
	for _, st := range students {
		st.Name = s.cipher.DecryptOrRaw(st.EncryptedName)
		if !strings.Contains(strings.ToLower(st.StudentNumber), needle) &&
			!strings.Contains(strings.ToLower(st.Name), needle) {
			continue
		}
		res = append(res, SearchResult{Student: st})
	}
	return res, nil
}

// SearchStudents runs the SQL LIKE search and annotates each hit with the
// student's current location. The LIKE over encrypted_name only matches
// legacy plain-text rows; number search is exact-substring either way.
func (s *Service) SearchStudents(ctx context.Context, term string) ([]SearchResult, error) {
	students, err := s.repo.SearchStudents(ctx, term)
	if err != nil {
		return nil, err
	}
	var res []SearchResult
	for _, st := range students {
		st.Name = s.cipher.DecryptOrRaw(st.EncryptedName)
		sr := SearchResult{Student: st}
		open, err := s.repo.OpenCheckIn(ctx, st.ID)
		if err != nil {
			return nil, err
		}
		if open != nil {
			loc := open.SpaceName
			when := open.TimeIn.Format("2006-01-02T15:04:05Z07:00")
			sr.CurrentLocation = &loc
			sr.CheckInTime = &when
		}
		res = append(res, sr)
	}
	return res, nil
}

// SeedSpaces inserts the default spaces when the table is empty.
func (s *Service) SeedSpaces(ctx context.Context) (int64, error) {
	count, err := s.repo.CountSpaces(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}
	defaults := []struct{ name, description string }{
		{"Library Study Hall", "Main library study area"},
		{"Computer Lab A", "Ground floor computer lab"},
		{"Student Lounge", "Common area for student activities"},
	}
	var added int64
	for _, d := range defaults {
		if err := s.repo.CreateSpace(ctx, d.name, d.description); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// SeedSampleStudents inserts the sample roster, skipping numbers that exist.
func (s *Service) SeedSampleStudents(ctx context.Context) ([]Student, error) {
	samples := []struct{ number, name string }{
		{"12345", "Alice Johnson"},
		{"23456", "Bob Smith"},
		{"34567", "Carol Davis"},
		{"45678", "David Wilson"},
		{"56789", "Emma Brown"},
	}
	var added []Student
	for _, sm := range samples {
		existing, err := s.repo.GetStudentByNumber(ctx, sm.number)
		if err != nil {
			return added, err
		}
		if existing != nil {
			continue
		}
		st, err := s.AddStudent(ctx, sm.number, sm.name)
		if err != nil {
			return added, err
		}
		added = append(added, st)
	}
	return added, nil
}

// RegisterKiosk validates and persists kiosk metadata.
func (s *Service) RegisterKiosk(ctx context.Context, kioskID string) error {
	if kioskID == "" {
		return errors.New("kiosk id required")
	}
	return s.repo.UpsertKiosk(ctx, kioskID)
}

// Repo exposes the repository for callers that need raw persistence access.
func (s *Service) Repo() *Repository { return s.repo }

func (s *Service) resolve(ctx context.Context, studentNumber string, spaceID int64) (*Student, *Space, error) {
	st, err := s.repo.GetStudentByNumber(ctx, studentNumber)
	if err != nil {
		return nil, nil, err
	}
	if st == nil {
		return nil, nil, ErrStudentNotFound
	}
	st.Name = s.cipher.DecryptOrRaw(st.EncryptedName)
	sp, err := s.repo.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, nil, err
	}
	if sp == nil {
		return nil, nil, ErrSpaceNotFound
	}
	return st, sp, nil
}
