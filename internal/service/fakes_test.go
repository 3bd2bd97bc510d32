package service

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
	"github.com/bigkaa/siakad/pddikti-sync/internal/pddikti"
	"github.com/bigkaa/siakad/pddikti-sync/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- In-memory локальная БД ---

type memTables struct {
	programs  map[string]model.StudyProgram
	students  map[string]model.Student
	lecturers map[string]model.Lecturer
	courses   map[string]model.Course
	users     map[string]model.User
}

func (t memTables) clone() memTables {
	return memTables{
		programs:  maps.Clone(t.programs),
		students:  maps.Clone(t.students),
		lecturers: maps.Clone(t.lecturers),
		courses:   maps.Clone(t.courses),
		users:     maps.Clone(t.users),
	}
}

// memDB — локальная БД в памяти. RunInTx сериализует транзакции
// и откатывает изменения при ошибке fn.
type memDB struct {
	mu     sync.Mutex
	t      memTables
	writes int
	txs    int
}

func newMemDB() *memDB {
	return &memDB{t: memTables{
		programs:  map[string]model.StudyProgram{},
		students:  map[string]model.Student{},
		lecturers: map[string]model.Lecturer{},
		courses:   map[string]model.Course{},
		users:     map[string]model.User{},
	}}
}

func (db *memDB) RunInTx(_ context.Context, fn func(s *repository.Store) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.txs++
	snapshot := db.t.clone()
	writes := db.writes
	err := fn(&repository.Store{
		StudyPrograms: memPrograms{db},
		Students:      memStudents{db},
		Lecturers:     memLecturers{db},
		Courses:       memCourses{db},
		Users:         memUsers{db},
	})
	if err != nil {
		db.t = snapshot
		db.writes = writes
	}
	return err
}

func (db *memDB) writeCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.writes
}

func (db *memDB) studentsSnapshot() []model.Student {
	db.mu.Lock()
	defer db.mu.Unlock()
	return sortedValues(db.t.students, func(s model.Student) string { return s.NIM })
}

func (db *memDB) coursesSnapshot() []model.Course {
	db.mu.Lock()
	defer db.mu.Unlock()
	return sortedValues(db.t.courses, func(c model.Course) string { return c.Code })
}

func (db *memDB) lecturersSnapshot() []model.Lecturer {
	db.mu.Lock()
	defer db.mu.Unlock()
	return sortedValues(db.t.lecturers, func(l model.Lecturer) string { return l.NIDN })
}

func (db *memDB) usersSnapshot() []model.User {
	db.mu.Lock()
	defer db.mu.Unlock()
	return sortedValues(db.t.users, func(u model.User) string { return u.Username })
}

func (db *memDB) programsSnapshot() []model.StudyProgram {
	db.mu.Lock()
	defer db.mu.Unlock()
	return sortedValues(db.t.programs, func(p model.StudyProgram) string { return p.Code })
}

func sortedValues[T any](m map[string]T, key func(T) string) []T {
	out := slices.Collect(maps.Values(m))
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}

func sameExternalID(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

// unlinkedPage — записи без external_id с id > afterID в порядке id.
func unlinkedPage[T any](m map[string]T, id func(T) string, ext func(T) *string, afterID string, limit int) []*T {
	var out []*T
	for _, v := range sortedValues(m, id) {
		if ext(v) != nil || id(v) <= afterID {
			continue
		}
		out = append(out, &v)
		if len(out) == limit {
			break
		}
	}
	return out
}

type memPrograms struct{ db *memDB }

func (r memPrograms) GetByID(_ context.Context, id string) (*model.StudyProgram, error) {
	sp, ok := r.db.t.programs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &sp, nil
}

func (r memPrograms) FindByExternalID(_ context.Context, externalID string) (*model.StudyProgram, error) {
	for _, sp := range r.db.t.programs {
		if model.ExternalIDValue(sp.ExternalID) == externalID {
			return &sp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memPrograms) FindByCode(_ context.Context, code string) (*model.StudyProgram, error) {
	for _, sp := range r.db.t.programs {
		if sp.Code == code {
			return &sp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memPrograms) save(sp *model.StudyProgram) error {
	for id, other := range r.db.t.programs {
		if id != sp.ID && (other.Code == sp.Code || sameExternalID(other.ExternalID, sp.ExternalID)) {
			return repository.ErrConflict
		}
	}
	r.db.t.programs[sp.ID] = *sp
	r.db.writes++
	return nil
}

func (r memPrograms) Create(_ context.Context, sp *model.StudyProgram) error { return r.save(sp) }

func (r memPrograms) Update(_ context.Context, sp *model.StudyProgram) error {
	if _, ok := r.db.t.programs[sp.ID]; !ok {
		return repository.ErrNotFound
	}
	return r.save(sp)
}

type memStudents struct{ db *memDB }

func (r memStudents) FindByExternalID(_ context.Context, externalID string) (*model.Student, error) {
	for _, s := range r.db.t.students {
		if model.ExternalIDValue(s.ExternalID) == externalID {
			return &s, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memStudents) FindByNIM(_ context.Context, nim string) (*model.Student, error) {
	for _, s := range r.db.t.students {
		if s.NIM == nim {
			return &s, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memStudents) save(s *model.Student) error {
	for id, other := range r.db.t.students {
		if id != s.ID && (other.NIM == s.NIM || sameExternalID(other.ExternalID, s.ExternalID)) {
			return repository.ErrConflict
		}
	}
	if _, ok := r.db.t.users[s.UserID]; !ok {
		return repository.ErrNotFound
	}
	r.db.t.students[s.ID] = *s
	r.db.writes++
	return nil
}

func (r memStudents) Create(_ context.Context, s *model.Student) error { return r.save(s) }

func (r memStudents) Update(_ context.Context, s *model.Student) error {
	if _, ok := r.db.t.students[s.ID]; !ok {
		return repository.ErrNotFound
	}
	return r.save(s)
}

func (r memStudents) ListUnlinked(_ context.Context, afterID string, limit int) ([]*model.Student, error) {
	return unlinkedPage(r.db.t.students,
		func(s model.Student) string { return s.ID },
		func(s model.Student) *string { return s.ExternalID },
		afterID, limit), nil
}

type memLecturers struct{ db *memDB }

func (r memLecturers) FindByExternalID(_ context.Context, externalID string) (*model.Lecturer, error) {
	for _, l := range r.db.t.lecturers {
		if model.ExternalIDValue(l.ExternalID) == externalID {
			return &l, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memLecturers) FindByNIDN(_ context.Context, nidn string) (*model.Lecturer, error) {
	for _, l := range r.db.t.lecturers {
		if l.NIDN == nidn {
			return &l, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memLecturers) save(l *model.Lecturer) error {
	for id, other := range r.db.t.lecturers {
		if id != l.ID && (other.NIDN == l.NIDN || sameExternalID(other.ExternalID, l.ExternalID)) {
			return repository.ErrConflict
		}
	}
	r.db.t.lecturers[l.ID] = *l
	r.db.writes++
	return nil
}

func (r memLecturers) Create(_ context.Context, l *model.Lecturer) error { return r.save(l) }

func (r memLecturers) Update(_ context.Context, l *model.Lecturer) error {
	if _, ok := r.db.t.lecturers[l.ID]; !ok {
		return repository.ErrNotFound
	}
	return r.save(l)
}

func (r memLecturers) ListUnlinked(_ context.Context, afterID string, limit int) ([]*model.Lecturer, error) {
	return unlinkedPage(r.db.t.lecturers,
		func(l model.Lecturer) string { return l.ID },
		func(l model.Lecturer) *string { return l.ExternalID },
		afterID, limit), nil
}

type memCourses struct{ db *memDB }

func (r memCourses) FindByExternalID(_ context.Context, externalID string) (*model.Course, error) {
	for _, c := range r.db.t.courses {
		if model.ExternalIDValue(c.ExternalID) == externalID {
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memCourses) FindByCode(_ context.Context, code string) (*model.Course, error) {
	for _, c := range r.db.t.courses {
		if c.Code == code {
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memCourses) save(c *model.Course) error {
	for id, other := range r.db.t.courses {
		if id != c.ID && (other.Code == c.Code || sameExternalID(other.ExternalID, c.ExternalID)) {
			return repository.ErrConflict
		}
	}
	r.db.t.courses[c.ID] = *c
	r.db.writes++
	return nil
}

func (r memCourses) Create(_ context.Context, c *model.Course) error { return r.save(c) }

func (r memCourses) Update(_ context.Context, c *model.Course) error {
	if _, ok := r.db.t.courses[c.ID]; !ok {
		return repository.ErrNotFound
	}
	return r.save(c)
}

func (r memCourses) ListUnlinked(_ context.Context, afterID string, limit int) ([]*model.Course, error) {
	return unlinkedPage(r.db.t.courses,
		func(c model.Course) string { return c.ID },
		func(c model.Course) *string { return c.ExternalID },
		afterID, limit), nil
}

type memUsers struct{ db *memDB }

func (r memUsers) GetByID(_ context.Context, id string) (*model.User, error) {
	u, ok := r.db.t.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r memUsers) FindByUsername(_ context.Context, username string) (*model.User, error) {
	for _, u := range r.db.t.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r memUsers) Create(_ context.Context, u *model.User) error {
	for _, other := range r.db.t.users {
		if other.Username == u.Username {
			return repository.ErrConflict
		}
	}
	r.db.t.users[u.ID] = *u
	r.db.writes++
	return nil
}

// --- In-memory журнал синхронизации ---

// memLogs — SyncLogRepository в памяти. Сохраняет историю статусов
// каждой записи для проверки жизненного цикла.
type memLogs struct {
	mu      sync.Mutex
	entries map[string]model.SyncLogEntry
	order   []string
	history map[string][]model.SyncStatus
	// failUpdates — Update возвращает ошибку (сбой БД при записи прогресса)
	failUpdates bool
}

func newMemLogs() *memLogs {
	return &memLogs{
		entries: map[string]model.SyncLogEntry{},
		history: map[string][]model.SyncStatus{},
	}
}

func copyEntry(e model.SyncLogEntry) *model.SyncLogEntry {
	e.Errors = slices.Clone(e.Errors)
	return &e
}

func (l *memLogs) Create(_ context.Context, e *model.SyncLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[e.ID]; ok {
		return repository.ErrConflict
	}
	e.CreatedAt = e.StartedAt
	e.UpdatedAt = e.StartedAt
	l.entries[e.ID] = *copyEntry(*e)
	l.order = append(l.order, e.ID)
	l.history[e.ID] = append(l.history[e.ID], e.Status)
	return nil
}

func (l *memLogs) Update(_ context.Context, e *model.SyncLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.entries[e.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Status != model.SyncStatusInProgress {
		return repository.ErrLogFinalized
	}
	if l.failUpdates && !e.Status.IsTerminal() {
		return context.DeadlineExceeded
	}
	l.entries[e.ID] = *copyEntry(*e)
	l.history[e.ID] = append(l.history[e.ID], e.Status)
	return nil
}

func (l *memLogs) GetByID(_ context.Context, id string) (*model.SyncLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyEntry(e), nil
}

// newestFirst — записи в порядке убывания StartedAt (при равенстве — последние созданные первыми).
func (l *memLogs) newestFirst() []*model.SyncLogEntry {
	out := make([]*model.SyncLogEntry, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		out = append(out, copyEntry(l.entries[l.order[i]]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (l *memLogs) LatestByType(_ context.Context, entity model.EntityType) (*model.SyncLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.newestFirst() {
		if e.EntityType == entity {
			return e, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (l *memLogs) List(_ context.Context, entity *model.EntityType, limit, offset int) ([]*model.SyncLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*model.SyncLogEntry
	for _, e := range l.newestFirst() {
		if entity != nil && e.EntityType != *entity {
			continue
		}
		out = append(out, e)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *memLogs) ListStale(_ context.Context, before time.Time) ([]*model.SyncLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*model.SyncLogEntry
	for _, id := range l.order {
		e := l.entries[id]
		if e.Status == model.SyncStatusInProgress && e.HeartbeatAt.Before(before) {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (l *memLogs) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *memLogs) statuses(id string) []model.SyncStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.history[id])
}

// --- Фейковый реестр ---

// fakeRegistry — RegistryClient с заданными страницами и сбоями.
type fakeRegistry struct {
	mu sync.Mutex
	// pages — страницы по типу сущности; страница за пределами — пустая
	pages map[model.EntityType][][]pddikti.RemoteRecord
	// fetchErrs — ошибки, возвращаемые по порядку перед страницами
	fetchErrs []error
	// failFromPage — начиная с этой страницы всегда fetchErr
	failFromPage int
	fetchErr     error
	fetches      []pddikti.PageRequest
	// onFetch вызывается перед возвратом страницы
	onFetch func(pr pddikti.PageRequest)

	pushSeq    int
	pushed     []pddikti.RemoteRecord
	pushErrFor map[string]error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		pages:      map[model.EntityType][][]pddikti.RemoteRecord{},
		pushErrFor: map[string]error{},
	}
}

func (f *fakeRegistry) setPages(entity model.EntityType, pages ...[]pddikti.RemoteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[entity] = pages
}

func (f *fakeRegistry) FetchEntities(_ context.Context, entity model.EntityType, pr pddikti.PageRequest) (*pddikti.Page, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, pr)
	var err error
	switch {
	case len(f.fetchErrs) > 0:
		err, f.fetchErrs = f.fetchErrs[0], f.fetchErrs[1:]
	case f.failFromPage > 0 && pr.Page >= f.failFromPage:
		err = f.fetchErr
	}
	var records []pddikti.RemoteRecord
	if pages := f.pages[entity]; pr.Page <= len(pages) {
		records = pages[pr.Page-1]
	}
	onFetch := f.onFetch
	f.mu.Unlock()

	if onFetch != nil {
		onFetch(pr)
	}
	if err != nil {
		return nil, err
	}
	return &pddikti.Page{Number: pr.Page, Records: records}, nil
}

func (f *fakeRegistry) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

// naturalKey — естественный ключ выгружаемой записи.
func naturalKey(rec pddikti.RemoteRecord) string {
	switch r := rec.(type) {
	case *pddikti.StudentRecord:
		return r.NIM
	case *pddikti.LecturerRecord:
		return r.NIDN
	case *pddikti.CourseRecord:
		return r.Code
	case *pddikti.StudyProgramRecord:
		return r.Code
	}
	return ""
}

func (f *fakeRegistry) PushEntity(_ context.Context, _ model.EntityType, payload pddikti.RemoteRecord) (pddikti.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.pushErrFor[naturalKey(payload)]; err != nil {
		return nil, err
	}
	f.pushSeq++
	f.pushed = append(f.pushed, payload)

	id := "pd-" + naturalKey(payload)
	switch r := payload.(type) {
	case *pddikti.StudentRecord:
		accepted := *r
		accepted.PddiktiID = id
		return &accepted, nil
	case *pddikti.LecturerRecord:
		accepted := *r
		accepted.PddiktiID = id
		return &accepted, nil
	case *pddikti.CourseRecord:
		accepted := *r
		accepted.PddiktiID = id
		return &accepted, nil
	}
	return payload, nil
}
