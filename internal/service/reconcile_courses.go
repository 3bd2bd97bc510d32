package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
	"github.com/bigkaa/siakad/pddikti-sync/internal/pddikti"
	"github.com/bigkaa/siakad/pddikti-sync/internal/repository"
)

// courseHandler — учебные дисциплины.
type courseHandler struct {
	programs *studyProgramResolver
}

func (h *courseHandler) entity() model.EntityType { return model.EntityCourses }

func (h *courseHandler) reconcile(
	ctx context.Context,
	st *repository.Store,
	rec pddikti.RemoteRecord,
	now time.Time,
	dryRun bool,
) error {
	r, err := recordAs[*pddikti.CourseRecord](rec)
	if err != nil {
		return err
	}

	existing, err := h.find(ctx, st, r)
	if err != nil {
		return err
	}

	externalID := r.PddiktiID

	if existing != nil {
		programID, err := resolveForUpdate(ctx, h.programs, st.StudyPrograms, r.StudyProgramCode, existing.StudyProgramID)
		if err != nil || dryRun {
			return err
		}
		existing.ExternalID = &externalID
		existing.StudyProgramID = programID
		existing.Code = r.Code
		existing.Name = r.Name
		existing.Credits = r.Credits
		existing.Semester = r.Semester
		existing.Status = statusOrDefault(r.Status)
		existing.LastSyncedAt = &now
		return st.Courses.Update(ctx, existing)
	}

	programID, err := h.programs.resolve(ctx, st.StudyPrograms, r.StudyProgramCode)
	if err != nil || dryRun {
		return err
	}

	return st.Courses.Create(ctx, &model.Course{
		ID:             uuid.NewString(),
		StudyProgramID: programID,
		ExternalID:     &externalID,
		Code:           r.Code,
		Name:           r.Name,
		Credits:        r.Credits,
		Semester:       r.Semester,
		Status:         statusOrDefault(r.Status),
		LastSyncedAt:   &now,
	})
}

func (h *courseHandler) find(ctx context.Context, st *repository.Store, r *pddikti.CourseRecord) (*model.Course, error) {
	c, err := st.Courses.FindByExternalID(ctx, r.PddiktiID)
	if err == nil {
		if c.Code == r.Code {
			return c, nil
		}
		err := checkNaturalKeyFree(ctx, r.Code, c.ID, func(ctx context.Context, key string) (string, error) {
			other, err := st.Courses.FindByCode(ctx, key)
			if err != nil {
				return "", err
			}
			return other.ID, nil
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	c, err = st.Courses.FindByCode(ctx, r.Code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := checkNaturalKeyLink(r.Code, c.ExternalID, r.PddiktiID); err != nil {
		return nil, err
	}
	return c, nil
}

func (h *courseHandler) listUnlinked(ctx context.Context, st *repository.Store, afterID string, limit int) ([]pushCandidate, error) {
	courses, err := st.Courses.ListUnlinked(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}

	candidates := make([]pushCandidate, 0, len(courses))
	for _, course := range courses {
		c := pushCandidate{
			localID: course.ID,
			key:     course.Code,
			link: func(ctx context.Context, st *repository.Store, externalID string, now time.Time) error {
				course.ExternalID = &externalID
				course.LastSyncedAt = &now
				return st.Courses.Update(ctx, course)
			},
		}
		code, err := programCode(ctx, st.StudyPrograms, course.StudyProgramID)
		if err != nil {
			c.err = err
		} else {
			c.payload = &pddikti.CourseRecord{
				Code:             course.Code,
				Name:             course.Name,
				Credits:          course.Credits,
				Semester:         course.Semester,
				StudyProgramCode: code,
				Status:           course.Status,
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}
