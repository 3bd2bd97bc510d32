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

// lecturerHandler — преподаватели. Программа обучения необязательна:
// пустой код в реестре снимает привязку.
type lecturerHandler struct {
	programs *studyProgramResolver
	accounts *accountProvisioner
}

func (h *lecturerHandler) entity() model.EntityType { return model.EntityLecturers }

func (h *lecturerHandler) reconcile(
	ctx context.Context,
	st *repository.Store,
	rec pddikti.RemoteRecord,
	now time.Time,
	dryRun bool,
) error {
	r, err := recordAs[*pddikti.LecturerRecord](rec)
	if err != nil {
		return err
	}

	existing, err := h.find(ctx, st, r)
	if err != nil {
		return err
	}

	externalID := r.PddiktiID
	email := optionalString(r.Email)

	if existing != nil {
		var programID *string
		if r.StudyProgramCode != "" {
			id, err := resolveForUpdate(ctx, h.programs, st.StudyPrograms, r.StudyProgramCode, stringValue(existing.StudyProgramID))
			if err != nil {
				return err
			}
			programID = optionalString(id)
		}
		if dryRun {
			return nil
		}
		existing.ExternalID = &externalID
		existing.StudyProgramID = programID
		existing.NIDN = r.NIDN
		existing.FullName = r.Name
		existing.Email = email
		existing.Status = statusOrDefault(r.Status)
		existing.LastSyncedAt = &now
		return st.Lecturers.Update(ctx, existing)
	}

	var programID *string
	if r.StudyProgramCode != "" {
		id, err := h.programs.resolve(ctx, st.StudyPrograms, r.StudyProgramCode)
		if err != nil {
			return err
		}
		programID = &id
	}
	if dryRun {
		_, err := h.accounts.check(ctx, st.Users, r.NIDN, model.UserRoleLecturer)
		return err
	}

	user, err := h.accounts.ensure(ctx, st.Users, r.NIDN, r.Name, email, model.UserRoleLecturer)
	if err != nil {
		return err
	}

	return st.Lecturers.Create(ctx, &model.Lecturer{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		StudyProgramID: programID,
		ExternalID:     &externalID,
		NIDN:           r.NIDN,
		FullName:       r.Name,
		Email:          email,
		Status:         statusOrDefault(r.Status),
		LastSyncedAt:   &now,
	})
}

func (h *lecturerHandler) find(ctx context.Context, st *repository.Store, r *pddikti.LecturerRecord) (*model.Lecturer, error) {
	l, err := st.Lecturers.FindByExternalID(ctx, r.PddiktiID)
	if err == nil {
		if l.NIDN == r.NIDN {
			return l, nil
		}
		err := checkNaturalKeyFree(ctx, r.NIDN, l.ID, func(ctx context.Context, key string) (string, error) {
			other, err := st.Lecturers.FindByNIDN(ctx, key)
			if err != nil {
				return "", err
			}
			return other.ID, nil
		})
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	l, err = st.Lecturers.FindByNIDN(ctx, r.NIDN)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := checkNaturalKeyLink(r.NIDN, l.ExternalID, r.PddiktiID); err != nil {
		return nil, err
	}
	return l, nil
}

func (h *lecturerHandler) listUnlinked(ctx context.Context, st *repository.Store, afterID string, limit int) ([]pushCandidate, error) {
	lecturers, err := st.Lecturers.ListUnlinked(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}

	candidates := make([]pushCandidate, 0, len(lecturers))
	for _, l := range lecturers {
		c := pushCandidate{
			localID: l.ID,
			key:     l.NIDN,
			link: func(ctx context.Context, st *repository.Store, externalID string, now time.Time) error {
				l.ExternalID = &externalID
				l.LastSyncedAt = &now
				return st.Lecturers.Update(ctx, l)
			},
		}
		var code string
		if l.StudyProgramID != nil {
			code, c.err = programCode(ctx, st.StudyPrograms, *l.StudyProgramID)
		}
		if c.err == nil {
			c.payload = &pddikti.LecturerRecord{
				NIDN:             l.NIDN,
				Name:             l.FullName,
				Email:            stringValue(l.Email),
				StudyProgramCode: code,
				Status:           l.Status,
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}
