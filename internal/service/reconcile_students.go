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

// studentHandler — студенты. Новый студент создаётся вместе с учётной записью
// (логин — NIM) в одной транзакции.
type studentHandler struct {
	programs *studyProgramResolver
	accounts *accountProvisioner
}

func (h *studentHandler) entity() model.EntityType { return model.EntityStudents }

func (h *studentHandler) reconcile(
	ctx context.Context,
	st *repository.Store,
	rec pddikti.RemoteRecord,
	now time.Time,
	dryRun bool,
) error {
	r, err := recordAs[*pddikti.StudentRecord](rec)
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
		programID, err := resolveForUpdate(ctx, h.programs, st.StudyPrograms, r.StudyProgramCode, existing.StudyProgramID)
		if err != nil || dryRun {
			return err
		}
		existing.ExternalID = &externalID
		existing.StudyProgramID = programID
		existing.NIM = r.NIM
		existing.FullName = r.Name
		existing.Email = email
		existing.EntryYear = r.EntryYear
		existing.Status = statusOrDefault(r.Status)
		existing.LastSyncedAt = &now
		return st.Students.Update(ctx, existing)
	}

	programID, err := h.programs.resolve(ctx, st.StudyPrograms, r.StudyProgramCode)
	if err != nil {
		return err
	}
	if dryRun {
		_, err := h.accounts.check(ctx, st.Users, r.NIM, model.UserRoleStudent)
		return err
	}

	user, err := h.accounts.ensure(ctx, st.Users, r.NIM, r.Name, email, model.UserRoleStudent)
	if err != nil {
		return err
	}

	return st.Students.Create(ctx, &model.Student{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		StudyProgramID: programID,
		ExternalID:     &externalID,
		NIM:            r.NIM,
		FullName:       r.Name,
		Email:          email,
		EntryYear:      r.EntryYear,
		Status:         statusOrDefault(r.Status),
		LastSyncedAt:   &now,
	})
}

func (h *studentHandler) find(ctx context.Context, st *repository.Store, r *pddikti.StudentRecord) (*model.Student, error) {
	s, err := st.Students.FindByExternalID(ctx, r.PddiktiID)
	if err == nil {
		if s.NIM == r.NIM {
			return s, nil
		}
		err := checkNaturalKeyFree(ctx, r.NIM, s.ID, func(ctx context.Context, key string) (string, error) {
			other, err := st.Students.FindByNIM(ctx, key)
			if err != nil {
				return "", err
			}
			return other.ID, nil
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	s, err = st.Students.FindByNIM(ctx, r.NIM)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := checkNaturalKeyLink(r.NIM, s.ExternalID, r.PddiktiID); err != nil {
		return nil, err
	}
	return s, nil
}

func (h *studentHandler) listUnlinked(ctx context.Context, st *repository.Store, afterID string, limit int) ([]pushCandidate, error) {
	students, err := st.Students.ListUnlinked(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}

	candidates := make([]pushCandidate, 0, len(students))
	for _, s := range students {
		c := pushCandidate{
			localID: s.ID,
			key:     s.NIM,
			link: func(ctx context.Context, st *repository.Store, externalID string, now time.Time) error {
				s.ExternalID = &externalID
				s.LastSyncedAt = &now
				return st.Students.Update(ctx, s)
			},
		}
		code, err := programCode(ctx, st.StudyPrograms, s.StudyProgramID)
		if err != nil {
			c.err = err
		} else {
			c.payload = &pddikti.StudentRecord{
				NIM:              s.NIM,
				Name:             s.FullName,
				Email:            stringValue(s.Email),
				StudyProgramCode: code,
				EntryYear:        s.EntryYear,
				Status:           s.Status,
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}
