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

// studyProgramHandler — программы обучения. Только загрузка из реестра.
type studyProgramHandler struct {
	programs *studyProgramResolver
}

func (h *studyProgramHandler) entity() model.EntityType { return model.EntityStudyPrograms }

func (h *studyProgramHandler) reconcile(
	ctx context.Context,
	st *repository.Store,
	rec pddikti.RemoteRecord,
	now time.Time,
	dryRun bool,
) error {
	r, err := recordAs[*pddikti.StudyProgramRecord](rec)
	if err != nil {
		return err
	}

	existing, err := h.find(ctx, st, r)
	if err != nil {
		return err
	}
	if dryRun {
		return nil
	}

	externalID := r.PddiktiID
	if existing != nil {
		oldCode := existing.Code
		existing.ExternalID = &externalID
		existing.Code = r.Code
		existing.Name = r.Name
		existing.DegreeLevel = r.DegreeLevel
		existing.Status = statusOrDefault(r.Status)
		existing.LastSyncedAt = &now
		if err := st.StudyPrograms.Update(ctx, existing); err != nil {
			return err
		}
		h.programs.forget(oldCode, r.Code)
		return nil
	}

	sp := &model.StudyProgram{
		ID:           uuid.NewString(),
		ExternalID:   &externalID,
		Code:         r.Code,
		Name:         r.Name,
		DegreeLevel:  r.DegreeLevel,
		Status:       statusOrDefault(r.Status),
		LastSyncedAt: &now,
	}
	if err := st.StudyPrograms.Create(ctx, sp); err != nil {
		return err
	}
	h.programs.forget(r.Code)
	return nil
}

func (h *studyProgramHandler) find(ctx context.Context, st *repository.Store, r *pddikti.StudyProgramRecord) (*model.StudyProgram, error) {
	sp, err := st.StudyPrograms.FindByExternalID(ctx, r.PddiktiID)
	if err == nil {
		if sp.Code == r.Code {
			return sp, nil
		}
		err := checkNaturalKeyFree(ctx, r.Code, sp.ID, func(ctx context.Context, key string) (string, error) {
			other, err := st.StudyPrograms.FindByCode(ctx, key)
			if err != nil {
				return "", err
			}
			return other.ID, nil
		})
		if err != nil {
			return nil, err
		}
		return sp, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	sp, err = st.StudyPrograms.FindByCode(ctx, r.Code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := checkNaturalKeyLink(r.Code, sp.ExternalID, r.PddiktiID); err != nil {
		return nil, err
	}
	return sp, nil
}
