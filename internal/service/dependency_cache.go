package service

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/siakad/pddikti-sync/internal/domain/model"
	"github.com/bigkaa/siakad/pddikti-sync/internal/repository"
)

var dependencyCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ps_dependency_cache_requests_total",
	Help: "Обращения к кэшу программ обучения (hit/miss)",
}, []string{"result"})

// studyProgramResolver — поиск id программы обучения по коду с LRU-кэшем.
// Кэшируются только найденные программы.
type studyProgramResolver struct {
	cache *expirable.LRU[string, string]
}

func newStudyProgramResolver(size int, ttl time.Duration) *studyProgramResolver {
	return &studyProgramResolver{cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

// resolve возвращает id программы по коду. Нет программы — *MissingDependencyError.
func (r *studyProgramResolver) resolve(ctx context.Context, repo repository.StudyProgramRepository, code string) (string, error) {
	if id, ok := r.cache.Get(code); ok {
		dependencyCacheTotal.WithLabelValues("hit").Inc()
		return id, nil
	}
	dependencyCacheTotal.WithLabelValues("miss").Inc()

	sp, err := repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", &MissingDependencyError{Entity: model.EntityStudyPrograms, Code: code}
		}
		return "", err
	}
	r.cache.Add(code, sp.ID)
	return sp.ID, nil
}

// forget сбрасывает коды, у которых могла смениться программа.
func (r *studyProgramResolver) forget(codes ...string) {
	for _, code := range codes {
		r.cache.Remove(code)
	}
}
