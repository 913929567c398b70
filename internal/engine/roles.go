package engine

import (
	"context"

	"conveyor/internal/domain"
	"conveyor/internal/repo"
)

// SQLRoleResolver resolves eligibility from the professionals table.
type SQLRoleResolver struct {
	Repo repo.Repo
}

func (r SQLRoleResolver) FindEligible(ctx context.Context, role string) ([]domain.Professional, error) {
	all, err := r.Repo.ListProfessionals(ctx, role)
	if err != nil {
		return nil, err
	}
	var eligible []domain.Professional
	for _, p := range all {
		if p.Active {
			eligible = append(eligible, p)
		}
	}
	return eligible, nil
}
