package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	stressImage    = "postgres:16"
	stressDatabase = "settleflow"
	stressUser     = "settleflow"
	stressPassword = "settleflow"

	// dsnEnv points the stress run at an already-running server instead of a
	// throwaway container.
	dsnEnv = "STRESS_TEST_PG_DSN"
)

// PGContainer wraps the server a stress run settles against. A zero value
// means the run borrowed an external database and owns nothing to terminate.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 resolves the database for a stress run: an explicit DSN
// wins, then STRESS_TEST_PG_DSN, and only then a fresh Postgres 16 container.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	for _, dsn := range []string{overrideDSN, os.Getenv(dsnEnv)} {
		if dsn != "" {
			return &PGContainer{}, dsn, nil
		}
	}

	pgC, err := postgres.Run(ctx,
		stressImage,
		postgres.WithDatabase(stressDatabase),
		postgres.WithUsername(stressUser),
		postgres.WithPassword(stressPassword),
	)
	if err != nil {
		return nil, "", fmt.Errorf("infra: start postgres container: %w", err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("infra: resolve connection string: %w", err)
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
