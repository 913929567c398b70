package app

import (
	"database/sql"
	"os"

	"conveyor/internal/casefile"
	"conveyor/internal/catalog"
	"conveyor/internal/config"
	"conveyor/internal/db"
	"conveyor/internal/engine"
	"conveyor/internal/migrate"
	"conveyor/internal/portalsync"
	"conveyor/internal/repo"
)

// Services bundles the wired components for one workspace: the open
// database plus engine, catalog, case machine and sync coordinator
// sharing it.
type Services struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Repo      repo.Repo
	Engine    *engine.Engine
	Catalog   catalog.Catalog
	Machine   *casefile.Machine
	Sync      *portalsync.Coordinator
}

// Open ensures the workspace, opens and migrates the database and wires
// the components together. Falls back to the default config when the
// workspace carries no conveyor.yml.
func Open(workspace, engineID string) (*Services, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(engineID)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	e := engine.New(conn)
	m := casefile.New(conn, cfg)
	// Milestone completions from orchestration feed the case machine.
	e.Milestones = m

	portalKey := os.Getenv("CONVEYOR_PORTAL_API_KEY")
	transport := portalsync.NewPortalClient(cfg.Sync.PortalURL, portalKey)
	coord := portalsync.New(conn, cfg, transport)

	return &Services{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Repo:      repo.Repo{DB: conn},
		Engine:    e,
		Catalog:   catalog.New(conn),
		Machine:   m,
		Sync:      coord,
	}, nil
}

func (s *Services) Close() error {
	return s.DB.Close()
}
