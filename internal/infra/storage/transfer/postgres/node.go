package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/internal/infra/storage"
)

// nodeStore implements transfer.NodeRepository on PostgreSQL. Nodes are
// administered out of band so the store is read-only from the worker's
// perspective except for Upsert, which the startup seed uses.
type nodeStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var _ domain.NodeRepository = (*nodeStore)(nil)

// NewNodeStore creates a PostgreSQL-backed node repository with tracing.
func NewNodeStore(pool *pgxpool.Pool, tracer trace.Tracer) *nodeStore {
	return &nodeStore{db: pool, tracer: tracer}
}

const selectNodeColumns = `
	SELECT id, name, kind, ae_title, host, port, capabilities, folder_path
	FROM nodes`

func (r *nodeStore) Get(ctx context.Context, id uuid.UUID) (*domain.Node, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("node_id", id.String()))

	var node *domain.Node
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_node", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, selectNodeColumns+` WHERE id = $1`, pgUUID(id))
		var err error
		node, err = scanNode(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (r *nodeStore) GetByName(ctx context.Context, name string) (*domain.Node, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("node_name", name))

	var node *domain.Node
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_node_by_name", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, selectNodeColumns+` WHERE name = $1`, name)
		var err error
		node, err = scanNode(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Upsert inserts the node or refreshes its connection details when a node
// with the same name already exists.
func (r *nodeStore) Upsert(ctx context.Context, node *domain.Node) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("node_name", node.Name()),
		attribute.String("kind", string(node.Kind())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.upsert_node", dbAttrs, func(ctx context.Context) error {
		var (
			aeTitle pgtype.Text
			host    pgtype.Text
			port    pgtype.Int4
			caps    pgtype.Text
			folder  pgtype.Text
		)
		if server, ok := node.Server(); ok {
			aeTitle = pgText(server.AETitle())
			host = pgText(server.Host())
			port = pgtype.Int4{Int32: int32(server.Port()), Valid: true}
			caps = pgText(encodeCapabilities(server.Capabilities()))
		}
		if path, ok := node.FolderPath(); ok {
			folder = pgText(path)
		}

		_, err := r.db.Exec(ctx, `
			INSERT INTO nodes (id, name, kind, ae_title, host, port, capabilities, folder_path)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (name) DO UPDATE SET
				kind = EXCLUDED.kind,
				ae_title = EXCLUDED.ae_title,
				host = EXCLUDED.host,
				port = EXCLUDED.port,
				capabilities = EXCLUDED.capabilities,
				folder_path = EXCLUDED.folder_path`,
			pgUUID(node.ID()), node.Name(), string(node.Kind()),
			aeTitle, host, port, caps, folder,
		)
		if err != nil {
			return fmt.Errorf("upsert node: %w", err)
		}
		return nil
	})
}

func scanNode(row pgx.Row) (*domain.Node, error) {
	var (
		id      pgtype.UUID
		name    string
		kind    string
		aeTitle pgtype.Text
		host    pgtype.Text
		port    pgtype.Int4
		caps    pgtype.Text
		folder  pgtype.Text
	)
	if err := row.Scan(&id, &name, &kind, &aeTitle, &host, &port, &caps, &folder); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}

	switch domain.NodeKind(kind) {
	case domain.NodeKindServer:
		config := domain.NewServerConfig(
			fromPgText(aeTitle), fromPgText(host), int(port.Int32),
			decodeCapabilities(fromPgText(caps)),
		)
		return domain.NewServerNode(uuid.UUID(id.Bytes), name, config), nil
	case domain.NodeKindFolder:
		return domain.NewFolderNode(uuid.UUID(id.Bytes), name, fromPgText(folder)), nil
	default:
		return nil, fmt.Errorf("unknown node kind %q", kind)
	}
}

// Capabilities are stored as a comma-separated list; the set is small and
// only ever read back whole.
func encodeCapabilities(set domain.CapabilitySet) string {
	caps := set.List()
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func decodeCapabilities(s string) domain.CapabilitySet {
	if s == "" {
		return domain.NewCapabilitySet()
	}
	parts := strings.Split(s, ",")
	caps := make([]domain.Capability, len(parts))
	for i, p := range parts {
		caps[i] = domain.Capability(p)
	}
	return domain.NewCapabilitySet(caps...)
}
