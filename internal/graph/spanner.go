package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// SpannerStore is the managed alternative backend. Same contract as
// PostgresStore; guards run inside a read-write transaction.
//
// Expected DDL:
//
//	CREATE TABLE GraphNodes (
//	  Id        STRING(64) NOT NULL,
//	  Labels    ARRAY<STRING(64)>,
//	  Props     JSON,
//	  UpdatedTs TIMESTAMP OPTIONS (allow_commit_timestamp = true),
//	) PRIMARY KEY (Id);
//
//	CREATE TABLE GraphEdges (
//	  Src   STRING(64) NOT NULL,
//	  Rel   STRING(64) NOT NULL,
//	  Dst   STRING(64) NOT NULL,
//	  Props JSON,
//	) PRIMARY KEY (Src, Rel, Dst);
type SpannerStore struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerStore creates a graph store backed by Cloud Spanner.
func NewSpannerStore(project, instance, dbName string) (*SpannerStore, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("create spanner client: %w", err)
	}

	return &SpannerStore{
		client: client,
		logger: log.New(log.Writer(), "[SpannerGraph] ", log.LstdFlags),
	}, nil
}

func (s *SpannerStore) Upsert(ctx context.Context, u Upsert) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		current := Props{}
		labels := u.Labels

		row, err := txn.ReadRow(ctx, "GraphNodes", spanner.Key{u.ID}, []string{"Props", "Labels"})
		switch spanner.ErrCode(err) {
		case codes.OK:
			var rawProps spanner.NullJSON
			var existing []string
			if err := row.Columns(&rawProps, &existing); err != nil {
				return fmt.Errorf("decode row %s: %w", u.ID, err)
			}
			if rawProps.Valid {
				raw, err := json.Marshal(rawProps.Value)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &current); err != nil {
					return fmt.Errorf("decode props %s: %w", u.ID, err)
				}
			}
			labels = unionLabels(existing, u.Labels)
		case codes.NotFound:
			// New node.
		default:
			return fmt.Errorf("read node %s: %w", u.ID, err)
		}

		merged, allowed := MergeProps(current, u.Props, u.Guard)
		muts := make([]*spanner.Mutation, 0, 1+2*len(u.Rels))
		if allowed {
			muts = append(muts, spanner.InsertOrUpdate("GraphNodes",
				[]string{"Id", "Labels", "Props", "UpdatedTs"},
				[]interface{}{u.ID, labels, spanner.NullJSON{Value: merged, Valid: true}, spanner.CommitTimestamp}))
		}

		for _, r := range u.Rels {
			_, err := txn.ReadRow(ctx, "GraphNodes", spanner.Key{r.TargetID}, []string{"Id"})
			if spanner.ErrCode(err) == codes.NotFound {
				muts = append(muts, spanner.InsertOrUpdate("GraphNodes",
					[]string{"Id", "Labels", "Props", "UpdatedTs"},
					[]interface{}{r.TargetID, []string{}, spanner.NullJSON{Value: Props{}, Valid: true}, spanner.CommitTimestamp}))
			}
			muts = append(muts, spanner.InsertOrUpdate("GraphEdges",
				[]string{"Src", "Rel", "Dst", "Props"},
				[]interface{}{u.ID, r.Type, r.TargetID, spanner.NullJSON{Value: orEmpty(r.Props), Valid: true}}))
		}

		if len(muts) == 0 {
			return nil
		}
		return txn.BufferWrite(muts)
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", u.ID, err)
	}
	return nil
}

func (s *SpannerStore) GetNode(ctx context.Context, id string) (*Node, error) {
	row, err := s.client.Single().ReadRow(ctx, "GraphNodes", spanner.Key{id}, []string{"Id", "Labels", "Props"})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return decodeSpannerNode(row)
}

func (s *SpannerStore) QueryNodes(ctx context.Context, label string, filter Filter) ([]Node, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT Id, Labels, Props FROM GraphNodes WHERE @label = '' OR @label IN UNNEST(Labels)`,
		Params: map[string]interface{}{"label": label},
	}

	// Stale reads are fine here: the graph is operational truth,
	// eventually consistent by design.
	iter := s.client.Single().
		WithTimestampBound(spanner.MaxStaleness(15 * time.Second)).
		Query(ctx, stmt)
	defer iter.Stop()

	var out []Node
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", label, err)
		}
		n, err := decodeSpannerNode(row)
		if err != nil {
			return nil, err
		}
		// Property filtering happens client-side; JSON predicates vary
		// across Spanner dialects.
		if matches(n.Props, filter) {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (s *SpannerStore) Relations(ctx context.Context, srcID, relType string) ([]Rel, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT Rel, Dst, Props FROM GraphEdges WHERE Src = @src AND (@rel = '' OR Rel = @rel)`,
		Params: map[string]interface{}{"src": srcID, "rel": relType},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var out []Rel
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("relations %s: %w", srcID, err)
		}
		var r Rel
		var rawProps spanner.NullJSON
		if err := row.Columns(&r.Type, &r.TargetID, &rawProps); err != nil {
			return nil, err
		}
		r.Props = Props{}
		if rawProps.Valid {
			raw, err := json.Marshal(rawProps.Value)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(raw, &r.Props); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SpannerStore) Ping(ctx context.Context) error {
	iter := s.client.Single().Query(ctx, spanner.Statement{SQL: "SELECT 1"})
	defer iter.Stop()
	_, err := iter.Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}

func decodeSpannerNode(row *spanner.Row) (*Node, error) {
	var n Node
	var rawProps spanner.NullJSON
	if err := row.Columns(&n.ID, &n.Labels, &rawProps); err != nil {
		return nil, err
	}
	n.Props = Props{}
	if rawProps.Valid {
		raw, err := json.Marshal(rawProps.Value)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &n.Props); err != nil {
			return nil, err
		}
	}
	return &n, nil
}
