package neo4jgraph

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/logflow/ekg/pkg/graph"
)

// batchWriter hides ImportCSV so graph.ImportCSV takes the batched path.
type batchWriter struct{ graph.Store }

// ImportCSV implements graph.BulkImporter. With an import directory the
// file is staged there and loaded server-side with LOAD CSV; otherwise it
// is streamed through the regular batch writes. List cells are JSON, which
// Cypher cannot parse without APOC, so those files are always streamed.
func (s *Store) ImportCSV(ctx context.Context, spec graph.CSVImport) (int, error) {
	if s.cfg.ImportDir == "" || spec.ListCells {
		return graph.ImportCSV(ctx, batchWriter{s}, spec)
	}
	header, err := readHeader(spec.Path)
	if err != nil || len(header) == 0 {
		return 0, err
	}
	q, err := importQuery(spec, header)
	if err != nil {
		return 0, err
	}

	name := "ekg-" + uuid.NewString() + ".csv"
	staged := filepath.Join(s.cfg.ImportDir, name)
	if err := copyFile(spec.Path, staged); err != nil {
		return 0, fmt.Errorf("stage %s: %w", spec.Path, err)
	}
	defer os.Remove(staged)

	params := map[string]any{"url": "file:///" + name}
	if spec.Relationship != nil {
		params["ident"] = stringsToAny(spec.Relationship.IdentityProps)
	}

	// CALL ... IN TRANSACTIONS needs an auto-commit transaction.
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: s.cfg.Database,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, q, params)
	if err != nil {
		return 0, fmt.Errorf("load csv %s: %w", spec.Path, err)
	}
	summary, err := result.Consume(ctx)
	if err != nil {
		return 0, fmt.Errorf("load csv %s: %w", spec.Path, err)
	}
	created := summary.Counters().NodesCreated()
	if spec.Relationship != nil {
		created = summary.Counters().RelationshipsCreated()
	}
	s.logger.Debug("load csv finished", zap.String("path", spec.Path), zap.Int("created", created))
	if spec.OnBatch != nil {
		spec.OnBatch(created)
	}
	return created, nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	header, err := csv.NewReader(f).Read()
	if err == io.EOF {
		return nil, nil
	}
	return header, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// columnExpr converts one LOAD CSV cell to its stored value.
func columnExpr(column string) string {
	ref := "line." + graph.Quote(column)
	if graph.IsTemporal(column) {
		return "datetime(" + ref + ")"
	}
	return ref
}

// propsMap renders the property map literal built from the given columns.
func propsMap(spec graph.CSVImport, columns []string) string {
	parts := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		parts = append(parts, graph.Quote(c)+": "+columnExpr(c))
	}
	if spec.SeqProperty != "" {
		parts = append(parts, graph.Quote(spec.SeqProperty)+": linenumber() - 2")
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func importQuery(spec graph.CSVImport, header []string) (string, error) {
	batch := spec.BatchSize
	if batch <= 0 {
		batch = graph.DefaultBatchSize
	}
	var body string
	if rel := spec.Relationship; rel != nil {
		if err := graph.CheckIdentifiers(rel.Type, rel.FromLabel, rel.FromKey, rel.ToLabel, rel.ToKey); err != nil {
			return "", err
		}
		var rest []string
		for _, c := range header {
			if c != rel.FromColumn && c != rel.ToColumn {
				rest = append(rest, c)
			}
		}
		body = fmt.Sprintf(`MATCH (a:%[1]s) WHERE a.%[2]s = line.%[3]s
  MATCH (b:%[4]s) WHERE b.%[5]s = line.%[6]s
  WITH a, b, %[7]s AS props
  OPTIONAL MATCH (a)-[r:%[8]s]->(b)
  WHERE all(k IN $ident WHERE r[k] = props[k] OR (r[k] IS NULL AND props[k] IS NULL))
  WITH a, b, props, count(r) AS existing
  WHERE existing = 0
  CREATE (a)-[e:%[8]s]->(b)
  SET e = props`,
			graph.Quote(rel.FromLabel), graph.Quote(rel.FromKey), graph.Quote(rel.FromColumn),
			graph.Quote(rel.ToLabel), graph.Quote(rel.ToKey), graph.Quote(rel.ToColumn),
			propsMap(spec, rest), graph.Quote(rel.Type))
	} else {
		if err := graph.CheckIdentifiers(spec.Label); err != nil {
			return "", err
		}
		body = fmt.Sprintf("CREATE (n:%s)\n  SET n = %s", graph.Quote(spec.Label), propsMap(spec, header))
	}
	return fmt.Sprintf("LOAD CSV WITH HEADERS FROM $url AS line\nCALL {\n  WITH line\n  %s\n} IN TRANSACTIONS OF %d ROWS", body, batch), nil
}
