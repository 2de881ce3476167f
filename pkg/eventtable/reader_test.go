package eventtable

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	ekgerrors "github.com/logflow/ekg/pkg/errors"
)

const orderCSV = `Activity,timestamp,Order,Item,Cost
Create Order,2023-01-02T10:00:00Z,O1,"I1,I2",10
Receive Order,2023-01-01T09:00:00Z,O1,I1,
Create Order,2023-01-02T10:00:00Z,O1,"I1,I2",10
Ship Item,2023-01-03T08:00:00Z,,I2,
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadCSV(t *testing.T) {
	path := writeFile(t, "orders.csv", orderCSV)
	cfg := DefaultConfig()
	cfg.LogID = "P2P"

	table, err := Read(context.Background(), path, cfg)
	require.NoError(t, err)
	require.Len(t, table.Rows, 3, "duplicate row dropped")
	assert.Equal(t, []string{"Order", "Item", "Cost", "Log"}, table.Columns)

	first := table.Rows[0]
	assert.Equal(t, "Receive Order", first.Type)
	assert.Equal(t, "e0", first.ID)
	assert.Equal(t, int64(0), first.Seq)
	assert.Equal(t, "I1", first.Attrs["Item"])
	_, hasCost := first.Attrs["Cost"]
	assert.False(t, hasCost)
	assert.Equal(t, "P2P", first.Attrs["Log"])

	second := table.Rows[1]
	assert.Equal(t, []any{"I1", "I2"}, second.Attrs["Item"])
	assert.Equal(t, "10", second.Attrs["Cost"])

	third := table.Rows[2]
	_, hasOrder := third.Attrs["Order"]
	assert.False(t, hasOrder)
}

func TestReadKeepsDuplicatesWhenAsked(t *testing.T) {
	path := writeFile(t, "orders.csv", orderCSV)
	cfg := DefaultConfig()
	cfg.DropDuplicates = false
	table, err := Read(context.Background(), path, cfg)
	require.NoError(t, err)
	assert.Len(t, table.Rows, 4)
	// equal times keep file order
	assert.Equal(t, "e1", table.Rows[1].ID)
	assert.Equal(t, int64(2), table.Rows[2].Seq)
}

func TestBuildRenameAndIDColumn(t *testing.T) {
	header := []string{"case", "act", "ts"}
	records := [][]string{{"c1", "A", "2023-05-01 10:00:00"}, {"c1", "B", "2023-05-01 11:00:00"}}
	table, err := Build(context.Background(), header, records, Config{
		Rename:     map[string]string{"act": "Activity", "ts": "timestamp"},
		IDColumn:   "case",
		TypeColumn: "Activity",
	})
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "c1", table.Rows[0].ID)
	assert.Equal(t, time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC), table.Rows[0].Time)
	assert.Empty(t, table.Columns)
}

func TestBuildErrors(t *testing.T) {
	ctx := context.Background()

	_, err := Build(ctx, []string{"Activity"}, nil, Config{})
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeMalformedLogInput))

	_, err = Build(ctx, []string{"Activity", "timestamp", "time"}, nil, Config{})
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeSchemaConflict))

	_, err = Build(ctx, []string{"Activity", "timestamp"}, [][]string{{"A", "not a time"}}, Config{})
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeMalformedLogInput))

	_, err = Read(ctx, "/nonexistent/file.csv", Config{})
	assert.True(t, ekgerrors.IsCode(err, ekgerrors.CodeFileNotFound))
}

func TestReadXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Activity", "timestamp", "Order"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"Pay", "2023-02-01T00:00:00Z", "O1"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"Create", "2023-01-01T00:00:00Z", "O1"}))
	path := filepath.Join(t.TempDir(), "orders.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	table, err := Read(context.Background(), path, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "Create", table.Rows[0].Type)
	assert.Equal(t, "O1", table.Rows[1].Attrs["Order"])
}

func TestTimestampParser(t *testing.T) {
	p := NewTimestampParser("", nil)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2023-01-02T03:04:05Z", time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2023-01-02 03:04:05.5", time.Date(2023, 1, 2, 3, 4, 5, 500_000_000, time.UTC)},
		{"2023-01-02", time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"25/12/2023 10:00:00", time.Date(2023, 12, 25, 10, 0, 0, 0, time.UTC)},
		{"45000", time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := p.Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
	}

	got, err := p.Parse("2023-01-02T03:04:05+02:00")
	require.NoError(t, err)
	assert.True(t, time.Date(2023, 1, 2, 1, 4, 5, 0, time.UTC).Equal(got))

	_, err = p.Parse("")
	assert.Error(t, err)
}

func TestDateAmbiguity(t *testing.T) {
	p := NewTimestampParser("", []string{"12/25/2023", "01/02/2023"})
	got, err := p.Parse("01/02/2023")
	require.NoError(t, err)
	assert.Equal(t, time.January, got.Month())

	p = NewTimestampParser("", []string{"25/12/2023"})
	got, err = p.Parse("01/02/2023")
	require.NoError(t, err)
	assert.Equal(t, time.February, got.Month())
}
