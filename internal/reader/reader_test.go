package reader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProfileDetectsHeaderAndDelimiter(t *testing.T) {
	path := writeTemp(t, "id,name\n1,a\n2,b\n3,c\n")
	p, err := New(path).Profile()
	require.NoError(t, err)
	require.Equal(t, []string{"id", "name"}, p.Header)
	require.Equal(t, ',', p.Delimiter)
	require.Equal(t, EncodingUTF8, p.Encoding)
}

func TestProfileEmptySchemaFails(t *testing.T) {
	path := writeTemp(t, "\n")
	_, err := New(path).Profile()
	require.ErrorIs(t, err, ErrSchemaEmpty)
}

func TestProfileMissingFileFails(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.csv")).Profile()
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestStreamRowsProjection(t *testing.T) {
	path := writeTemp(t, "id,name,dept\n1,a,eng\n2,b,sales\n")
	stream, err := New(path).StreamRows([]string{"dept", "id"})
	require.NoError(t, err)
	defer stream.Close()

	var rows [][]string
	for stream.Next() {
		rows = append(rows, stream.Row().Values)
	}
	require.NoError(t, stream.Err())
	require.Equal(t, [][]string{{"eng", "1"}, {"sales", "2"}}, rows)
}

func TestStreamRowsSkipsMalformedLines(t *testing.T) {
	path := writeTemp(t, "id,name\n1,a\nbadline\n2,b\n")
	stream, err := New(path).StreamRows(nil)
	require.NoError(t, err)
	defer stream.Close()

	var count int
	for stream.Next() {
		count++
	}
	require.NoError(t, stream.Err())
	require.Equal(t, 2, count)
	require.Equal(t, int64(1), stream.Warnings())
}

func TestStreamRowsHandlesQuotedNewlines(t *testing.T) {
	path := writeTemp(t, "id,note\n1,\"line1\nline2\"\n2,plain\n")
	stream, err := New(path).StreamRows(nil)
	require.NoError(t, err)
	defer stream.Close()

	var rows [][]string
	for stream.Next() {
		rows = append(rows, stream.Row().Values)
	}
	require.NoError(t, stream.Err())
	require.Equal(t, [][]string{{"1", "line1\nline2"}, {"2", "plain"}}, rows)
}

func TestSampleHeadIsDeterministic(t *testing.T) {
	path := writeTemp(t, "id\n1\n2\n3\n4\n5\n")
	r := New(path)
	rows1, err := r.SampleRows(2, SampleHead, 42)
	require.NoError(t, err)
	rows2, err := r.SampleRows(2, SampleHead, 42)
	require.NoError(t, err)
	require.Equal(t, rows1, rows2)
	require.Equal(t, [][]string{{"1"}, {"2"}}, valuesOf(rows1))
}

func TestSampleUniformRestartable(t *testing.T) {
	path := writeTemp(t, "id\n1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n")
	r := New(path)
	rows1, err := r.SampleRows(3, SampleUniform, 7)
	require.NoError(t, err)
	rows2, err := r.SampleRows(3, SampleUniform, 7)
	require.NoError(t, err)
	require.Equal(t, rows1, rows2)
	require.Len(t, rows1, 3)
}

func TestSampleMethodForHonorsRowLimitHint(t *testing.T) {
	require.Equal(t, SampleHead, SampleMethodFor(100))
	require.Equal(t, SampleUniform, SampleMethodFor(0))
}

func valuesOf(rows []Row) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = r.Values
	}
	return out
}
