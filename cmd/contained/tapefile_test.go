package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/raskyld/contained/pkg/tonnetz"
	"github.com/stretchr/testify/require"
)

func TestParseTape(t *testing.T) {
	notes, err := parseTape("# scenario\n0, 4 7\nC# Bb E4 4@-1\n")
	require.NoError(t, err)
	require.Equal(t, []tonnetz.Note{
		tonnetz.N(0), tonnetz.N(4), tonnetz.N(7),
		tonnetz.N(1), tonnetz.N(10), tonnetz.NO(4, 4), tonnetz.NO(4, -1),
	}, notes)

	for _, bad := range []string{"12", "H", "C#x", "3@up"} {
		_, err := parseTape(bad)
		require.Error(t, err, bad)
	}
}

func TestReadTape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tape.txt")
	require.NoError(t, os.WriteFile(path, []byte("0\n"), 0o600))
	notes, err := readTape(path)
	require.NoError(t, err)
	require.Equal(t, []tonnetz.Note{tonnetz.N(0)}, notes)

	_, err = readTape(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
