package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/raskyld/contained/pkg/tonnetz"
)

var noteNames = map[string]int{
	"C": 0, "C#": 1, "DB": 1, "D": 2, "D#": 3, "EB": 3, "E": 4, "F": 5,
	"F#": 6, "GB": 6, "G": 7, "G#": 8, "AB": 8, "A": 9, "A#": 10, "BB": 10, "B": 11,
}

// readTape loads a tape file: notes separated by blanks or commas, each a
// pitch class number (0-11) or a name (C, F#, Bb), optionally followed by
// an octave ("E4", "4@-1"). Lines starting with # are comments.
func readTape(path string) ([]tonnetz.Note, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseTape(string(data))
}

func parseTape(text string) ([]tonnetz.Note, error) {
	var notes []tonnetz.Note
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		for _, tok := range strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\r'
		}) {
			n, err := parseNote(tok)
			if err != nil {
				return nil, err
			}
			notes = append(notes, n)
		}
	}
	return notes, nil
}

func parseNote(tok string) (tonnetz.Note, error) {
	if class, octave, ok := strings.Cut(tok, "@"); ok {
		c, err := parseClass(class)
		if err != nil {
			return tonnetz.Note{}, err
		}
		o, err := strconv.Atoi(octave)
		if err != nil {
			return tonnetz.Note{}, fmt.Errorf("note %q: bad octave", tok)
		}
		return tonnetz.NO(c, o), nil
	}

	if c, err := parseClass(tok); err == nil {
		return tonnetz.N(c), nil
	}

	// a name followed by an octave, like C#4 or E-1
	split := strings.IndexAny(tok, "-0123456789")
	if split <= 0 {
		return tonnetz.Note{}, fmt.Errorf("note %q: unknown pitch", tok)
	}
	c, err := parseClass(tok[:split])
	if err != nil {
		return tonnetz.Note{}, err
	}
	o, err := strconv.Atoi(tok[split:])
	if err != nil {
		return tonnetz.Note{}, fmt.Errorf("note %q: bad octave", tok)
	}
	return tonnetz.NO(c, o), nil
}

func parseClass(s string) (int, error) {
	if c, err := strconv.Atoi(s); err == nil {
		if c < 0 || c >= tonnetz.Classes {
			return 0, fmt.Errorf("pitch class %d out of range", c)
		}
		return c, nil
	}
	if c, ok := noteNames[strings.ToUpper(s)]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("note %q: unknown pitch", s)
}
