package main

import (
	"bufio"
	"io"
	"os"
)

const maxLineSize = 1024 * 1024 // 1MB

type Line struct {
	Filename string
	Number   int
	Text     string
}

// EachLine calls fn for every line of the file, numbering from one.
func EachLine(filePath string, fn func(Line) error) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()
	return scanLines(file, filePath, fn)
}

func scanLines(r io.Reader, name string, fn func(Line) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for i := 1; scanner.Scan(); i++ {
		if err := fn(Line{Filename: name, Number: i, Text: scanner.Text()}); err != nil {
			return err
		}
	}
	return scanner.Err()
}
