package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// processFunc turns one input into a JSON result. filename is nil for stdin.
type processFunc func(filename *string, input io.Reader) (interface{}, error)

var (
	processFlags pflag.FlagSet
	compact      = processFlags.BoolP("compact", "c", false, "disable pretty-printing of JSON output")
)

const exitInvalidInput = 3

func newEncoder() *json.Encoder {
	encoder := json.NewEncoder(os.Stdout)
	if !*compact {
		encoder.SetIndent("", "  ")
	}
	encoder.SetEscapeHTML(false)
	return encoder
}

// processFiles runs process over every named file, or stdin when there are
// none. A failing input is reported on stderr and the rest are still
// processed; the command then exits non-zero.
func processFiles(filenames []string, process processFunc) {
	encoder := newEncoder()

	if len(filenames) == 0 {
		if !emit(encoder, nil, os.Stdin, process) {
			os.Exit(exitInvalidInput)
		}
		return
	}

	failed := 0
	for _, filename := range filenames {
		if !processFile(filename, process, encoder) {
			failed++
		}
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d inputs failed\n", failed, len(filenames))
		os.Exit(exitInvalidInput)
	}
}

func processFile(filename string, process processFunc, encoder *json.Encoder) bool {
	file, err := os.Open(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", filename, err)
		return false
	}
	defer file.Close()

	return emit(encoder, &filename, file, process)
}

func emit(encoder *json.Encoder, filename *string, input io.Reader, process processFunc) bool {
	result, err := process(filename, input)
	if err != nil {
		name := "stdin"
		if filename != nil {
			name = *filename
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return false
	}

	encoder.Encode(result)
	return true
}
