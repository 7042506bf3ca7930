package budget

import (
	"os"
	"strings"
)

func readFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	return string(raw), err
}

func countLines(raw string) int {
	return len(strings.Split(strings.TrimRight(raw, "\n"), "\n"))
}
