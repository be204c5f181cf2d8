package pcsc

import (
	"fmt"
	"strings"
)

// Reader describes one PC/SC reader.
type Reader struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // "picc" for contactless interfaces, "sam" for SAM slots
}

// DescribeReaders lists readers with their interface type.
func (a *Agent) DescribeReaders() ([]Reader, error) {
	names, err := a.ListReaders()
	if err != nil {
		return nil, err
	}

	readers := make([]Reader, 0, len(names))
	for i, name := range names {
		readers = append(readers, Reader{
			ID:   fmt.Sprintf("reader-%d", i),
			Name: name,
			Type: ReaderType(name),
		})
	}
	return readers, nil
}

// ReaderType guesses whether a reader is a contactless (PICC) interface or a
// SAM slot from its name. Readers without a marker are treated as PICC.
func ReaderType(name string) string {
	lower := strings.ToLower(name)
	if strings.Contains(lower, " sam") || strings.Contains(lower, "sam ") {
		return "sam"
	}
	return "picc"
}
