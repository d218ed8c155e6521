package reshlog

import (
	"io"
	"os"
	"reflect"
)

// GetPointer returns the memory address of the given value as an unsigned
// integer, the same thing as fmt.Sprintf("%p", &v) but without allocating.
func GetPointer(value any) uint {
	ptr := reflect.ValueOf(value).Pointer()
	uintPtr := uintptr(ptr)
	return uint(uintPtr)
}

// newWriter opens a file writer for the given path. An empty path means
// os.Stdout.
func newWriter(filepath string) (*os.File, io.Writer, error) {
	if filepath == "" {
		return nil, os.Stdout, nil
	}
	f, err := os.OpenFile(filepath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}
