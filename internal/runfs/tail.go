package runfs

import (
	"bytes"
	"io"
	"os"
)

const tailChunkSize = 8192

// TailLines returns the last n lines of the file at path. A missing
// file or n <= 0 yields an empty slice. The file is read backwards in
// fixed-size chunks so large logs are never loaded whole.
func TailLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}

	var collected []byte
	offset := size
	newlines := 0
	for offset > 0 && newlines <= n {
		chunk := int64(tailChunkSize)
		if offset < chunk {
			chunk = offset
		}
		offset -= chunk
		buf := make([]byte, chunk)
		if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
			return nil, err
		}
		collected = append(buf, collected...)
		newlines = bytes.Count(collected, []byte{'\n'})
	}

	// Drop a single trailing newline so it does not produce an empty
	// final element.
	trimmed := bytes.TrimSuffix(collected, []byte{'\n'})
	if len(trimmed) == 0 {
		return nil, nil
	}
	lines := bytes.Split(trimmed, []byte{'\n'})
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = string(bytes.TrimSuffix(line, []byte{'\r'}))
	}
	return out, nil
}
