package jd

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Fetch reads a job description from a file, or from stdin when input is "-".
func Fetch(input string) (content string, err error) {
	if input == "-" {
		content, err = fetchFromReader(os.Stdin)
		if err != nil {
			err = errors.Wrap(err, "failed to read JD from stdin")
			return content, err
		}
		return content, err
	}

	content, err = fetchFromFile(input)
	if err != nil {
		err = errors.Wrapf(err, "failed to fetch JD from file: %s", input)
		return content, err
	}

	return content, err
}

// fetchFromFile reads job description from a file.
func fetchFromFile(path string) (content string, err error) {
	var f *os.File
	f, err = os.Open(path)
	if err != nil {
		err = errors.Wrapf(err, "failed to read file: %s", path)
		return content, err
	}
	defer f.Close()

	content, err = fetchFromReader(f)
	return content, err
}

func fetchFromReader(r io.Reader) (content string, err error) {
	var data []byte
	data, err = io.ReadAll(r)
	if err != nil {
		err = errors.Wrap(err, "read failed")
		return content, err
	}

	content = strings.TrimSpace(string(data))
	if content == "" {
		err = errors.New("job description is empty")
		return content, err
	}

	return content, err
}
