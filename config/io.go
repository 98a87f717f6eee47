package config

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

type FullReader interface {
	Normalize(key string) string
	// nil,nil = not found
	ReadAll(key string) ([]byte, error)
}

type OsFullReader struct {
	base string
}

func NewOsFullReader() *OsFullReader { return &OsFullReader{} }

// SetBase makes relative names resolve against directory of main config file.
func (r *OsFullReader) SetBase(path string) {
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		// only fails when working directory is gone
		abs = filepath.Clean(path)
	}
	r.base = abs
}

func (r *OsFullReader) Normalize(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(r.base, path))
}

func (*OsFullReader) ReadAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Annotate(err, "config open")
	}
	b, err := ioutil.ReadAll(f)
	f.Close()
	return b, err
}

type MockFullReader struct {
	Map map[string]string
}

func NewMockFullReader(sources map[string]string) *MockFullReader {
	return &MockFullReader{Map: sources}
}

func (m *MockFullReader) Normalize(name string) string {
	return filepath.Clean(name)
}

func (m *MockFullReader) ReadAll(name string) ([]byte, error) {
	if s, ok := m.Map[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
