package tools

import (
	"io/fs"
	"os"
	"os/user"
)

// System is the set of file and process primitives the tools call.
type System interface {
	ReadDir(path string) ([]fs.DirEntry, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, appendMode bool) (int, error)
	Getwd() (string, error)
	Hostname() (string, error)
	HomeDir() (string, error)
	Username() (string, error)
}

// OSSystem implements System on top of the os package.
type OSSystem struct{}

func (OSSystem) ReadDir(path string) ([]fs.DirEntry, error) { return os.ReadDir(path) }

func (OSSystem) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (OSSystem) WriteFile(path string, data []byte, appendMode bool) (int, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (OSSystem) Getwd() (string, error) { return os.Getwd() }

func (OSSystem) Hostname() (string, error) { return os.Hostname() }

func (OSSystem) HomeDir() (string, error) { return os.UserHomeDir() }

func (OSSystem) Username() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}
