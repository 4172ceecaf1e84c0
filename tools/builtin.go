package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"ochat/executor"
)

const maxReadBytes = 10 << 20

type DirEntry struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Size     int64     `json:"size,omitempty"`
	Mode     string    `json:"mode,omitempty"`
	Modified time.Time `json:"modified,omitempty"`
}

type DirectoryListing struct {
	Path    string     `json:"path"`
	Entries []DirEntry `json:"entries"`
}

type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int    `json:"size"`
}

type WriteResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytesWritten"`
	Appended     bool   `json:"appended"`
}

type SystemInfo struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
	CPUs     int    `json:"cpus"`
	Username string `json:"username,omitempty"`
	HomeDir  string `json:"homeDir,omitempty"`
	Shell    string `json:"shell,omitempty"`
}

type CurrentDirectory struct {
	Path string `json:"path"`
}

func (r *Registry) executeCommand(ctx context.Context, args map[string]any) (any, error) {
	opts := executor.Options{Dir: stringArg(args, "cwd", "")}
	if secs := numberArg(args, "timeout"); secs > 0 {
		opts.Timeout = time.Duration(secs * float64(time.Second))
	}
	return r.exec.Run(ctx, stringArg(args, "command", ""), opts)
}

func (r *Registry) listDirectory(_ context.Context, args map[string]any) (any, error) {
	path := stringArg(args, "path", ".")
	detailed := boolArg(args, "detailed")

	entries, err := r.sys.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}

	listing := DirectoryListing{Path: path, Entries: make([]DirEntry, 0, len(entries))}
	for _, e := range entries {
		entry := DirEntry{Name: e.Name(), Type: entryType(e.Type())}
		if detailed {
			if info, err := e.Info(); err == nil {
				entry.Size = info.Size()
				entry.Mode = info.Mode().String()
				entry.Modified = info.ModTime().UTC()
			}
		}
		listing.Entries = append(listing.Entries, entry)
	}
	return listing, nil
}

func entryType(mode os.FileMode) string {
	switch {
	case mode.IsDir():
		return "directory"
	case mode&os.ModeSymlink != 0:
		return "symlink"
	case mode.IsRegular():
		return "file"
	default:
		return "other"
	}
}

func (r *Registry) readFile(_ context.Context, args map[string]any) (any, error) {
	path := stringArg(args, "path", "")
	data, err := r.sys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) > maxReadBytes {
		return nil, fmt.Errorf("failed to read %s: file is larger than %d bytes", path, maxReadBytes)
	}
	return FileContent{Path: path, Content: string(data), Size: len(data)}, nil
}

func (r *Registry) writeFile(_ context.Context, args map[string]any) (any, error) {
	path := stringArg(args, "path", "")
	content, _ := args["content"].(string)
	appendMode := boolArg(args, "append")

	n, err := r.sys.WriteFile(path, []byte(content), appendMode)
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return WriteResult{Path: path, BytesWritten: n, Appended: appendMode}, nil
}

func (r *Registry) systemInfo(context.Context, map[string]any) (any, error) {
	info := SystemInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		CPUs: runtime.NumCPU(),
	}
	host, err := r.sys.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}
	info.Hostname = host
	if name, err := r.sys.Username(); err == nil {
		info.Username = name
	}
	if home, err := r.sys.HomeDir(); err == nil {
		info.HomeDir = home
	}
	info.Shell = os.Getenv("SHELL")
	if runtime.GOOS == "windows" {
		info.Shell = os.Getenv("COMSPEC")
	}
	return info, nil
}

func (r *Registry) currentDirectory(context.Context, map[string]any) (any, error) {
	wd, err := r.sys.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return CurrentDirectory{Path: filepath.Clean(wd)}, nil
}
