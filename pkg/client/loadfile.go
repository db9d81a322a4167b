// SPDX-License-Identifier: MIT

package client

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// maxSourceSize caps how much Lua source is read from one file.
const maxSourceSize = 100 * 1024

// SplitName resolves a load argument to a module name and a file path.
// "name=file.lua" uses the explicit name; otherwise the name is the file's
// base without extension.
func SplitName(arg string) (name, file string) {
	if eq := strings.SplitN(arg, "=", 2); len(eq) == 2 && !strings.Contains(eq[0], "/") {
		return eq[0], eq[1]
	}
	base := filepath.Base(arg)
	return strings.TrimSuffix(base, filepath.Ext(base)), arg
}

// LoadArg uploads one command-line load argument to the device: a .lua
// file (optionally "name=file.lua"), a Loader.cmd file list, or a
// .luaz/.zip archive containing one.
func (s *Session) LoadArg(ctx context.Context, arg string, compile bool) error {
	switch filepath.Ext(arg) {
	case ".zip", ".luaz":
		return s.LoadArchive(ctx, arg, compile)
	case ".cmd":
		return s.LoadList(ctx, arg, compile)
	}

	name, file := SplitName(arg)
	src, err := readSource(file)
	if err != nil {
		return err
	}
	return s.loadSource(ctx, name, src, compile)
}

// LoadList uploads the .lua files named in a Loader.cmd file, in order.
// Paths are relative to the list's directory.
func (s *Session) LoadList(ctx context.Context, listPath string, compile bool) error {
	data, err := os.ReadFile(listPath)
	if err != nil {
		return err
	}
	dir := filepath.Dir(listPath)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, file := SplitName(line)
		src, err := readSource(filepath.Join(dir, file))
		if err != nil {
			return err
		}
		if err := s.loadSource(ctx, name, src, compile); err != nil {
			return err
		}
	}
	return nil
}

// LoadArchive uploads the contents of a .luaz/.zip archive. The archive
// must contain a Loader.cmd at its root or in a single top-level directory.
func (s *Session) LoadArchive(ctx context.Context, archivePath string, compile bool) error {
	z, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer z.Close()

	loader, err := findLoaderCmd(&z.Reader, archivePath)
	if err != nil {
		return err
	}
	loaderDir := path.Dir(loader.Name)

	data, err := readZipFile(loader)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, file := SplitName(line)
		entry := path.Join(loaderDir, file)
		f, err := openZipEntry(&z.Reader, entry)
		if err != nil {
			return err
		}
		src, err := readZipFile(f)
		if err != nil {
			return err
		}
		if err := s.loadSource(ctx, name, src, compile); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) loadSource(ctx context.Context, name string, src []byte, compile bool) error {
	src = []byte(StripComments(string(src)))
	if compile {
		return s.Compile(ctx, name, src)
	}
	return s.Load(ctx, name, src)
}

func readSource(file string) ([]byte, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxSourceSize))
}

func findLoaderCmd(z *zip.Reader, archivePath string) (*zip.File, error) {
	var subdirLoader *zip.File
	for _, f := range z.File {
		if f.Name == "Loader.cmd" {
			return f, nil
		}
		dir, base := path.Split(f.Name)
		if base != "Loader.cmd" {
			continue
		}
		// Only look one directory level down.
		if strings.Contains(strings.TrimSuffix(dir, "/"), "/") {
			continue
		}
		if subdirLoader != nil {
			return nil, fmt.Errorf("%s: multiple Loader.cmd files found", archivePath)
		}
		subdirLoader = f
	}
	if subdirLoader == nil {
		return nil, fmt.Errorf("%s: Loader.cmd not found", archivePath)
	}
	return subdirLoader, nil
}

func openZipEntry(z *zip.Reader, name string) (*zip.File, error) {
	for _, f := range z.File {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("archive entry %s not found", name)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, maxSourceSize))
}
